// Package config loads pool sizing for the scan schedulers from YAML.
//
// Recognized keys: local_pool_size, local_queue_size, remote_pool_size,
// remote_pool_max_size, remote_queue_size, limited_pool_size,
// limited_queue_size, group_thread_count, group_queue_capacity,
// default_max_concurrency, output_queue_capacity and a log section.
package config

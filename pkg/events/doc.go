/*
Package events publishes scan scheduler lifecycle events to in-process
subscribers.

A Broker fans events out from a single distribution goroutine to buffered
subscriber channels. Slow subscribers lose events instead of stalling the
publisher, so the schedulers can publish from worker threads.

Event types:

  - context.finished / context.failed / context.cancelled: a scanner context
    retired its last scan task
  - task.failed / task.rejected: a scan task step failed, or a submission was
    refused
  - scheduler.started / scheduler.stopped: global scheduler lifecycle
  - group.started / group.stopped: per workload group scheduler lifecycle

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Metadata["context_id"])
		}
	}()

Publish on a nil *Broker is a no-op, which lets components hold an optional
broker without nil checks.
*/
package events

/*
Package cgroup attaches scan worker threads to a per workload group CPU
cgroup so the kernel enforces the group's CPU ceiling.

The schedulers only depend on the CPUController interface. On Linux,
Controller manages a cgroup v1 cpu hierarchy under /scansched/<group> through
github.com/containerd/cgroups, translating Limits into an OCI
specs.LinuxResources quota/period and shares. NoopController is used in tests
and wherever no limit is wanted.

	ctl, err := cgroup.New("etl", cgroup.Limits{CPUPercent: 25})
	if err != nil {
		return err
	}
	defer ctl.Delete()

	sched := scheduler.NewSimplifiedScanScheduler("etl", ctl, cfg)

Creating cgroups needs root (or a delegated hierarchy).
*/
package cgroup

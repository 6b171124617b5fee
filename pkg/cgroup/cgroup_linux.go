//go:build linux

package cgroup

import (
	"fmt"
	"path"
	"runtime"
	"sync"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	cgroupRoot = "/scansched"
	cpuPeriod  = uint64(100000)
)

// Controller is a CPUController backed by a cgroup v1 cpu hierarchy, one
// cgroup per workload group.
type Controller struct {
	group string
	path  string

	mu     sync.Mutex
	cg     cgroups.Cgroup
	limits Limits
}

// New creates (or reuses) the cgroup for group and applies limits.
func New(group string, limits Limits) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	p := path.Join(cgroupRoot, group)
	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(p), toResources(limits))
	if err != nil {
		return nil, fmt.Errorf("failed to create cgroup %s: %w", p, err)
	}

	return &Controller{
		group:  group,
		path:   p,
		cg:     cg,
		limits: limits,
	}, nil
}

// AttachThread moves the OS thread tid into the group's cpu cgroup.
func (c *Controller) AttachThread(tid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.cg.AddTask(cgroups.Process{Pid: tid}, cgroups.Cpu); err != nil {
		return fmt.Errorf("failed to attach thread %d to cgroup %s: %w", tid, c.path, err)
	}
	return nil
}

// UpdateHardLimit changes the CPU ceiling of a running group.
func (c *Controller) UpdateHardLimit(percent int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limits := c.limits
	limits.CPUPercent = percent
	if err := limits.Validate(); err != nil {
		return err
	}
	if err := c.cg.Update(toResources(limits)); err != nil {
		return fmt.Errorf("failed to update cpu limit of %s: %w", c.path, err)
	}
	c.limits = limits
	return nil
}

// UpdateShares changes the relative CPU weight of the group.
func (c *Controller) UpdateShares(shares uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limits := c.limits
	limits.Shares = shares
	if err := c.cg.Update(toResources(limits)); err != nil {
		return fmt.Errorf("failed to update cpu shares of %s: %w", c.path, err)
	}
	c.limits = limits
	return nil
}

// Limits returns the limits currently applied.
func (c *Controller) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Delete removes the cgroup. Threads still attached move to the parent.
func (c *Controller) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cg.Delete()
}

func toResources(limits Limits) *specs.LinuxResources {
	cpu := &specs.LinuxCPU{}
	if limits.CPUPercent > 0 {
		period := cpuPeriod
		quota := int64(period) * int64(runtime.NumCPU()) * int64(limits.CPUPercent) / 100
		cpu.Period = &period
		cpu.Quota = &quota
	}
	if limits.Shares > 0 {
		shares := limits.Shares
		cpu.Shares = &shares
	}
	return &specs.LinuxResources{CPU: cpu}
}

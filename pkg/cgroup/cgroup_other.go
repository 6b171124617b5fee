//go:build !linux

package cgroup

// Controller is unavailable outside Linux.
type Controller struct{}

// New always fails outside Linux.
func New(group string, limits Limits) (*Controller, error) {
	return nil, ErrUnsupported
}

func (c *Controller) AttachThread(tid int) error { return ErrUnsupported }

func (c *Controller) UpdateHardLimit(percent int) error { return ErrUnsupported }

func (c *Controller) UpdateShares(shares uint64) error { return ErrUnsupported }

func (c *Controller) Limits() Limits { return Limits{} }

func (c *Controller) Delete() error { return ErrUnsupported }

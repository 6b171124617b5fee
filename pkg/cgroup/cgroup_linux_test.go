//go:build linux

package cgroup

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToResources(t *testing.T) {
	res := toResources(Limits{CPUPercent: 50, Shares: 256})
	require.NotNil(t, res.CPU)
	require.NotNil(t, res.CPU.Period)
	require.NotNil(t, res.CPU.Quota)
	require.NotNil(t, res.CPU.Shares)

	assert.Equal(t, cpuPeriod, *res.CPU.Period)
	assert.Equal(t, int64(cpuPeriod)*int64(runtime.NumCPU())/2, *res.CPU.Quota)
	assert.Equal(t, uint64(256), *res.CPU.Shares)
}

func TestToResourcesUnlimited(t *testing.T) {
	res := toResources(Limits{})
	require.NotNil(t, res.CPU)
	assert.Nil(t, res.CPU.Quota)
	assert.Nil(t, res.CPU.Period)
	assert.Nil(t, res.CPU.Shares)
}

func TestNewRejectsInvalidLimits(t *testing.T) {
	_, err := New("bad", Limits{CPUPercent: 200})
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

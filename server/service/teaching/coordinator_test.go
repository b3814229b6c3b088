package teaching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_AdmitAssignsMonotonicEpochs(t *testing.T) {
	c := NewCoordinator()

	epoch1, superseded := c.Admit("s-1", "i-1", func() {})
	assert.Equal(t, int64(1), epoch1)
	assert.Nil(t, superseded)

	c.Release("s-1", epoch1)

	epoch2, superseded := c.Admit("s-1", "i-2", func() {})
	assert.Equal(t, int64(2), epoch2)
	assert.Nil(t, superseded)

	// Sessions are independent.
	other, _ := c.Admit("s-2", "i-3", func() {})
	assert.Equal(t, int64(1), other)
}

func TestCoordinator_AdmitCancelsInflight(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())

	epoch1, _ := c.Admit("s-1", "i-1", cancel)
	epoch2, superseded := c.Admit("s-1", "i-2", func() {})

	require.NotNil(t, superseded)
	assert.Equal(t, "i-1", superseded.InteractionID)
	assert.Equal(t, epoch1, superseded.Epoch)
	assert.Error(t, ctx.Err())

	assert.False(t, c.IsCurrent("s-1", epoch1))
	assert.True(t, c.IsCurrent("s-1", epoch2))
}

func TestCoordinator_CancelPrevious(t *testing.T) {
	c := NewCoordinator()

	assert.Nil(t, c.CancelPrevious("s-1"))

	ctx, cancel := context.WithCancel(context.Background())
	epoch, _ := c.Admit("s-1", "i-1", cancel)

	superseded := c.CancelPrevious("s-1")
	require.NotNil(t, superseded)
	assert.Equal(t, "i-1", superseded.InteractionID)
	assert.Error(t, ctx.Err())

	// The epoch survives cancellation; only the in-flight marker clears.
	assert.Equal(t, epoch, c.CurrentEpoch("s-1"))
	assert.Nil(t, c.CancelPrevious("s-1"))
}

func TestCoordinator_ReleaseIgnoresStaleEpoch(t *testing.T) {
	c := NewCoordinator()

	epoch1, _ := c.Admit("s-1", "i-1", func() {})
	epoch2, _ := c.Admit("s-1", "i-2", func() {})

	// A late release from the superseded interaction must not clear the
	// current in-flight slot.
	c.Release("s-1", epoch1)
	_, superseded := c.Admit("s-1", "i-3", func() {})
	require.NotNil(t, superseded)
	assert.Equal(t, "i-2", superseded.InteractionID)
	assert.Equal(t, epoch2, superseded.Epoch)
}

func TestCoordinator_Restore(t *testing.T) {
	c := NewCoordinator()

	c.Restore("s-1", 7)
	assert.Equal(t, int64(7), c.CurrentEpoch("s-1"))

	epoch, _ := c.Admit("s-1", "i-1", func() {})
	assert.Equal(t, int64(8), epoch)

	// Restoring backwards is a no-op.
	c.Restore("s-1", 3)
	assert.Equal(t, int64(8), c.CurrentEpoch("s-1"))
}

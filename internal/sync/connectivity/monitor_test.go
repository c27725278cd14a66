package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transition received")
	}
	return Transition{}
}

func TestMonitor_SetOnline(t *testing.T) {
	m := NewMonitor(nil, 0, false)
	ch, cancel := m.Subscribe()
	defer cancel()

	assert.False(t, m.Online())

	m.SetOnline(true)
	m.SetOnline(true) // no change, no transition
	m.SetOnline(false)

	assert.True(t, next(t, ch).Online)
	assert.False(t, next(t, ch).Online)
	assert.False(t, m.Online())

	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMonitor_Probe verifies the probe drives the state.
func TestMonitor_Probe(t *testing.T) {
	var healthy atomic.Bool
	probe := func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}

	m := NewMonitor(probe, 10*time.Millisecond, false)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Start(context.Background())
	defer m.Close()

	healthy.Store(true)
	require.True(t, next(t, ch).Online)

	healthy.Store(false)
	assert.False(t, next(t, ch).Online)
}

func TestMonitor_Check(t *testing.T) {
	m := NewMonitor(func(context.Context) error { return nil }, time.Hour, false)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Online())

	manual := NewMonitor(nil, 0, true)
	assert.True(t, manual.Check(context.Background()))
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	m := NewMonitor(func(context.Context) error { return nil }, time.Hour, false)
	m.Start(context.Background())
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

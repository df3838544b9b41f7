package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flipPinger struct {
	fail atomic.Bool
}

func (p *flipPinger) Ping(ctx context.Context) error {
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestConnectionManagerTransitions(t *testing.T) {
	p := &flipPinger{}
	cm := NewConnectionManager(p, time.Hour, time.Second, zerolog.Nop())
	assert.False(t, cm.IsOnline(), "starts offline")

	reconnects := make(chan struct{}, 4)
	cm.OnReconnect(func() { reconnects <- struct{}{} })

	require.True(t, cm.Check(context.Background()))
	assert.True(t, cm.IsOnline())
	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatal("reconnect hook not called")
	}

	cm.MarkOffline("allocate: timeout")
	assert.False(t, cm.IsOnline())
	assert.Equal(t, "allocate: timeout", cm.Status().LastError)

	p.fail.Store(true)
	assert.False(t, cm.Check(context.Background()))
	assert.Equal(t, 1, cm.Status().FailureCount)

	p.fail.Store(false)
	require.True(t, cm.Check(context.Background()))
	select {
	case <-reconnects:
	case <-time.After(time.Second):
		t.Fatal("reconnect hook not called after recovery")
	}

	history := cm.History()
	require.Len(t, history, 3)
	assert.True(t, history[0].Online)
	assert.False(t, history[1].Online)
	assert.Equal(t, "allocate: timeout", history[1].Reason)
	assert.True(t, history[2].Online)
	assert.Equal(t, 2, cm.Status().SuccessCount)
}

func TestConnectionManagerStartStop(t *testing.T) {
	cm := NewConnectionManager(&flipPinger{}, 10*time.Millisecond, time.Second, zerolog.Nop())
	cm.Start()
	cm.Start()
	assert.Eventually(t, cm.IsOnline, time.Second, 5*time.Millisecond)
	cm.Stop()
	cm.Stop()

	cm.Start()
	cm.Stop()
}

package network

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/dossiersync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 30 * time.Millisecond

func TestMonitor_DebouncesFlapping(t *testing.T) {
	m := NewMonitor(true, WithDebounce(testDebounce))
	defer m.Close()

	ch, cancel := m.Subscribe()
	defer cancel()
	require.True(t, <-ch)

	// Flap faster than the debounce interval and settle back online.
	for i := 0; i < 5; i++ {
		m.Report(false)
		time.Sleep(testDebounce / 5)
		m.Report(true)
		time.Sleep(testDebounce / 5)
	}

	time.Sleep(3 * testDebounce)
	assert.True(t, m.Online())
	select {
	case v := <-ch:
		t.Fatalf("unexpected state change to %v", v)
	default:
	}
}

func TestMonitor_PublishesAfterDebounce(t *testing.T) {
	m := NewMonitor(true, WithDebounce(testDebounce))
	defer m.Close()

	m.Report(false)
	assert.True(t, m.Online(), "state must not change before the debounce interval")

	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)

	ch, cancel := m.Subscribe()
	defer cancel()
	assert.False(t, <-ch, "late subscriber sees current state")

	m.Report(true)
	select {
	case v := <-ch:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("online transition not published")
	}
}

func TestMonitor_AttachFollowsTransport(t *testing.T) {
	ctx := context.Background()
	broker := transport.NewBroker()
	tr := broker.NewChannel()

	m := NewMonitor(false, WithDebounce(testDebounce))
	defer m.Close()
	m.Attach(tr)

	require.NoError(t, tr.Connect(ctx))
	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Disconnect(ctx))
	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
}

func TestMonitor_WatchProbe(t *testing.T) {
	var up atomic.Bool
	probe := func(context.Context) bool { return up.Load() }

	m := NewMonitor(true, WithDebounce(testDebounce))
	defer m.Close()
	m.Watch(context.Background(), probe, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
	up.Store(true)
	assert.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
}

func TestMonitor_CloseIsIdempotent(t *testing.T) {
	m := NewMonitor(true, WithDebounce(testDebounce))
	ch, cancel := m.Subscribe()
	defer cancel()
	<-ch

	m.Report(false)
	m.Close()
	m.Close()

	_, ok := <-ch
	assert.False(t, ok)
	time.Sleep(2 * testDebounce)
	assert.True(t, m.Online())
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx := context.Background()
	assert.True(t, DialProbe(ln.Addr().String(), time.Second)(ctx))

	addr := ln.Addr().String()
	ln.Close()
	assert.False(t, DialProbe(addr, 200*time.Millisecond)(ctx))
}

func TestAnyProbe(t *testing.T) {
	off := func(context.Context) bool { return false }
	on := func(context.Context) bool { return true }
	ctx := context.Background()

	assert.False(t, AnyProbe(off, off)(ctx))
	assert.True(t, AnyProbe(off, on)(ctx))

	tr := transport.NewBroker().NewChannel()
	assert.False(t, TransportProbe(tr)(ctx))
}

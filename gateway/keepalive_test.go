package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/eventgw/bus/bustest"
)

func keepaliveSession(t *testing.T, reg *Registry, maxMissed int) (*Session, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	sess := NewSession(transport, bustest.NewFakeSubscription(), SessionConfig{
		Registry:       reg,
		MaxMissedPongs: maxMissed,
		Reporter:       &recordingReporter{},
	})
	require.NoError(t, sess.Start(context.Background(), nil))
	t.Cleanup(func() { sess.Close(nil) })
	return sess, transport
}

func TestKeepaliveEvictsSilentSession(t *testing.T) {
	reg := NewRegistry()
	sess, transport := keepaliveSession(t, reg, 2)

	k := NewKeepalive(reg, 10*time.Millisecond, nil)
	k.Start()
	defer k.Stop()

	require.Eventually(t, func() bool { return sess.State() == StateClosed },
		time.Second, 5*time.Millisecond, "silent session should be evicted")

	f, ok := transport.find(EventError)
	require.True(t, ok)
	msg, _ := decodeErrorPayload(t, f)
	assert.Equal(t, "Closing due to missing pongs", msg)
	assert.Equal(t, 0, reg.Len())
}

func TestKeepaliveKeepsRespondingSessionAlive(t *testing.T) {
	reg := NewRegistry()
	sess, transport := keepaliveSession(t, reg, 100)

	k := NewKeepalive(reg, 10*time.Millisecond, nil)
	k.Start()
	defer k.Stop()

	// Answer every ping as a well-behaved client would.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(200 * time.Millisecond)
		seen := 0
		for {
			select {
			case <-deadline:
				return
			default:
			}
			frames := transport.Frames()
			for ; seen < len(frames); seen++ {
				if frames[seen].Event != EventPing {
					continue
				}
				var p PingPayload
				if json.Unmarshal(frames[seen].Payload, &p) == nil {
					sess.Pong(p.Token)
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	<-done

	assert.Equal(t, StateReady, sess.State())
	assert.Equal(t, 1, reg.Len())
}

func TestKeepaliveSurvivesConcurrentClose(t *testing.T) {
	reg := NewRegistry()
	var sessions []*Session
	for i := 0; i < 10; i++ {
		s, _ := keepaliveSession(t, reg, 2)
		sessions = append(sessions, s)
	}

	k := NewKeepalive(reg, 5*time.Millisecond, nil)
	k.Start()

	// Close sessions while sweeps are running.
	for _, s := range sessions {
		go s.Close(nil)
	}

	require.Eventually(t, func() bool { return reg.Len() == 0 },
		time.Second, 5*time.Millisecond)
	k.Stop()
}

func TestKeepaliveStopHaltsSweeping(t *testing.T) {
	reg := NewRegistry()
	sess, transport := keepaliveSession(t, reg, 100)

	k := NewKeepalive(reg, 10*time.Millisecond, nil)
	k.Start()
	require.Eventually(t, func() bool {
		_, ok := transport.find(EventPing)
		return ok
	}, time.Second, 5*time.Millisecond)
	k.Stop()

	// Let frames queued by the final sweep drain through the writer.
	time.Sleep(50 * time.Millisecond)
	before := len(transport.Frames())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(transport.Frames()), "no pings after Stop")
	assert.Equal(t, StateReady, sess.State())
}

func TestKeepaliveSkipsNonReadySessions(t *testing.T) {
	reg := NewRegistry()
	sess, transport := keepaliveSession(t, reg, 2)
	sess.Close(nil)

	// A closed session still present in a stale snapshot must be a no-op.
	sess.KeepAlive()
	for _, f := range transport.Frames() {
		assert.NotEqual(t, EventPing, f.Event)
	}
	assert.Equal(t, 0, reg.Len())
}

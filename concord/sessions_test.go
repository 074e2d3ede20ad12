package concord

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSession is a minimal Session for manager tests.
type stubSession struct {
	key     SessionKey
	stopped atomic.Int64
}

func (s *stubSession) Key() SessionKey     { return s.key }
func (s *stubSession) Kind() string        { return "stub" }
func (s *stubSession) State() SessionState { return SessionRunning }
func (s *stubSession) Stop()               { s.stopped.Add(1) }

func TestSessionManagerStartGetEnd(t *testing.T) {
	manager := NewSessionManager(testLogger(t))
	key := SessionKey{GuildID: "g1", ChannelID: "c1"}

	_, ok := manager.Get(key)
	assert.False(t, ok)
	assert.False(t, manager.End(key), "ending a nonexistent session should return false")

	session := &stubSession{key: key}
	require.NoError(t, manager.Start(session))

	got, ok := manager.Get(key)
	require.True(t, ok)
	assert.Equal(t, session, got)

	// Same key is taken; a different channel is free.
	require.ErrorIs(t, manager.Start(&stubSession{key: key}), ErrSessionAlreadyActive)
	require.NoError(
		t,
		manager.Start(&stubSession{key: SessionKey{GuildID: "g1", ChannelID: "c2"}}),
	)

	assert.True(t, manager.End(key))
	assert.Equal(t, int64(1), session.stopped.Load())
	_, ok = manager.Get(key)
	assert.False(t, ok)

	// Idempotent from the caller's perspective.
	assert.False(t, manager.End(key))
}

func TestSessionManagerConcurrentStartSingleWinner(t *testing.T) {
	manager := NewSessionManager(testLogger(t))
	key := SessionKey{GuildID: "g1", ChannelID: "c1"}

	const attempts = 50
	var wg sync.WaitGroup
	var succeeded, alreadyActive atomic.Int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.Start(&stubSession{key: key})
			switch {
			case err == nil:
				succeeded.Add(1)
			default:
				assert.ErrorIs(t, err, ErrSessionAlreadyActive)
				alreadyActive.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), succeeded.Load())
	assert.Equal(t, int64(attempts-1), alreadyActive.Load())
	assert.Len(t, manager.Sessions(), 1)
}

func TestSessionManagerReleaseOnlyRemovesCurrent(t *testing.T) {
	manager := NewSessionManager(testLogger(t))
	key := SessionKey{GuildID: "g1", ChannelID: "c1"}

	first := &stubSession{key: key}
	require.NoError(t, manager.Start(first))
	require.True(t, manager.End(key))

	second := &stubSession{key: key}
	require.NoError(t, manager.Start(second))

	// A late release from the first session must not evict the second.
	manager.release(first)
	got, ok := manager.Get(key)
	require.True(t, ok)
	assert.Equal(t, second, got)

	manager.release(second)
	_, ok = manager.Get(key)
	assert.False(t, ok)
	assert.Zero(t, second.stopped.Load())
}

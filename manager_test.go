package ircsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerVia answers the registration NICK on fs with ok.
func registerVia(t *testing.T, fs *fakeServer, s *Session, ok bool) {
	t.Helper()
	nick := fs.expect("NICK")
	blob, found := nick.Tag(TagRegistrationPacket)
	require.True(t, found)
	reg, err := UnmarshalPacket(blob)
	require.NoError(t, err)
	fs.ack(s.Nick(), reg.ID, AckRegistered, ok)
}

// TestSessionManagerLookup verifies sessions are tracked by id.
func TestSessionManagerLookup(t *testing.T) {
	m := NewSessionManager(Options{})
	s, err := m.Open(testConfig())
	require.NoError(t, err)

	got, ok := m.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []*Session{s}, m.Sessions())

	_, ok = m.Get("nope")
	assert.False(t, ok)
	assert.Error(t, m.Start("nope", StaticRegistration(nil)))
	assert.Error(t, m.Wait(context.Background(), s.ID()), "not started")

	require.NoError(t, m.Remove(context.Background(), s.ID()))
	assert.Zero(t, m.Len())
	assert.Error(t, m.Remove(context.Background(), s.ID()))

	require.NoError(t, m.Close(context.Background()))
	_, err = m.Open(testConfig())
	assert.Error(t, err)
}

// TestSessionManagerOpenInvalid verifies bad configs are refused.
func TestSessionManagerOpenInvalid(t *testing.T) {
	m := NewSessionManager(Options{})
	cfg := testConfig()
	cfg.Identity.Nick = "nodevice"
	_, err := m.Open(cfg)
	assert.Error(t, err)
	assert.Zero(t, m.Len())
}

// TestSessionManagerStartAndClose verifies a started session comes online
// and quits gracefully when the manager closes.
func TestSessionManagerStartAndClose(t *testing.T) {
	fs, dial := newFakeServer(t)
	m := NewSessionManager(Options{Dialer: dial})
	s, err := m.Open(testConfig())
	require.NoError(t, err)

	require.NoError(t, m.Start(s.ID(), StaticRegistration([]byte("jwt"))))
	assert.Error(t, m.Start(s.ID(), StaticRegistration([]byte("jwt"))))

	registerVia(t, fs, s, true)
	require.Eventually(t, func() bool { return s.State() == StateOnline }, testTimeout, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	fs.expect("QUIT")
	assert.Equal(t, StateOffline, s.State())
	assert.Zero(t, m.Len())
}

// TestSessionManagerWait verifies Wait reports why a supervisor stopped.
func TestSessionManagerWait(t *testing.T) {
	fs, dial := newFakeServer(t)
	m := NewSessionManager(Options{Dialer: dial})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	s, err := m.Open(testConfig())
	require.NoError(t, err)
	require.NoError(t, m.Start(s.ID(), StaticRegistration([]byte("jwt"))))

	registerVia(t, fs, s, false)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err = m.Wait(ctx, s.ID())
	var pe *ProtocolError
	assert.True(t, errors.As(err, &pe), "got %v", err)
}

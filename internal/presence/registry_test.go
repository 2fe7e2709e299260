package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSender struct{}

func (nopSender) Send(event string, data any) error { return nil }

func TestRegisterResolve(t *testing.T) {
	reg := NewRegistry()

	prev, replaced := reg.Register("alice", "conn-1", nopSender{})
	require.False(t, replaced)
	require.Empty(t, prev)

	entry, ok := reg.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "conn-1", entry.ConnID)
	assert.Equal(t, "alice", entry.UserID)
	assert.False(t, entry.JoinedAt.IsZero())
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	reg := NewRegistry()

	reg.Register("alice", "conn-1", nopSender{})
	prev, replaced := reg.Register("alice", "conn-2", nopSender{})
	require.True(t, replaced)
	assert.Equal(t, "conn-1", prev)

	entry, ok := reg.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "conn-2", entry.ConnID)
	assert.Equal(t, 1, reg.Size())
}

func TestUnregisterIgnoresStaleConnection(t *testing.T) {
	reg := NewRegistry()

	reg.Register("alice", "conn-1", nopSender{})
	reg.Register("alice", "conn-2", nopSender{})

	// Late disconnect of the superseded connection must not evict the new one.
	assert.False(t, reg.Unregister("conn-1"))

	entry, ok := reg.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "conn-2", entry.ConnID)

	assert.True(t, reg.Unregister("conn-2"))
	_, ok = reg.Resolve("alice")
	assert.False(t, ok)
}

func TestUnregisterUnknownConnection(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Unregister("nope"))
}

func TestListActive(t *testing.T) {
	reg := NewRegistry()
	reg.Register("alice", "conn-1", nopSender{})
	reg.Register("bob", "conn-2", nopSender{})

	assert.ElementsMatch(t, []string{"alice", "bob"}, reg.ListActive())

	reg.Unregister("conn-1")
	assert.ElementsMatch(t, []string{"bob"}, reg.ListActive())
}

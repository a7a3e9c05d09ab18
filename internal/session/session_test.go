package session

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guppybot/guppybot/internal/state"
)

func TestAckBeforeSend(t *testing.T) {
	var f Flow
	assert.Equal(t, Pending, f.Ack())

	// A confirmation without a request is stale.
	bit := false
	require.NoError(t, f.Confirm(bit, func(v bool) error { bit = v; return nil }))
	assert.False(t, bit)
	assert.Equal(t, Pending, f.Ack())
	assert.False(t, f.Confirmed())
}

func TestConfirmPersistsBit(t *testing.T) {
	root, err := state.OpenRoot(filepath.Join(t.TempDir(), "root"))
	require.NoError(t, err)

	var f Flow
	f.Begin()
	f.Sent()
	assert.Equal(t, Pending, f.Ack())

	require.NoError(t, f.Confirm(root.AuthBit(), root.SetAuthBit))
	assert.True(t, f.Confirmed())
	assert.True(t, root.AuthBit())
	assert.Equal(t, Done, f.Ack())
}

func TestRejectClearsBitRegardlessOfState(t *testing.T) {
	root, err := state.OpenRoot(filepath.Join(t.TempDir(), "root"))
	require.NoError(t, err)
	require.NoError(t, root.SetAuthBit(true))

	var f Flow
	f.Sent()
	require.NoError(t, f.Confirm(root.AuthBit(), root.SetAuthBit))
	require.Equal(t, Done, f.Ack())

	require.NoError(t, f.Reject(root.SetAuthBit))
	assert.False(t, f.Confirmed())
	assert.False(t, root.AuthBit())
	assert.Equal(t, Stopped, f.Ack())

	// A rejection with nothing outstanding still clears the bit but
	// never reports an outcome.
	require.NoError(t, root.SetAuthBit(true))
	f.Begin()
	require.NoError(t, f.Reject(root.SetAuthBit))
	assert.False(t, root.AuthBit())
	assert.Equal(t, Pending, f.Ack())
}

func TestConfirmPersistFailure(t *testing.T) {
	var writes []bool
	persist := func(v bool) error {
		writes = append(writes, v)
		if v {
			return errors.New("disk full")
		}
		return nil
	}
	var f Flow
	f.Sent()
	assert.Error(t, f.Confirm(false, persist))
	assert.False(t, f.Confirmed())
	assert.Equal(t, []bool{true, false}, writes)
	assert.Equal(t, Stopped, f.Ack())
}

func TestBeginResets(t *testing.T) {
	var f Flow
	f.Sent()
	require.NoError(t, f.Confirm(true, func(bool) error { return nil }))
	require.Equal(t, Done, f.Ack())
	f.Begin()
	assert.False(t, f.Maybe())
	assert.Equal(t, Pending, f.Ack())
}

func TestQueue(t *testing.T) {
	var q Queue[string]
	st, _ := q.Ack()
	assert.Equal(t, Pending, st)
	assert.False(t, q.Resolve(true, "stale"))

	q.Sent()
	q.Sent()
	st, _ = q.Ack()
	assert.Equal(t, Pending, st)

	assert.True(t, q.Resolve(true, "first"))
	assert.True(t, q.Resolve(false, ""))

	st, v := q.Ack()
	assert.Equal(t, Done, st)
	assert.Equal(t, "first", v)
	st, _ = q.Ack()
	assert.Equal(t, Stopped, st)
	assert.Equal(t, 0, q.Outstanding())
}

package soloist

import (
	"strings"
	"testing"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func attachTestBlock(t *testing.T, dir, token string) *electionBlock {
	t.Helper()
	b, err := attachBlock(discardLogger(), dir, token)
	require.NoError(t, err)
	return b
}

func TestBlockElectionOrder(t *testing.T) {
	dir := tmpDir(t)

	b1 := attachTestBlock(t, dir, "tok")
	assert.True(t, b1.createdFresh)
	r1, err := b1.elect(101, "alice", nil, nil)
	require.NoError(t, err)
	assert.True(t, r1.primary)
	assert.Equal(t, uint32(0), r1.ordinal)

	b2 := attachTestBlock(t, dir, "tok")
	assert.False(t, b2.createdFresh)
	r2, err := b2.elect(102, "bob", nil, nil)
	require.NoError(t, err)
	assert.False(t, r2.primary)
	assert.Equal(t, uint32(1), r2.ordinal)

	b3 := attachTestBlock(t, dir, "tok")
	r3, err := b3.elect(103, "carol", nil, nil)
	require.NoError(t, err)
	assert.False(t, r3.primary)
	assert.Equal(t, uint32(2), r3.ordinal)

	pid, err := b3.primaryPid()
	require.NoError(t, err)
	assert.Equal(t, int64(101), pid)
	user, err := b3.primaryUser()
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	// A departing secondary leaves the primary record untouched.
	require.NoError(t, b2.release(false))
	pid, err = b3.primaryPid()
	require.NoError(t, err)
	assert.Equal(t, int64(101), pid)

	// The departing primary clears the way for the next launch.
	require.NoError(t, b1.release(true))
	pid, err = b3.primaryPid()
	require.NoError(t, err)
	assert.Equal(t, noPrimaryPid, pid)

	r3b, err := b3.elect(103, "carol", nil, nil)
	require.NoError(t, err)
	assert.True(t, r3b.primary)
	require.NoError(t, b3.release(true))
}

func TestBlockChecksumGuardsReads(t *testing.T) {
	dir := tmpDir(t)

	b1 := attachTestBlock(t, dir, "tok")
	_, err := b1.elect(101, "alice", nil, nil)
	require.NoError(t, err)

	b2 := attachTestBlock(t, dir, "tok")

	// Corrupt one byte of the shared region behind the checksum's back.
	require.NoError(t, b2.withLock(func() error {
		b2.data[offPrimaryPid] ^= 0x01
		return nil
	}))

	_, err = b2.primaryPid()
	assert.ErrorIs(t, err, errBlockCorrupt)
	_, err = b2.primaryUser()
	assert.ErrorIs(t, err, errBlockCorrupt)

	// An election on a corrupt block starts over from the zero state
	// rather than trusting any of it.
	r, err := b2.elect(102, "bob", nil, nil)
	require.NoError(t, err)
	assert.True(t, r.primary)

	require.NoError(t, b2.release(true))
	require.NoError(t, b1.release(false))
}

func TestBlockStaleTakeover(t *testing.T) {
	dir := tmpDir(t)

	b1 := attachTestBlock(t, dir, "tok")
	_, err := b1.elect(4999999, "alice", nil, nil)
	require.NoError(t, err)
	// Simulate a crash: detach without clearing the record.
	require.NoError(t, b1.release(false))

	b2 := attachTestBlock(t, dir, "tok")

	// Without a liveness probe the stale record is trusted.
	r, err := b2.elect(102, "bob", nil, nil)
	require.NoError(t, err)
	assert.False(t, r.primary)
	assert.Equal(t, uint32(1), r.ordinal)

	// With one, a dead pid lets the caller reclaim primaryship.
	r, err = b2.elect(102, "bob", func(pid int64) bool { return false }, nil)
	require.NoError(t, err)
	assert.True(t, r.primary)
	pid, err := b2.primaryPid()
	require.NoError(t, err)
	assert.Equal(t, int64(102), pid)

	// A probe that says alive never steals. The takeover kept the ordinal
	// counter, so the crashed primary's secondaries stay unique.
	b3 := attachTestBlock(t, dir, "tok")
	r, err = b3.elect(103, "carol", func(pid int64) bool { return true }, nil)
	require.NoError(t, err)
	assert.False(t, r.primary)
	assert.Equal(t, uint32(2), r.ordinal)

	require.NoError(t, b3.release(false))
	require.NoError(t, b2.release(true))
}

func TestBlockOrdinalsRestartWithNewPrimary(t *testing.T) {
	dir := tmpDir(t)

	b1 := attachTestBlock(t, dir, "tok")
	_, err := b1.elect(101, "alice", nil, nil)
	require.NoError(t, err)
	b2 := attachTestBlock(t, dir, "tok")
	r, err := b2.elect(102, "bob", nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), r.ordinal)
	require.NoError(t, b2.release(false))
	require.NoError(t, b1.release(true))

	// Claiming the unowned block reclaims the whole record; the next
	// cohort counts from 1 again even though the file survived on disk.
	b3 := attachTestBlock(t, dir, "tok")
	r, err = b3.elect(103, "carol", nil, nil)
	require.NoError(t, err)
	require.True(t, r.primary)
	b4 := attachTestBlock(t, dir, "tok")
	r, err = b4.elect(104, "dave", nil, nil)
	require.NoError(t, err)
	assert.False(t, r.primary)
	assert.Equal(t, uint32(1), r.ordinal)

	require.NoError(t, b4.release(false))
	require.NoError(t, b3.release(true))
}

func TestBlockCorruptionDefersToOccupiedSocket(t *testing.T) {
	dir := tmpDir(t)

	b1 := attachTestBlock(t, dir, "tok")
	_, err := b1.elect(101, "alice", nil, nil)
	require.NoError(t, err)

	b2 := attachTestBlock(t, dir, "tok")
	require.NoError(t, b2.withLock(func() error {
		b2.data[offPrimaryUser] ^= 0xff
		return nil
	}))

	// The record is garbage but someone still answers on the socket, so
	// the elector repairs the block around the serving primary instead of
	// displacing it.
	r, err := b2.elect(102, "bob", nil, func() bool { return true })
	require.NoError(t, err)
	assert.False(t, r.primary)
	assert.Equal(t, uint32(1), r.ordinal)

	// The repaired record knows a primary exists but not who it is.
	pid, err := b2.primaryPid()
	require.NoError(t, err)
	assert.Equal(t, noPrimaryPid, pid)

	require.NoError(t, b2.release(false))
	require.NoError(t, b1.release(false))
}

func TestBlockUsernameTruncation(t *testing.T) {
	dir := tmpDir(t)
	b := attachTestBlock(t, dir, "tok")

	long := strings.Repeat("x", primaryUserLen+50)
	_, err := b.elect(101, long, nil, nil)
	require.NoError(t, err)

	user, err := b.primaryUser()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", primaryUserLen-1), user,
		"username is truncated to the buffer with its terminator intact")
	require.NoError(t, b.release(true))
}

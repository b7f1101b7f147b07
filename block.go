package soloist

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/rkt/rkt/pkg/lock"
	"golang.org/x/sys/unix"

	"github.com/soloist-io/soloist/internal/wire"
)

// The election block is a fixed-layout region shared by every process of
// one instance family, mapped from a file named by the family's token.
// Byte offsets are explicit and everything multi-byte is big-endian, so the
// layout cannot drift between builds:
//
//	offset 0   u8        primary flag (0 or 1)
//	offset 1   u32       secondary count / last issued ordinal
//	offset 5   i64       primary pid (-1 when no primary)
//	offset 13  [128]byte primary's OS username, NUL terminated
//	offset 141 u16       CRC-16 of bytes [0,141)
const (
	offPrimary        = 0
	offSecondaryCount = 1
	offPrimaryPid     = 5
	offPrimaryUser    = 13
	primaryUserLen    = 128
	offChecksum       = offPrimaryUser + primaryUserLen
	blockSize         = offChecksum + 2
)

// noPrimaryPid is the pid recorded while no process is primary, or when a
// primary exists but its identity was lost to corruption. Not a constant:
// -1 does not convert to uint64 at compile time.
var noPrimaryPid = int64(-1)

// errBlockCorrupt indicates the block's checksum did not cover its
// contents, so none of its fields can be trusted.
var errBlockCorrupt = errors.New("election block checksum mismatch")

// blockState is the unpacked view of the election block. It is a copy;
// mutating it does not touch the shared region.
type blockState struct {
	Primary        bool
	SecondaryCount uint32
	PrimaryPid     int64
	PrimaryUser    string
}

// electionBlock is a process's attachment to its family's shared election
// record. Every read or write of the region happens with the block's file
// lock held, because the contenders are other OS processes, not other
// goroutines.
type electionBlock struct {
	l            log15.Logger
	path         string
	file         *os.File
	data         []byte
	flock        *lock.FileLock
	createdFresh bool
}

// attachBlock opens (or creates) the family's block file in dir and maps
// it. The one process that creates the file is recorded as having attached
// fresh; a fresh block is zero-initialized on first use under the lock.
func attachBlock(l log15.Logger, dir, token string) (*electionBlock, error) {
	path := filepath.Join(dir, token+".block")
	createdFresh := true
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		createdFresh = false
		f, err = os.OpenFile(path, os.O_RDWR, 0o600)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to attach election block %q", path)
	}
	if err := f.Truncate(blockSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "unable to size election block %q", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, blockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "unable to map election block %q", path)
	}
	flock, err := lock.NewLock(path, lock.RegFile)
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, errors.Wrapf(err, "unable to open lock on election block %q", path)
	}
	b := &electionBlock{
		l:            l.New("block", path),
		path:         path,
		file:         f,
		data:         data,
		flock:        flock,
		createdFresh: createdFresh,
	}
	b.l.Debug("attached election block", "createdFresh", createdFresh)
	return b, nil
}

// withLock runs fn with the block's exclusive cross-process lock held. The
// lock is released on every path out of fn.
func (b *electionBlock) withLock(fn func() error) error {
	if err := b.flock.ExclusiveLock(); err != nil {
		return errors.Wrap(err, "unable to lock election block")
	}
	defer b.flock.Unlock()
	return fn()
}

// unpack reads the block into a blockState. It returns errBlockCorrupt
// before trusting any field whose checksum does not match. Lock must be held.
func (b *electionBlock) unpack() (blockState, error) {
	stored := binary.BigEndian.Uint16(b.data[offChecksum:])
	if actual := wire.Checksum(b.data[:offChecksum]); actual != stored {
		return blockState{}, errBlockCorrupt
	}
	user := b.data[offPrimaryUser : offPrimaryUser+primaryUserLen]
	n := 0
	for n < len(user) && user[n] != 0 {
		n++
	}
	return blockState{
		Primary:        b.data[offPrimary] != 0,
		SecondaryCount: binary.BigEndian.Uint32(b.data[offSecondaryCount:]),
		PrimaryPid:     int64(binary.BigEndian.Uint64(b.data[offPrimaryPid:])),
		PrimaryUser:    string(user[:n]),
	}, nil
}

// isZero reports whether the block has never been written. Lock must be held.
func (b *electionBlock) isZero() bool {
	for _, v := range b.data {
		if v != 0 {
			return false
		}
	}
	return true
}

// seal recomputes the checksum after a mutation. Lock must be held.
func (b *electionBlock) seal() {
	binary.BigEndian.PutUint16(b.data[offChecksum:], wire.Checksum(b.data[:offChecksum]))
}

// initialize resets the block to its no-primary zero state. Lock must be held.
func (b *electionBlock) initialize() {
	b.data[offPrimary] = 0
	binary.BigEndian.PutUint32(b.data[offSecondaryCount:], 0)
	binary.BigEndian.PutUint64(b.data[offPrimaryPid:], uint64(noPrimaryPid))
	for i := 0; i < primaryUserLen; i++ {
		b.data[offPrimaryUser+i] = 0
	}
	b.seal()
}

// recordPrimary marks the caller as primary. The username is truncated to
// the buffer with a terminating NUL always kept. Lock must be held.
func (b *electionBlock) recordPrimary(pid int64, username string) {
	b.data[offPrimary] = 1
	binary.BigEndian.PutUint64(b.data[offPrimaryPid:], uint64(pid))
	user := b.data[offPrimaryUser : offPrimaryUser+primaryUserLen]
	for i := range user {
		user[i] = 0
	}
	copy(user[:primaryUserLen-1], username)
	b.seal()
}

// role is the outcome of an election for one process.
type role struct {
	primary bool
	// ordinal is 0 for the primary and this process's registration number
	// otherwise.
	ordinal uint32
}

// elect decides, in one critical section, whether the calling process is
// the family's primary. A block whose checksum does not match its contents
// (including a never-written fresh block) is reinitialized first; if the
// corrupt record hid a primary still serving the family socket (a non-nil
// occupied probe reports true), the caller registers under it as a
// secondary instead of displacing it, with the primary's identity recorded
// as unknown. Claiming an unowned block resets the whole record, ordinal
// counter included, so each cohort counts from 1. When a primary is
// recorded and a non-nil alive probe reports its pid dead, the caller
// reclaims primaryship in place, keeping the counter: a crashed primary
// can leave secondaries behind whose ordinals must stay unique. A lingering
// secondary from a cleanly departed cohort gets no such protection.
func (b *electionBlock) elect(pid int64, username string, alive func(pid int64) bool, occupied func() bool) (role, error) {
	var r role
	err := b.withLock(func() error {
		st, err := b.unpack()
		if err != nil {
			// A never-used block is all zeroes and fails the checksum too;
			// only complain when real contents went bad. Either way nothing
			// in it can be trusted, so start from the zero state. The
			// created-fresh signal deliberately plays no part here: the
			// contents under the lock are the only authority, or two
			// near-simultaneous attachers could both initialize.
			corrupt := !b.isZero()
			if corrupt {
				b.l.Warn("reinitializing corrupt election block", "err", err)
			}
			b.initialize()
			st = blockState{PrimaryPid: noPrimaryPid}
			if corrupt && occupied != nil && occupied() {
				b.l.Warn("corrupt election block hid a serving primary, deferring to it")
				b.data[offPrimary] = 1
				b.seal()
				st.Primary = true
			}
		}
		takeover := false
		if st.Primary && alive != nil && st.PrimaryPid != noPrimaryPid && !alive(st.PrimaryPid) {
			b.l.Info("taking over from stale primary", "stalePid", st.PrimaryPid)
			st.Primary = false
			takeover = true
		}
		if !st.Primary {
			if !takeover {
				b.initialize()
			}
			b.recordPrimary(pid, username)
			r = role{primary: true, ordinal: 0}
			return nil
		}
		next := st.SecondaryCount + 1
		binary.BigEndian.PutUint32(b.data[offSecondaryCount:], next)
		b.seal()
		r = role{primary: false, ordinal: next}
		return nil
	})
	return r, err
}

// primaryPid reads the recorded primary pid, -1 when none.
func (b *electionBlock) primaryPid() (int64, error) {
	var pid int64
	err := b.withLock(func() error {
		st, err := b.unpack()
		if err != nil {
			return err
		}
		pid = st.PrimaryPid
		return nil
	})
	return pid, err
}

// primaryUser reads the recorded primary's OS username.
func (b *electionBlock) primaryUser() (string, error) {
	var user string
	err := b.withLock(func() error {
		st, err := b.unpack()
		if err != nil {
			return err
		}
		user = st.PrimaryUser
		return nil
	})
	return user, err
}

// release detaches from the block. A departing primary clears its record
// first, so a primary that dies without reaching release leaves a stale
// record behind (see elect's alive probe). The backing file deliberately
// stays on disk for the rest of the family; the next primary's claim
// reclaims it, counter and all.
func (b *electionBlock) release(wasPrimary bool) error {
	if wasPrimary {
		if err := b.withLock(func() error {
			b.data[offPrimary] = 0
			binary.BigEndian.PutUint64(b.data[offPrimaryPid:], uint64(noPrimaryPid))
			for i := 0; i < primaryUserLen; i++ {
				b.data[offPrimaryUser+i] = 0
			}
			b.seal()
			return nil
		}); err != nil {
			return err
		}
	}
	var firstErr error
	if err := unix.Munmap(b.data); err != nil {
		firstErr = errors.Wrap(err, "unmapping election block")
	}
	b.data = nil
	if err := b.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "closing election block file")
	}
	if err := b.flock.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "closing election block lock")
	}
	return firstErr
}

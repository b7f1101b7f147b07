// Package soloist elects exactly one primary among all launches of the
// same application on one host, and carries short opaque messages from the
// later launches to that primary.
//
// Every process derives a token from its identity facts (app name,
// organization, optionally version, path, and user; see Identity and the
// mode options). The token names two OS resources inside a coordination
// directory: a small memory-mapped election block shared by the whole
// family, and the primary's unix socket. Election is a critical section on
// the block: the first process to find no primary recorded writes its pid
// and username there and starts listening; everyone else increments the
// block's secondary counter and takes the new value as its instance
// ordinal.
//
// A secondary introduces itself to the primary with a checksummed handshake
// carrying its token, a connection type, and its ordinal, then may forward
// messages (typically its command line) over the same connection. The
// primary surfaces these as instance-started and message events through
// registered handlers. Frames are individually length-prefixed and
// acknowledged; see the internal wire package for the exact format.
//
// Cleanup is cooperative. A primary that stops cleanly clears its record; a
// primary that crashes leaves a stale record, which later launches either
// detect by connect timeout or, with WithTakeoverStalePrimary, heal during
// the election by probing whether the recorded pid still exists.
package soloist

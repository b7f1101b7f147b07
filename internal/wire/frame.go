package wire

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// HeaderLen is the size of the length prefix preceding every payload frame.
const HeaderLen = 8

// AckByte is the single byte a receiver writes after consuming a complete
// frame. Its value carries no meaning; only its arrival does.
const AckByte = '\n'

// ErrBudgetExhausted indicates the caller-supplied timeout ran out before
// the protocol step completed.
var ErrBudgetExhausted = errors.New("timeout budget exhausted")

// Budget tracks the remaining portion of a caller-supplied timeout as it is
// spent across the protocol's blocking steps. Elapsed time is deducted on
// every query, so a sequence of steps shares one overall bound.
type Budget struct {
	clk   clock.PassiveClock
	start time.Time
	total time.Duration
}

// NewBudget starts a budget of the given total, measured with clk.
func NewBudget(clk clock.PassiveClock, total time.Duration) *Budget {
	return &Budget{clk: clk, start: clk.Now(), total: total}
}

// Remaining reports how much of the budget is left; zero or negative means
// exhausted.
func (b *Budget) Remaining() time.Duration {
	return b.total - b.clk.Since(b.start)
}

// Expired reports whether the budget has run out.
func (b *Budget) Expired() bool {
	return b.Remaining() <= 0
}

// Deadline converts the remaining budget into an absolute time suitable for
// net.Conn deadlines.
func (b *Budget) Deadline() time.Time {
	return b.clk.Now().Add(b.Remaining())
}

// WriteMessage sends one payload as an acknowledged frame pair: the length
// header, then the payload, waiting for the receiver's ack byte after each.
// Every step is bounded by what remains of the budget.
func WriteMessage(conn net.Conn, payload []byte, budget *Budget) error {
	var header [HeaderLen]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(payload)))
	if err := writeAckedFrame(conn, header[:], budget); err != nil {
		return errors.Wrap(err, "header frame")
	}
	if err := writeAckedFrame(conn, payload, budget); err != nil {
		return errors.Wrap(err, "payload frame")
	}
	return nil
}

func writeAckedFrame(conn net.Conn, frame []byte, budget *Budget) error {
	if budget.Expired() {
		return ErrBudgetExhausted
	}
	if err := conn.SetDeadline(budget.Deadline()); err != nil {
		return errors.Wrap(err, "setting deadline")
	}
	// An empty frame puts nothing on the wire; only its ack travels. Some
	// conn implementations (net.Pipe) block on zero-length writes.
	if len(frame) > 0 {
		if _, err := conn.Write(frame); err != nil {
			return errors.Wrap(err, "writing frame")
		}
	}
	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return errors.Wrap(err, "awaiting ack")
	}
	return nil
}

// ReadHeader consumes exactly one length prefix from r.
func ReadHeader(r io.Reader) (uint64, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(header[:]), nil
}

// WriteAck sends the single acknowledgment byte.
func WriteAck(w io.Writer) error {
	_, err := w.Write([]byte{AckByte})
	return err
}

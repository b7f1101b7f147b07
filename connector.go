package soloist

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"

	"github.com/soloist-io/soloist/internal/wire"
)

// Competing secondaries sleep a small random interval between dial
// attempts so simultaneous launches don't hammer the primary in lockstep.
const (
	retryJitterMin = 8 * time.Millisecond
	retryJitterMax = 18 * time.Millisecond
)

// connector is the secondary side of the protocol: it dials the primary's
// socket with jittered retries inside a timeout budget, introduces itself
// with the init message, and reuses the connection for later messages.
type connector struct {
	l          log15.Logger
	clk        clock.Clock
	blockID    string
	sockPath   string
	instanceID uint32

	mu   sync.Mutex
	conn net.Conn
}

func newConnector(l log15.Logger, clk clock.Clock, blockID, sockPath string, instanceID uint32) *connector {
	return &connector{
		l:          l.New("sock", sockPath),
		clk:        clk,
		blockID:    blockID,
		sockPath:   sockPath,
		instanceID: instanceID,
	}
}

func retryJitter() time.Duration {
	return retryJitterMin + time.Duration(rand.Int63n(int64(retryJitterMax-retryJitterMin)))
}

// connect dials the primary and performs the handshake, all bounded by
// timeout. It reports success only once the final handshake ack arrived; a
// false result means the caller cannot assume the primary ever saw it.
// Reconnecting on an already-open connection is a no-op handshake-wise and
// reports true.
func (c *connector) connect(timeout time.Duration, kind wire.ConnectionType) bool {
	budget := wire.NewBudget(c.clk, timeout)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return true
	}
	for {
		c.clk.Sleep(retryJitter())
		if budget.Expired() {
			c.l.Debug("timed out dialing primary", "timeout", timeout)
			return false
		}
		d := net.Dialer{Timeout: budget.Remaining()}
		conn, err := d.Dial("unix", c.sockPath)
		if err == nil {
			c.conn = conn
			break
		}
		if budget.Expired() {
			c.l.Debug("timed out dialing primary", "timeout", timeout, "err", err)
			return false
		}
	}

	init := wire.InitMessage{BlockID: c.blockID, Kind: kind, InstanceID: c.instanceID}
	if err := wire.WriteMessage(c.conn, init.Encode(), budget); err != nil {
		c.l.Debug("handshake not acknowledged", "err", err)
		c.closeLocked()
		return false
	}
	return true
}

// send delivers one opaque payload over the connection established by
// connect, bounded by timeout. True means the primary acknowledged the full
// frame.
func (c *connector) send(payload []byte, timeout time.Duration) bool {
	budget := wire.NewBudget(c.clk, timeout)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.l.Debug("send without an established connection")
		return false
	}
	if err := wire.WriteMessage(c.conn, payload, budget); err != nil {
		c.l.Debug("message not acknowledged", "err", err)
		c.closeLocked()
		return false
	}
	return true
}

// connected reports whether a handshaken connection is currently open.
func (c *connector) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *connector) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *connector) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

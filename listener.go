package soloist

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/soloist-io/soloist/internal/wire"
)

// maxFrameLen bounds how large a payload a peer may announce. A header
// claiming more is treated like any other protocol violation: the
// connection is dropped.
const maxFrameLen = 64 << 20

// connStage tracks how far along the protocol a single inbound connection
// is. Each connection advances through the following stages:
//
//	∅              → initHeader
//	initHeader     → initBody
//	initBody       → messageHeader   (handshake accepted)
//	messageHeader  → messageBody
//	messageBody    → messageHeader   (loops for every further message)
//
// and terminates from any stage on disconnect or protocol violation.
type connStage string

const (
	// stageInitHeader means the connection is new and the next 8 bytes are
	// the handshake's length prefix.
	stageInitHeader connStage = "init-header"
	// stageInitBody means the handshake frame itself is being assembled.
	stageInitBody = "init-body"
	// stageMessageHeader means the handshake completed and the next 8
	// bytes, if any, prefix an opaque message.
	stageMessageHeader = "message-header"
	// stageMessageBody means an opaque message frame is being assembled.
	stageMessageBody = "message-body"
)

// connInfo is the listener's per-connection record: the protocol stage, the
// length of the frame currently being assembled, and the instance ordinal
// claimed by the accepted handshake.
type connInfo struct {
	stage      connStage
	frameLen   uint64
	instanceID uint32
}

// event is one notification flowing from a connection handler to the
// dispatch loop.
type event struct {
	started    bool
	instanceID uint32
	payload    []byte
}

// listener is the primary side of the protocol: it accepts connections on
// the family's socket, validates handshakes, and delivers notifications.
//
// Handlers are invoked from a single dispatch goroutine, so for any one
// connection they observe frames in completion order; a handler that blocks
// delays delivery for everyone.
type listener struct {
	l               log15.Logger
	blockID         string
	notifySecondary bool
	onStarted       func()
	onMessage       func(instanceID uint32, payload []byte)

	sock   *net.UnixListener
	events chan event
	group  errgroup.Group

	mu       sync.Mutex
	live     map[net.Conn]struct{}
	handlers sync.WaitGroup

	stopOnce sync.Once
}

// newListener claims the family's socket and starts serving. Any leftover
// socket file from a dead primary is removed first; the current primary is
// by definition the only legitimate owner of the name.
func newListener(l log15.Logger, blockID, sockPath string, notifySecondary bool, onStarted func(), onMessage func(uint32, []byte)) (*listener, error) {
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "unable to reclaim socket %q", sockPath)
	}
	sock, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen on %q", sockPath)
	}
	lst := &listener{
		l:               l.New("sock", sockPath),
		blockID:         blockID,
		notifySecondary: notifySecondary,
		onStarted:       onStarted,
		onMessage:       onMessage,
		sock:            sock,
		events:          make(chan event, 16),
		live:            map[net.Conn]struct{}{},
	}
	lst.group.Go(lst.acceptLoop)
	lst.group.Go(lst.dispatch)
	return lst, nil
}

func (lst *listener) acceptLoop() error {
	for {
		conn, err := lst.sock.AcceptUnix()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				lst.l.Error("error accepting connection", "err", err)
			}
			break
		}
		lst.track(conn)
		lst.handlers.Add(1)
		go func() {
			defer lst.handlers.Done()
			lst.handleConn(conn)
		}()
	}
	lst.handlers.Wait()
	close(lst.events)
	return nil
}

func (lst *listener) dispatch() error {
	for ev := range lst.events {
		if ev.started {
			if lst.onStarted != nil {
				lst.onStarted()
			}
			continue
		}
		if lst.onMessage != nil {
			lst.onMessage(ev.instanceID, ev.payload)
		}
	}
	return nil
}

func (lst *listener) track(conn net.Conn) {
	lst.mu.Lock()
	defer lst.mu.Unlock()
	lst.live[conn] = struct{}{}
}

func (lst *listener) untrack(conn net.Conn) {
	lst.mu.Lock()
	defer lst.mu.Unlock()
	delete(lst.live, conn)
}

// handleConn drives one connection through its stages until it disconnects
// or violates the protocol. Checksum and token mismatches are silent
// rejections: the connection closes without an ack and without any event.
func (lst *listener) handleConn(conn *net.UnixConn) {
	defer lst.untrack(conn)
	defer conn.Close()

	br := bufio.NewReader(conn)
	info := connInfo{stage: stageInitHeader}
	for {
		switch info.stage {
		case stageInitHeader, stageMessageHeader:
			n, err := wire.ReadHeader(br)
			if err != nil {
				// Normal end of connection; a partial header is never
				// consumed as anything.
				return
			}
			if n > maxFrameLen {
				lst.l.Debug("dropping connection announcing oversized frame", "len", n)
				return
			}
			info.frameLen = n
			if info.stage == stageInitHeader {
				info.stage = stageInitBody
			} else {
				info.stage = stageMessageBody
			}
			if err := wire.WriteAck(conn); err != nil {
				return
			}

		case stageInitBody:
			body := make([]byte, info.frameLen)
			if _, err := io.ReadFull(br, body); err != nil {
				return
			}
			init, err := wire.DecodeInit(body)
			if err != nil {
				lst.l.Debug("rejecting connection with malformed handshake", "err", err)
				return
			}
			if init.BlockID != lst.blockID {
				lst.l.Debug("rejecting connection with foreign block token")
				return
			}
			info.instanceID = init.InstanceID
			info.stage = stageMessageHeader
			if init.Kind == wire.NewInstance || (init.Kind == wire.SecondaryInstance && lst.notifySecondary) {
				lst.events <- event{started: true, instanceID: init.InstanceID}
			}
			if err := wire.WriteAck(conn); err != nil {
				return
			}

		case stageMessageBody:
			payload := make([]byte, info.frameLen)
			if _, err := io.ReadFull(br, payload); err != nil {
				return
			}
			// The peer may have hung up right after its last payload byte;
			// the message is complete either way, so deliver it even when
			// the ack can no longer be written.
			ackErr := wire.WriteAck(conn)
			lst.events <- event{instanceID: info.instanceID, payload: payload}
			if ackErr != nil {
				return
			}
			info.stage = stageMessageHeader
		}
	}
}

// stop closes the socket and every live connection, then waits for the
// accept and dispatch loops to drain. In-flight frames are abandoned.
func (lst *listener) stop() {
	lst.stopOnce.Do(func() {
		lst.sock.Close()
		lst.mu.Lock()
		for conn := range lst.live {
			conn.Close()
		}
		lst.mu.Unlock()
		_ = lst.group.Wait()
	})
}

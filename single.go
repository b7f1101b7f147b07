package soloist

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/soloist-io/soloist/internal/wire"
)

// ConnectionType identifies why a secondary is dialing the primary; see the
// constants below.
type ConnectionType = wire.ConnectionType

const (
	// NewInstance asks the primary to treat the connection as an
	// activation request; it always triggers the instance-started handler.
	NewInstance = wire.NewInstance
	// SecondaryInstance registers quietly unless the primary was built
	// with WithSecondaryNotification.
	SecondaryInstance = wire.SecondaryInstance
	// Reconnect opens a message-only connection and never triggers the
	// instance-started handler.
	Reconnect = wire.Reconnect
)

// DefaultConnectTimeout bounds ConnectToPrimary and SendMessage when the
// caller passes a non-positive timeout.
const DefaultConnectTimeout = 30 * time.Second

// modeOptions are the behavioral switches that change which processes count
// as the same family and what the primary announces.
type modeOptions struct {
	userScope         bool
	excludeAppVersion bool
	excludeAppPath    bool
	notifySecondary   bool
	takeoverStale     bool
}

// Single coordinates the launches of one application family on this host:
// exactly one live process per family is primary, owns the family's local
// socket, and receives what the others have to say.
type Single struct {
	l    log15.Logger
	clk  clock.Clock
	os   osIface
	mode modeOptions
	dir  string

	onStarted func()
	onMessage func(instanceID uint32, payload []byte)

	blockID    string
	block      *electionBlock
	primary    bool
	instanceID uint32

	listener  *listener
	connector *connector

	stopOnce sync.Once
}

// Option configures a Single.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(s *Single)

// WithLogger configures the logger for coordination events. By default,
// nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(s *Single) {
		s.l = l
	}
}

// WithCoordinationDir sets the directory holding the family's block file
// and socket. All processes of a family must use the same directory. The
// default is the OS temp directory.
func WithCoordinationDir(dir string) Option {
	return func(s *Single) {
		s.dir = dir
	}
}

// WithUserScope derives a per-OS-user family, so different users on the
// same host each get their own primary.
func WithUserScope() Option {
	return func(s *Single) {
		s.mode.userScope = true
	}
}

// WithExcludeAppVersion leaves the version out of the family token, making
// different versions of the application coordinate with each other.
func WithExcludeAppVersion() Option {
	return func(s *Single) {
		s.mode.excludeAppVersion = true
	}
}

// WithExcludeAppPath leaves the binary path out of the family token, making
// copies of the binary at different paths coordinate with each other.
func WithExcludeAppPath() Option {
	return func(s *Single) {
		s.mode.excludeAppPath = true
	}
}

// WithSecondaryNotification makes the primary fire the instance-started
// handler for SecondaryInstance connections too, not only NewInstance ones.
func WithSecondaryNotification() Option {
	return func(s *Single) {
		s.mode.notifySecondary = true
	}
}

// WithTakeoverStalePrimary probes the recorded primary pid during the
// election and reclaims primaryship if that process no longer exists.
// Without it a crashed primary's record is trusted as-is and later connects
// fail by timeout, which is the caller's cue to decide on a takeover
// policy. Off by default because a recycled pid can make an unrelated
// process look like a live primary.
func WithTakeoverStalePrimary() Option {
	return func(s *Single) {
		s.mode.takeoverStale = true
	}
}

// WithInstanceStartedHandler registers fn to run on the primary whenever a
// new launch announces itself. Handlers run on the listener's single
// dispatch goroutine; blocking in them delays all delivery.
func WithInstanceStartedHandler(fn func()) Option {
	return func(s *Single) {
		s.onStarted = fn
	}
}

// WithMessageHandler registers fn to run on the primary for every message
// a secondary sends. The payload is the sender's bytes, unmodified.
// Handlers run on the listener's single dispatch goroutine.
func WithMessageHandler(fn func(instanceID uint32, payload []byte)) Option {
	return func(s *Single) {
		s.onMessage = fn
	}
}

// WithClock overrides the clock used for timeout budgets and retry sleeps.
func WithClock(clk clock.Clock) Option {
	return func(s *Single) {
		s.clk = clk
	}
}

// New runs the election for the given identity: the winner becomes primary
// and starts listening, every other process becomes a secondary with a
// fresh instance ordinal. New never dials anything: a secondary decides
// for itself when to call ConnectToPrimary, and so observes connect
// timeouts (the symptom of a crashed primary) directly.
//
// The returned Single must be released with Stop; a primary that exits
// without Stop leaves its election record behind.
func New(id Identity, opts ...Option) (*Single, error) {
	return newSingle(realOS{}, id, opts...)
}

func newSingle(osi osIface, id Identity, opts ...Option) (*Single, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	s := &Single{
		l:   noopLogger,
		clk: clock.RealClock{},
		os:  osi,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dir == "" {
		s.dir = os.TempDir()
	}
	if id.AppPath == "" && !s.mode.excludeAppPath {
		exe, err := osi.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "unable to resolve executable path for identity")
		}
		id.AppPath = exe
	}
	s.blockID = blockID(id, s.mode, osi)
	s.l = s.l.New("app", id.AppName)

	block, err := attachBlock(s.l, s.dir, s.blockID)
	if err != nil {
		return nil, err
	}
	s.block = block

	var alive func(int64) bool
	if s.mode.takeoverStale {
		alive = osi.PidAlive
	}
	// Probes whether something is still serving the family socket, the one
	// liveness signal that survives a corrupted election record.
	occupied := func() bool {
		conn, err := net.DialTimeout("unix", s.sockPath(), 250*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	r, err := block.elect(int64(osi.Getpid()), osi.Username(), alive, occupied)
	if err != nil {
		block.release(false)
		return nil, errors.Wrap(err, "election failed")
	}
	s.primary = r.primary
	s.instanceID = r.ordinal

	if s.primary {
		lst, err := newListener(s.l, s.blockID, s.sockPath(), s.mode.notifySecondary, s.onStarted, s.onMessage)
		if err != nil {
			// Listening is what being primary means; back out of the
			// record so another launch can try.
			block.release(true)
			return nil, errors.Wrap(err, "unable to start primary listener")
		}
		s.listener = lst
		s.l.Info("became primary", "pid", osi.Getpid())
	} else {
		s.connector = newConnector(s.l, s.clk, s.blockID, s.sockPath(), s.instanceID)
		s.l.Info("became secondary", "instanceId", s.instanceID)
	}
	return s, nil
}

func (s *Single) sockPath() string {
	return filepath.Join(s.dir, s.blockID+".sock")
}

// IsPrimary reports whether this process won the election.
func (s *Single) IsPrimary() bool {
	return s.primary
}

// InstanceID returns this process's ordinal: 0 for the primary, the
// registration number for a secondary.
func (s *Single) InstanceID() uint32 {
	return s.instanceID
}

// PrimaryPid returns the recorded primary's process id, or -1 when there is
// none or the record cannot be trusted.
func (s *Single) PrimaryPid() int64 {
	pid, err := s.block.primaryPid()
	if err != nil {
		s.l.Warn("unable to read primary pid", "err", err)
		return noPrimaryPid
	}
	return pid
}

// PrimaryUser returns the OS username the primary runs as, or "" when there
// is no primary or the record cannot be trusted.
func (s *Single) PrimaryUser() string {
	user, err := s.block.primaryUser()
	if err != nil {
		s.l.Warn("unable to read primary user", "err", err)
		return ""
	}
	return user
}

// ConnectToPrimary dials the primary's socket and performs the handshake,
// bounded by timeout. It reports true once the handshake was acknowledged.
// Only secondaries connect; on the primary it reports false.
//
// It blocks up to the full timeout and must not be called from the
// instance-started or message handlers.
func (s *Single) ConnectToPrimary(timeout time.Duration, kind ConnectionType) bool {
	if s.primary {
		s.l.Debug("primary asked to connect to itself")
		return false
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return s.connector.connect(timeout, kind)
}

// SendMessage delivers payload to the primary over the connection opened by
// ConnectToPrimary, bounded by timeout. True means the primary acknowledged
// the complete message.
func (s *Single) SendMessage(payload []byte, timeout time.Duration) bool {
	if s.primary {
		s.l.Debug("primary asked to message itself")
		return false
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return s.connector.send(payload, timeout)
}

// Stop tears the instance down. A primary stops listening and clears the
// election record so the next launch can win; a secondary closes its
// connection and detaches. Stop is idempotent.
func (s *Single) Stop() {
	s.stopOnce.Do(func() {
		if s.listener != nil {
			s.listener.stop()
		}
		if s.connector != nil {
			s.connector.close()
		}
		if err := s.block.release(s.primary); err != nil {
			s.l.Error("error releasing election block", "err", err)
		}
	})
}

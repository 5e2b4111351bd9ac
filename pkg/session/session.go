// Package session implements ordered send/recv of typed packets over a
// transport.Port (C4), plus, in secure.go, the paired/encrypted variant
// (C5).
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/visionplatform/hostcore/pkg/errs"
	"github.com/visionplatform/hostcore/pkg/packet"
	"github.com/visionplatform/hostcore/pkg/transport"
)

// Mode selects whether frames are signed/encrypted.
type Mode int

const (
	ModeNone Mode = iota
	ModeSecure
)

// Interval constants from spec.md §4.3 / §4.5.
const (
	ConnectProbeTimeout   = 1 * time.Second
	SimpleReplyTimeout    = 3 * time.Second
	EnrollStepTimeout     = 10 * time.Second
	AuthenticateStepTimeout = 5 * time.Second

	LoopIntervalNoFaceNonSecure = 2100 * time.Millisecond
	LoopIntervalWithFaceNonSecure = 600 * time.Millisecond
	LoopIntervalNoFaceSecure    = 1500 * time.Millisecond
	LoopIntervalWithFaceSecure  = 100 * time.Millisecond

	// CancelPollInterval bounds how often long-running loops re-check the
	// cancel flag, per spec.md §5 ("at least once per iteration / at least
	// every 100ms, whichever is tighter").
	CancelPollInterval = 100 * time.Millisecond
)

// Sender is the minimal send/recv capability the dispatcher needs. Both
// Session and SecureSession implement it, so the dispatcher is agnostic to
// which mode is in effect.
type Sender interface {
	Send(kind packet.Kind, payload []byte, deadline time.Duration) error
	Recv(deadline time.Duration) (*packet.Packet, error)
	Cancel() error
	Cancelled() bool
	Close() error
}

// Session is the non-secure (C4) implementation: passes packets through the
// codec verbatim, with a sequence counter and an out-of-band cancel path.
//
// CONTRACT (spec.md §4.4): single-threaded with respect to its own
// request/response cycle; Cancel is the one permitted cross-thread call,
// using a write path independent of the blocked read path — mirrored here
// by having Cancel take writeMu (shared with Send) rather than readMu.
type Session struct {
	port transport.Port

	readMu sync.Mutex
	seqOut uint32 // atomic-ish via readMu/writeMu ownership, see Send

	writeMu sync.Mutex

	cancelled atomic.Bool
}

// New wraps an open transport.Port in a non-secure session.
func New(port transport.Port) *Session {
	return &Session{port: port}
}

// Send frames payload as kind and writes it with the given deadline.
func (s *Session) Send(kind packet.Kind, payload []byte, deadline time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	seq := uint16(atomic.AddUint32(&s.seqOut, 1))
	return packet.Write(s.port, packet.Packet{Kind: kind, Seq: seq, Payload: payload}, deadline)
}

// Recv blocks for one frame within deadline.
func (s *Session) Recv(deadline time.Duration) (*packet.Packet, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return packet.Decode(s.port, deadline)
}

// Cancel sets the cancel flag and sends a Cancel packet out-of-band. It may
// be called while another goroutine is blocked in Recv.
func (s *Session) Cancel() error {
	s.cancelled.Store(true)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	seq := uint16(atomic.AddUint32(&s.seqOut, 1))
	return packet.Write(s.port, packet.Packet{Kind: packet.KindCancel, Seq: seq}, SimpleReplyTimeout)
}

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// ClearCancel resets the cancel flag, e.g. before starting a new
// AuthenticateLoop.
func (s *Session) ClearCancel() { s.cancelled.Store(false) }

func (s *Session) Close() error {
	return s.port.Close()
}

// IoErrorKind is a small helper so callers constructing errors outside this
// package can tag them consistently.
func IoErrorKind(op string, err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.SerialError, op, err)
}

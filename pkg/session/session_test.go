package session

import (
	"bytes"
	"sync"
	"time"

	"testing"

	"github.com/visionplatform/hostcore/pkg/packet"
)

// loopbackPort is an in-memory transport.Port: writes to one side are
// readable from the other, like a null-modem cable.
type loopbackPort struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *loopbackPort) Read(dst []byte, deadline time.Duration) (int, error) {
	deadlineAt := time.Now().Add(deadline)
	for {
		p.mu.Lock()
		n, _ := p.buf.Read(dst)
		p.mu.Unlock()
		if n > 0 {
			return n, nil
		}
		if deadline > 0 && time.Now().After(deadlineAt) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *loopbackPort) Write(src []byte, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.buf.Write(src)
	return err
}

func (p *loopbackPort) SetBaudRate(int) error { return nil }
func (p *loopbackPort) Close() error          { return nil }

func TestSessionSendRecv(t *testing.T) {
	port := &loopbackPort{}
	s := New(port)

	if err := s.Send(packet.KindCmd, []byte("ping"), time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := s.Recv(time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got.Payload) != "ping" {
		t.Fatalf("got payload %q, want %q", got.Payload, "ping")
	}
	if got.Seq != 1 {
		t.Fatalf("got seq %d, want 1", got.Seq)
	}
}

func TestCancelSetsFlagAndSendsPacket(t *testing.T) {
	port := &loopbackPort{}
	s := New(port)

	if s.Cancelled() {
		t.Fatal("should not be cancelled yet")
	}
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !s.Cancelled() {
		t.Fatal("expected cancelled flag set")
	}

	got, err := s.Recv(time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Kind != packet.KindCancel {
		t.Fatalf("got kind %v, want KindCancel", got.Kind)
	}
}

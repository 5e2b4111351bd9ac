// Package transport implements the blocking byte read/write contract with
// per-call deadlines that the rest of the host core is built on.
package transport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/visionplatform/hostcore/pkg/errs"
)

// Default command-session port settings per spec.
const (
	DefaultBaudRate = 115200
)

// Port is a blocking byte stream with independent read/write deadlines.
// Concurrent Read and Write from different goroutines on the same Port are
// permitted; two concurrent Reads are not.
type Port interface {
	Read(buf []byte, deadline time.Duration) (int, error)
	Write(buf []byte, deadline time.Duration) error
	SetBaudRate(baud int) error
	Close() error
}

// Serial wraps go.bug.st/serial to implement Port. The teacher's USOCK
// opened github.com/tarm/serial with ReadTimeout:0 (fully blocking) and
// read one byte at a time in a background goroutine; go.bug.st/serial lets
// us re-issue SetReadTimeout before every call instead, so a single open
// port can serve the connect-probe/enrollment-step/auth-step/firmware-ack
// deadlines the caller asks for, without reopening the device.
type Serial struct {
	mu       sync.Mutex // serializes SetReadTimeout+Read against concurrent Read
	wmu      sync.Mutex // serializes Write calls
	port     serial.Port
	devPath  string
	lastRead time.Duration
}

// Open opens devicePath at baudRate, 8-N-1, matching spec's default command
// session settings.
func Open(devicePath string, baudRate int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, errs.Wrap(errs.SerialError, "transport.Open", fmt.Errorf("open %s: %w", devicePath, err))
	}
	return &Serial{port: port, devPath: devicePath}, nil
}

// Read blocks until buf is filled, an error occurs, or no byte arrives
// within deadline, whichever first. deadline is the port read timeout of
// each underlying read, so the total time of a call that keeps receiving
// bytes is not bounded by it. A partial read on timeout returns the bytes
// read so far and errs.SerialError.
func (s *Serial) Read(buf []byte, deadline time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline != s.lastRead {
		if err := s.port.SetReadTimeout(deadline); err != nil {
			return 0, errs.Wrap(errs.SerialError, "transport.Read", err)
		}
		s.lastRead = deadline
	}

	total := 0
	for total < len(buf) {
		n, err := s.port.Read(buf[total:])
		if err != nil {
			return total, errs.Wrap(errs.SerialError, "transport.Read", err)
		}
		if n == 0 {
			// go.bug.st/serial returns (0, nil) on read timeout.
			return total, errs.New(errs.SerialError, "transport.Read")
		}
		total += n
	}
	return total, nil
}

// Write blocks until buf has been fully written or deadline elapses.
// go.bug.st/serial's Write has no per-call deadline of its own; deadline is
// honored by bounding the whole call with a timer, matching the contract
// other callers (packet codec, session layer) rely on.
func (s *Serial) Write(buf []byte, deadline time.Duration) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.port.Write(buf)
		done <- err
	}()

	if deadline <= 0 {
		err := <-done
		if err != nil {
			return errs.Wrap(errs.SerialError, "transport.Write", err)
		}
		return nil
	}

	select {
	case err := <-done:
		if err != nil {
			return errs.Wrap(errs.SerialError, "transport.Write", err)
		}
		return nil
	case <-time.After(deadline):
		return errs.New(errs.SerialError, "transport.Write")
	}
}

// SetBaudRate changes the port's baud rate without closing it — used by the
// firmware updater after issuing dlspd.
func (s *Serial) SetBaudRate(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.port.SetMode(&serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}); err != nil {
		return errs.Wrap(errs.SerialError, "transport.SetBaudRate", err)
	}
	return nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// Package packet implements the wire codec: a fixed preamble, kind byte,
// sequence word, payload-length word, payload, and a CRC-16 covering
// header+payload.
//
// The byte-at-a-time framing here is grounded on the teacher's
// pkg/usock.USOCK processByte state machine, generalized from its two
// separate header/payload CRC-16 fields down to the single CRC-16 the wire
// format in spec.md §6 defines, and driven synchronously (pull-style) to
// match the session layer's single-threaded-per-session model instead of
// the teacher's background-goroutine-plus-callback model.
package packet

import (
	"encoding/binary"
	"time"

	"github.com/visionplatform/hostcore/pkg/crc"
	"github.com/visionplatform/hostcore/pkg/errs"
)

// Preamble is the fixed sync byte every frame starts with.
const Preamble = 0xA5

// HeaderSize is preamble(1) + kind(1) + seq(2) + len(2).
const HeaderSize = 6

// TrailerSize is the CRC-16 field.
const TrailerSize = 2

// Kind identifies the packet's payload shape and routing.
type Kind byte

const (
	KindDataRequest Kind = iota
	KindDataReply
	KindFa // face-auth event envelope
	KindCmd
	KindReply
	KindHint
	KindProgress
	KindResult
	KindFaceDetected
	KindLicenseRequest
	KindLicenseReply
	KindCancel
)

// Packet is the in-memory representation of one framed message.
type Packet struct {
	Kind    Kind
	Seq     uint16
	Payload []byte
}

// byteReader is the minimal capability Decode needs from a transport.Port.
type byteReader interface {
	Read(buf []byte, deadline time.Duration) (int, error)
}

// byteWriter is the minimal capability Encode's caller needs.
type byteWriter interface {
	Write(buf []byte, deadline time.Duration) error
}

// Encode serializes p into the wire frame.
func Encode(p Packet) []byte {
	frame := make([]byte, HeaderSize+len(p.Payload)+TrailerSize)
	frame[0] = Preamble
	frame[1] = byte(p.Kind)
	binary.LittleEndian.PutUint16(frame[2:4], p.Seq)
	binary.LittleEndian.PutUint16(frame[4:6], uint16(len(p.Payload)))
	copy(frame[HeaderSize:], p.Payload)
	sum := crc.CRC16(0, frame[:HeaderSize+len(p.Payload)])
	binary.LittleEndian.PutUint16(frame[HeaderSize+len(p.Payload):], sum)
	return frame
}

// Write encodes and writes p to w within deadline.
func Write(w byteWriter, p Packet, deadline time.Duration) error {
	if err := w.Write(Encode(p), deadline); err != nil {
		return errs.Wrap(errs.SerialError, "packet.Write", err)
	}
	return nil
}

// Decode reads one frame from r within deadline.
//
// Framing resynchronization: bytes that do not begin a valid preamble are
// discarded one at a time while scanning for the next preamble, all within
// this single call's deadline budget. A CRC mismatch on an otherwise
// well-formed frame is reported as errs.CrcError without silently retrying
// — the caller decides whether to call Decode again, and the next call
// naturally resumes scanning from wherever the stream left off, resyncing
// on the next preamble it finds.
func Decode(r byteReader, deadline time.Duration) (*Packet, error) {
	var one [1]byte

	// Scan for preamble.
	for {
		if _, err := r.Read(one[:], deadline); err != nil {
			return nil, err
		}
		if one[0] == Preamble {
			break
		}
	}

	header := make([]byte, HeaderSize)
	header[0] = Preamble
	if _, err := r.Read(header[1:], deadline); err != nil {
		return nil, err
	}

	kind := Kind(header[1])
	seq := binary.LittleEndian.Uint16(header[2:4])
	length := binary.LittleEndian.Uint16(header[4:6])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := r.Read(payload, deadline); err != nil {
			return nil, err
		}
	}

	trailer := make([]byte, TrailerSize)
	if _, err := r.Read(trailer, deadline); err != nil {
		return nil, err
	}
	wantCRC := binary.LittleEndian.Uint16(trailer)

	got := make([]byte, 0, HeaderSize+len(payload))
	got = append(got, header...)
	got = append(got, payload...)
	gotCRC := crc.CRC16(0, got)

	if gotCRC != wantCRC {
		return nil, errs.New(errs.CrcError, "packet.Decode")
	}

	return &Packet{Kind: kind, Seq: seq, Payload: payload}, nil
}

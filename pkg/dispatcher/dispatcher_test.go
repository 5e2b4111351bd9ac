package dispatcher

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/visionplatform/hostcore/pkg/errs"
	"github.com/visionplatform/hostcore/pkg/packet"
)

// fakeSender is a scripted session.Sender double: Send is a no-op recorder,
// Recv replays a queued list of packets (or a timeout once the queue is
// empty, unless cancelled is set).
type fakeSender struct {
	sent      []packet.Packet
	replies   []packet.Packet
	cancelled bool
	closed    bool
}

func (f *fakeSender) Send(kind packet.Kind, payload []byte, _ time.Duration) error {
	f.sent = append(f.sent, packet.Packet{Kind: kind, Payload: payload})
	return nil
}

func (f *fakeSender) Recv(_ time.Duration) (*packet.Packet, error) {
	if len(f.replies) == 0 {
		return nil, errs.New(errs.SerialError, "fakeSender.Recv")
	}
	p := f.replies[0]
	f.replies = f.replies[1:]
	return &p, nil
}

func (f *fakeSender) Cancel() error     { f.cancelled = true; return nil }
func (f *fakeSender) Cancelled() bool   { return f.cancelled }
func (f *fakeSender) Close() error      { f.closed = true; return nil }

func TestEnrollPumpsEventsThenReturnsResult(t *testing.T) {
	fs := &fakeSender{replies: []packet.Packet{
		{Kind: packet.KindHint, Payload: []byte("move closer")},
		{Kind: packet.KindProgress, Payload: []byte{byte(PoseUp)}},
		{Kind: packet.KindResult, Payload: []byte{byte(StatusSuccess)}},
	}}
	d := New(fs)

	var hints []string
	var poses []Pose
	var results []Status
	cb := Callbacks{
		OnHint:     func(s string) { hints = append(hints, s) },
		OnProgress: func(p Pose) { poses = append(poses, p) },
		OnResult:   func(s Status) { results = append(results, s) },
	}

	status, err := d.Enroll("alice", cb)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusSuccess {
		t.Fatalf("status = %v, want Success", status)
	}
	if len(hints) != 1 || hints[0] != "move closer" {
		t.Errorf("hints = %v", hints)
	}
	if len(poses) != 1 || poses[0] != PoseUp {
		t.Errorf("poses = %v", poses)
	}
	if len(results) != 1 || results[0] != StatusSuccess {
		t.Errorf("results = %v", results)
	}
	if len(fs.sent) != 1 || fs.sent[0].Kind != packet.KindCmd {
		t.Fatalf("expected one Cmd packet sent, got %v", fs.sent)
	}
	if fs.sent[0].Payload[0] != byte(OpEnroll) {
		t.Errorf("op = %d, want OpEnroll", fs.sent[0].Payload[0])
	}
}

func TestEnrollRejectsInvalidUserIDWithoutTouchingDevice(t *testing.T) {
	cases := []struct {
		name   string
		userID string
	}{
		{"empty", ""},
		{"control character", "alice\x01"},
		{"too long", string(bytes.Repeat([]byte{'a'}, maxUserIDLen+1))},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fs := &fakeSender{}
			d := New(fs)

			if _, err := d.Enroll(c.userID, Callbacks{}); err == nil {
				t.Fatal("expected validation error")
			}
			if len(fs.sent) != 0 {
				t.Errorf("expected no packet sent for invalid user_id, got %v", fs.sent)
			}

			if _, err := d.EnrollImage(c.userID, []byte{1, 2, 3}); err == nil {
				t.Fatal("expected validation error")
			}
			if len(fs.sent) != 0 {
				t.Errorf("expected no packet sent for invalid user_id, got %v", fs.sent)
			}
		})
	}
}

func TestPumpEventsObservesCancelBetweenReads(t *testing.T) {
	fs := &fakeSender{}
	fs.cancelled = true
	d := New(fs)

	status, err := d.pumpEvents(Callbacks{}, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", status)
	}
}

func TestQueryNumberOfUsers(t *testing.T) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, 3)
	fs := &fakeSender{replies: []packet.Packet{{Kind: packet.KindReply, Payload: payload}}}
	d := New(fs)

	n, err := d.QueryNumberOfUsers()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("n = %d, want 3", n)
	}
}

func TestQueryUserIdsDecodesLengthPrefixedList(t *testing.T) {
	var payload []byte
	for _, id := range []string{"alice", "bob"} {
		lenBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBuf, uint16(len(id)))
		payload = append(payload, lenBuf...)
		payload = append(payload, []byte(id)...)
	}
	fs := &fakeSender{replies: []packet.Packet{{Kind: packet.KindReply, Payload: payload}}}
	d := New(fs)

	ids, err := d.QueryUserIds()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestSetDeviceConfigRoundTripsThroughWire(t *testing.T) {
	cfg := DeviceConfig{
		CameraRotationDeg:   180,
		SecurityLevel:       SecurityMedium,
		AlgoMode:            AlgoSpoofOnly,
		FaceSelectionPolicy: FaceSelectAll,
		PreviewMode:         PreviewMJPEG720P,
		DumpMode:            DumpCroppedFace,
		MaxSpoofs:           5,
		GPIOAuthToggling:    true,
	}
	encoded := encodeConfig(cfg)
	decoded, ok := decodeConfig(encoded)
	if !ok {
		t.Fatal("decodeConfig failed")
	}
	if decoded != cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, cfg)
	}
}

func TestCancelDelegatesToSender(t *testing.T) {
	fs := &fakeSender{}
	d := New(fs)
	if err := d.Cancel(); err != nil {
		t.Fatal(err)
	}
	if !fs.cancelled {
		t.Error("expected sender.Cancel to be invoked")
	}
}

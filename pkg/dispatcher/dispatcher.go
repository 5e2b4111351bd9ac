package dispatcher

import (
	"encoding/binary"
	"log"
	"time"

	"github.com/visionplatform/hostcore/pkg/errs"
	"github.com/visionplatform/hostcore/pkg/matcher"
	"github.com/visionplatform/hostcore/pkg/packet"
	"github.com/visionplatform/hostcore/pkg/session"
)

// mirror is the observability side channel a Dispatcher may optionally
// report terminal results to (eventmirror.Mirror implements it). Never a
// correctness dependency — see SPEC_FULL.md §4.5.
type mirror interface {
	WriteAndPublishInt(key, field string, value int) error
}

// Dispatcher turns a session.Sender into the public SDK operation set
// (spec.md §5). Every operation shares one shape: send a Cmd packet, pump
// inbound event packets to Callbacks until a terminal Result arrives, a
// fatal transport error occurs, or the session's cancel flag is observed.
type Dispatcher struct {
	sess   session.Sender
	mirror mirror
}

// New wraps a session.Sender (non-secure or secure, the dispatcher does not
// care which) in a Dispatcher.
func New(sess session.Sender) *Dispatcher {
	return &Dispatcher{sess: sess}
}

// WithMirror attaches an optional event mirror; every terminal Result this
// Dispatcher observes is thereafter also published under the "hostcore" key.
func (d *Dispatcher) WithMirror(m mirror) *Dispatcher {
	d.mirror = m
	return d
}

func (d *Dispatcher) reportResult(status Status) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.WriteAndPublishInt("hostcore", "result", int(status)); err != nil {
		log.Printf("dispatcher: event mirror publish failed: %v", err)
	}
}

// maxUserIDLen is spec.md §6's "≤30 bytes plus a trailing null" bound on
// the wire user_id field.
const maxUserIDLen = 30

// validateUserID enforces spec.md §6's user_id validation (non-empty, no
// control characters, ≤30 bytes) before any device I/O, per spec.md §5's
// "valid user_id is a precondition; otherwise returns Error without
// touching the device".
func validateUserID(userID string) error {
	if userID == "" {
		return errs.New(errs.Error, "dispatcher: user_id must not be empty")
	}
	if len(userID) > maxUserIDLen {
		return errs.New(errs.Error, "dispatcher: user_id exceeds 30 bytes")
	}
	for _, r := range userID {
		if r < 0x20 || r == 0x7f {
			return errs.New(errs.Error, "dispatcher: user_id contains a control character")
		}
	}
	return nil
}

func (d *Dispatcher) sendCmd(op Op, args []byte, deadline time.Duration) error {
	payload := make([]byte, 1+len(args))
	payload[0] = byte(op)
	copy(payload[1:], args)
	return d.sess.Send(packet.KindCmd, payload, deadline)
}

// pumpEvents reads packets until a Result arrives (returned to the caller),
// a fatal error occurs, or cancellation is observed between reads. stepTimeout
// bounds each individual Recv call; spec.md §5's "at least every 100ms"
// cancel-latency requirement is met by capping stepTimeout at
// session.CancelPollInterval.
func (d *Dispatcher) pumpEvents(cb Callbacks, stepTimeout time.Duration) (Status, error) {
	if stepTimeout > session.CancelPollInterval {
		stepTimeout = session.CancelPollInterval
	}
	for {
		if d.sess.Cancelled() {
			return StatusCancelled, nil
		}

		pkt, err := d.sess.Recv(stepTimeout)
		if err != nil {
			if errs.KindOf(err) == errs.SerialError {
				continue // timeout: re-check cancel, recv again
			}
			return 0, err
		}

		switch pkt.Kind {
		case packet.KindHint:
			cb.hint(string(pkt.Payload))
		case packet.KindProgress:
			if len(pkt.Payload) >= 1 {
				cb.progress(Pose(pkt.Payload[0]))
			}
		case packet.KindFaceDetected:
			faces, ts := decodeFacesDetected(pkt.Payload)
			cb.facesDetected(faces, ts)
		case packet.KindResult:
			if len(pkt.Payload) < 1 {
				return 0, errs.New(errs.Error, "dispatcher.pumpEvents")
			}
			status := Status(pkt.Payload[0])
			cb.result(status)
			d.reportResult(status)
			return status, nil
		default:
			log.Printf("dispatcher: ignoring unexpected packet kind %d during op", pkt.Kind)
		}
	}
}

func decodeFacesDetected(payload []byte) ([]FaceRect, uint32) {
	if len(payload) < 4 {
		return nil, 0
	}
	ts := getUint32(payload)
	rest := payload[4:]
	n := len(rest) / 16
	faces := make([]FaceRect, 0, n)
	for i := 0; i < n; i++ {
		b := rest[i*16:]
		faces = append(faces, FaceRect{
			X: int(int32(binary.LittleEndian.Uint32(b[0:4]))),
			Y: int(int32(binary.LittleEndian.Uint32(b[4:8]))),
			W: int(int32(binary.LittleEndian.Uint32(b[8:12]))),
			H: int(int32(binary.LittleEndian.Uint32(b[12:16]))),
		})
	}
	return faces, ts
}

// Connect probes the device with a Ping and waits for the reply within
// session.ConnectProbeTimeout.
func (d *Dispatcher) Connect() error {
	if err := d.sendCmd(OpPing, nil, session.ConnectProbeTimeout); err != nil {
		return err
	}
	_, err := d.sess.Recv(session.ConnectProbeTimeout)
	return err
}

// Disconnect tears down the underlying session.
func (d *Dispatcher) Disconnect() error {
	return d.sess.Close()
}

// Enroll runs a full enrollment, streaming Hint/Progress/FaceDetected
// callbacks until a terminal Result.
func (d *Dispatcher) Enroll(userID string, cb Callbacks) (Status, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if err := d.sendCmd(OpEnroll, []byte(userID), session.EnrollStepTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(cb, session.EnrollStepTimeout)
}

// EnrollImage enrolls a user from a single still image instead of a live
// capture loop.
func (d *Dispatcher) EnrollImage(userID string, image []byte) (Status, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	args := make([]byte, 2+len(userID)+len(image))
	binary.LittleEndian.PutUint16(args[0:2], uint16(len(userID)))
	copy(args[2:], userID)
	copy(args[2+len(userID):], image)
	if err := d.sendCmd(OpEnrollImage, args, session.EnrollStepTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(Callbacks{}, session.EnrollStepTimeout)
}

// Authenticate runs a single authentication attempt.
func (d *Dispatcher) Authenticate(cb Callbacks) (Status, error) {
	if err := d.sendCmd(OpAuthenticate, []byte{0}, session.AuthenticateStepTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(cb, session.AuthenticateStepTimeout)
}

// AuthenticateLoop runs continuous authentication until the device reports a
// terminal status or the caller cancels via the underlying session's Cancel.
// secure selects the tighter secure-mode poll intervals (session.go's
// LoopInterval* constants) for cancel latency.
func (d *Dispatcher) AuthenticateLoop(cb Callbacks, secure bool) (Status, error) {
	if err := d.sendCmd(OpAuthenticate, []byte{1}, session.AuthenticateStepTimeout); err != nil {
		return 0, err
	}
	step := session.LoopIntervalNoFaceNonSecure
	if secure {
		step = session.LoopIntervalNoFaceSecure
	}
	return d.pumpEvents(cb, step)
}

// Cancel requests the in-flight operation stop.
func (d *Dispatcher) Cancel() error {
	return d.sess.Cancel()
}

// RemoveUser deletes one user's faceprints from the device gallery.
func (d *Dispatcher) RemoveUser(userID string) (Status, error) {
	if err := d.sendCmd(OpRemoveUser, []byte(userID), session.SimpleReplyTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(Callbacks{}, session.SimpleReplyTimeout)
}

// RemoveAll clears the entire device gallery.
func (d *Dispatcher) RemoveAll() (Status, error) {
	if err := d.sendCmd(OpRemoveAll, nil, session.SimpleReplyTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(Callbacks{}, session.SimpleReplyTimeout)
}

// SetDeviceConfig pushes a new effective configuration to the device.
func (d *Dispatcher) SetDeviceConfig(cfg DeviceConfig) (Status, error) {
	if err := d.sendCmd(OpSetConfig, encodeConfig(cfg), session.SimpleReplyTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(Callbacks{}, session.SimpleReplyTimeout)
}

// QueryDeviceConfig reads back the device's current effective configuration.
func (d *Dispatcher) QueryDeviceConfig() (DeviceConfig, error) {
	if err := d.sendCmd(OpQueryConfig, nil, session.SimpleReplyTimeout); err != nil {
		return DeviceConfig{}, err
	}
	pkt, err := d.sess.Recv(session.SimpleReplyTimeout)
	if err != nil {
		return DeviceConfig{}, err
	}
	cfg, ok := decodeConfig(pkt.Payload)
	if !ok {
		return DeviceConfig{}, errs.New(errs.Error, "dispatcher.QueryDeviceConfig")
	}
	return cfg, nil
}

// QueryUserIds lists every enrolled user ID.
func (d *Dispatcher) QueryUserIds() ([]string, error) {
	if err := d.sendCmd(OpQueryUserIds, nil, session.SimpleReplyTimeout); err != nil {
		return nil, err
	}
	pkt, err := d.sess.Recv(session.SimpleReplyTimeout)
	if err != nil {
		return nil, err
	}
	return decodeUserIDList(pkt.Payload), nil
}

func decodeUserIDList(payload []byte) []string {
	var ids []string
	for len(payload) >= 2 {
		n := int(binary.LittleEndian.Uint16(payload[0:2]))
		payload = payload[2:]
		if n > len(payload) {
			break
		}
		ids = append(ids, string(payload[:n]))
		payload = payload[n:]
	}
	return ids
}

// QueryNumberOfUsers returns the current gallery size.
func (d *Dispatcher) QueryNumberOfUsers() (int, error) {
	if err := d.sendCmd(OpQueryNumUsers, nil, session.SimpleReplyTimeout); err != nil {
		return 0, err
	}
	pkt, err := d.sess.Recv(session.SimpleReplyTimeout)
	if err != nil {
		return 0, err
	}
	if len(pkt.Payload) < 4 {
		return 0, errs.New(errs.Error, "dispatcher.QueryNumberOfUsers")
	}
	return int(getUint32(pkt.Payload)), nil
}

// Standby puts the device into its low-power standby state.
func (d *Dispatcher) Standby() (Status, error) {
	if err := d.sendCmd(OpStandby, nil, session.SimpleReplyTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(Callbacks{}, session.SimpleReplyTimeout)
}

// Hibernate puts the device into its deepest power-down state.
func (d *Dispatcher) Hibernate() (Status, error) {
	if err := d.sendCmd(OpHibernate, nil, session.SimpleReplyTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(Callbacks{}, session.SimpleReplyTimeout)
}

// Unlock clears the TooManySpoofs lockout (invariant: only Unlock may do
// this).
func (d *Dispatcher) Unlock() (Status, error) {
	if err := d.sendCmd(OpUnlock, nil, session.SimpleReplyTimeout); err != nil {
		return 0, err
	}
	return d.pumpEvents(Callbacks{}, session.SimpleReplyTimeout)
}

// ExtractFaceprintsForEnroll runs detection+extraction only, returning the
// raw feature vector without writing it to the device gallery.
func (d *Dispatcher) ExtractFaceprintsForEnroll(cb Callbacks) (matcher.MatchElement, Status, error) {
	if err := d.sendCmd(OpExtractForEnroll, nil, session.EnrollStepTimeout); err != nil {
		return matcher.MatchElement{}, 0, err
	}
	return d.extractLoop(cb, session.EnrollStepTimeout)
}

// ExtractFaceprintsForAuth runs detection+extraction for a one-shot
// authentication match to be performed host-side.
func (d *Dispatcher) ExtractFaceprintsForAuth(cb Callbacks) (matcher.MatchElement, Status, error) {
	if err := d.sendCmd(OpExtractForAuth, nil, session.AuthenticateStepTimeout); err != nil {
		return matcher.MatchElement{}, 0, err
	}
	return d.extractLoop(cb, session.AuthenticateStepTimeout)
}

// ExtractFaceprintsForAuthLoop is the continuous variant of
// ExtractFaceprintsForAuth, intended for a caller that keeps matching
// successive extracted vectors host-side until it cancels.
func (d *Dispatcher) ExtractFaceprintsForAuthLoop(cb Callbacks) (matcher.MatchElement, Status, error) {
	return d.extractLoop(cb, session.LoopIntervalNoFaceNonSecure)
}

func (d *Dispatcher) extractLoop(cb Callbacks, step time.Duration) (matcher.MatchElement, Status, error) {
	if step > session.CancelPollInterval {
		step = session.CancelPollInterval
	}
	for {
		if d.sess.Cancelled() {
			return matcher.MatchElement{}, StatusCancelled, nil
		}
		pkt, err := d.sess.Recv(step)
		if err != nil {
			if errs.KindOf(err) == errs.SerialError {
				continue
			}
			return matcher.MatchElement{}, 0, err
		}
		switch pkt.Kind {
		case packet.KindHint:
			cb.hint(string(pkt.Payload))
		case packet.KindProgress:
			if len(pkt.Payload) >= 1 {
				cb.progress(Pose(pkt.Payload[0]))
			}
		case packet.KindFaceDetected:
			faces, ts := decodeFacesDetected(pkt.Payload)
			cb.facesDetected(faces, ts)
		case packet.KindResult:
			if len(pkt.Payload) < 1 {
				return matcher.MatchElement{}, 0, errs.New(errs.Error, "dispatcher.extractLoop")
			}
			status := Status(pkt.Payload[0])
			cb.result(status)
			d.reportResult(status)
			if status != StatusSuccess {
				return matcher.MatchElement{}, status, nil
			}
		case packet.KindFa:
			el, ok := decodeMatchElement(pkt.Payload)
			if !ok {
				return matcher.MatchElement{}, 0, errs.New(errs.Error, "dispatcher.extractLoop")
			}
			return el, StatusSuccess, nil
		default:
			log.Printf("dispatcher: ignoring unexpected packet kind %d during extract", pkt.Kind)
		}
	}
}

// GetUsersFaceprints downloads every enrolled user's full faceprints record,
// keyed by user ID, for host-side storage or matching.
func (d *Dispatcher) GetUsersFaceprints() (map[string]*matcher.Faceprints, error) {
	if err := d.sendCmd(OpGetUsersFaceprints, nil, session.SimpleReplyTimeout); err != nil {
		return nil, err
	}
	out := make(map[string]*matcher.Faceprints)
	for {
		pkt, err := d.sess.Recv(session.SimpleReplyTimeout)
		if err != nil {
			return nil, err
		}
		if pkt.Kind == packet.KindResult {
			return out, nil
		}
		if pkt.Kind != packet.KindReply || len(pkt.Payload) < 2 {
			return nil, errs.New(errs.Error, "dispatcher.GetUsersFaceprints")
		}
		idLen := int(binary.LittleEndian.Uint16(pkt.Payload[0:2]))
		rest := pkt.Payload[2:]
		if idLen > len(rest) {
			return nil, errs.New(errs.Error, "dispatcher.GetUsersFaceprints")
		}
		userID := string(rest[:idLen])
		fp, ok := decodeFaceprints(rest[idLen:])
		if !ok {
			return nil, errs.New(errs.Error, "dispatcher.GetUsersFaceprints")
		}
		out[userID] = fp
	}
}

// SetUsersFaceprints restores a previously downloaded gallery to the device,
// one user at a time, terminating with a single Result.
func (d *Dispatcher) SetUsersFaceprints(users map[string]*matcher.Faceprints) (Status, error) {
	for userID, fp := range users {
		args := make([]byte, 2+len(userID))
		binary.LittleEndian.PutUint16(args[0:2], uint16(len(userID)))
		copy(args[2:], userID)
		args = append(args, encodeFaceprints(fp)...)
		if err := d.sendCmd(OpSetUsersFaceprints, args, session.SimpleReplyTimeout); err != nil {
			return 0, err
		}
	}
	return d.pumpEvents(Callbacks{}, session.SimpleReplyTimeout)
}

// decodeMatchElement/decodeFaceprints/encodeFaceprints give the matcher
// package's in-memory types a concrete wire shape for device transfer:
// version(2) + featuresType(1) + flags(4) + up to three 515*int16 vectors.
func decodeMatchElement(payload []byte) (matcher.MatchElement, bool) {
	if len(payload) < 7+matcher.VectorAllocSize*2 {
		return matcher.MatchElement{}, false
	}
	el := matcher.MatchElement{
		Version:      int(binary.LittleEndian.Uint16(payload[0:2])),
		FeaturesType: matcher.FeaturesType(payload[2]),
		Flags:        getUint32(payload[3:7]),
	}
	decodeVector(&el.Vector, payload[7:])
	return el, true
}

func decodeFaceprints(payload []byte) (*matcher.Faceprints, bool) {
	need := 7 + matcher.VectorAllocSize*2*3
	if len(payload) < need {
		return nil, false
	}
	fp := &matcher.Faceprints{
		Version:      int(binary.LittleEndian.Uint16(payload[0:2])),
		FeaturesType: matcher.FeaturesType(payload[2]),
		Flags:        getUint32(payload[3:7]),
	}
	off := 7
	decodeVector(&fp.EnrollmentDescriptor, payload[off:])
	off += matcher.VectorAllocSize * 2
	decodeVector(&fp.AdaptiveWithoutMask, payload[off:])
	off += matcher.VectorAllocSize * 2
	decodeVector(&fp.AdaptiveWithMask, payload[off:])
	return fp, true
}

func encodeFaceprints(fp *matcher.Faceprints) []byte {
	buf := make([]byte, 7+matcher.VectorAllocSize*2*3)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(fp.Version))
	buf[2] = byte(fp.FeaturesType)
	putUint32(buf[3:7], fp.Flags)
	off := 7
	encodeVector(buf[off:], fp.EnrollmentDescriptor)
	off += matcher.VectorAllocSize * 2
	encodeVector(buf[off:], fp.AdaptiveWithoutMask)
	off += matcher.VectorAllocSize * 2
	encodeVector(buf[off:], fp.AdaptiveWithMask)
	return buf
}

func decodeVector(v *matcher.Vector515, buf []byte) {
	for i := 0; i < matcher.VectorAllocSize; i++ {
		v[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
}

func encodeVector(buf []byte, v matcher.Vector515) {
	for i := 0; i < matcher.VectorAllocSize; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v[i]))
	}
}

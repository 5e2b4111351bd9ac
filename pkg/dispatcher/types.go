// Package dispatcher implements C6: one command per public SDK operation,
// each following the same shape — send a command packet, pump inbound
// event packets to user callbacks, terminate on a terminal Result packet,
// a fatal error, or the cancel flag.
package dispatcher

import (
	"encoding/binary"

	"github.com/visionplatform/hostcore/pkg/matcher"
)

// Op identifies which command a Cmd packet's payload carries. This is a
// dispatcher-level concept layered inside packet.KindCmd payloads — the
// wire packet format itself (spec.md §6) only names a Kind byte, not a
// per-operation opcode, so operations are distinguished by the first
// payload byte.
type Op byte

const (
	OpPing Op = iota + 1
	OpEnroll
	OpEnrollImage
	OpAuthenticate
	OpRemoveUser
	OpRemoveAll
	OpSetConfig
	OpQueryConfig
	OpQueryUserIds
	OpQueryNumUsers
	OpStandby
	OpHibernate
	OpUnlock
	OpExtractForEnroll
	OpExtractForAuth
	OpGetUsersFaceprints
	OpSetUsersFaceprints
)

// Status is the terminal result code carried by a Result packet.
type Status byte

const (
	StatusSuccess Status = iota
	StatusNoFaceDetected
	StatusFaceDetectedTooSmall
	StatusMultipleFacesDetected
	StatusSpoofDetected
	StatusDeviceError
	StatusUserNotFound
	StatusUserAlreadyExists
	StatusCancelled
	StatusConfigUpdateFailed
	StatusTooManySpoofs
)

func (s Status) String() string {
	names := [...]string{
		"Success", "NoFaceDetected", "FaceDetectedTooSmall",
		"MultipleFacesDetected", "SpoofDetected", "DeviceError",
		"UserNotFound", "UserAlreadyExists", "Cancelled",
		"ConfigUpdateFailed", "TooManySpoofs",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

// Pose is one of the enrollment guidance poses the device steps through.
type Pose byte

const (
	PoseCenter Pose = iota
	PoseUp
	PoseDown
	PoseLeft
	PoseRight
)

// FaceRect is one detected face's bounding box, as reported by a
// FaceDetected event.
type FaceRect struct {
	X, Y, W, H int
}

// Callbacks is the single capability set every callback-driven operation
// notifies, with default no-op behavior for any field left nil — see
// SPEC_FULL.md/spec.md Design Notes ("a single capability set with default
// no-op behaviors" replacing the original's separate callback-interface
// hierarchies per operation).
type Callbacks struct {
	OnResult        func(Status)
	OnHint          func(status string)
	OnProgress      func(pose Pose)
	OnFacesDetected func(faces []FaceRect, timestampMs uint32)
}

func (c Callbacks) result(s Status) {
	if c.OnResult != nil {
		c.OnResult(s)
	}
}
func (c Callbacks) hint(status string) {
	if c.OnHint != nil {
		c.OnHint(status)
	}
}
func (c Callbacks) progress(p Pose) {
	if c.OnProgress != nil {
		c.OnProgress(p)
	}
}
func (c Callbacks) facesDetected(faces []FaceRect, ts uint32) {
	if c.OnFacesDetected != nil {
		c.OnFacesDetected(faces, ts)
	}
}

// DeviceConfig enumerates the effective device options (spec.md §6).
type DeviceConfig struct {
	CameraRotationDeg    int // one of 0, 90, 180, 270
	SecurityLevel        SecurityLevel
	AlgoMode             AlgoMode
	FaceSelectionPolicy  FaceSelectionPolicy
	PreviewMode          PreviewMode
	DumpMode             DumpMode
	MatcherConfidence    matcher.ConfidenceLevel
	MaxSpoofs            uint8
	GPIOAuthToggling     bool
}

type SecurityLevel byte

const (
	SecurityHigh SecurityLevel = iota
	SecurityMedium
	SecurityLow
)

type AlgoMode byte

const (
	AlgoAll AlgoMode = iota
	AlgoSpoofOnly
	AlgoRecognitionOnly
)

type FaceSelectionPolicy byte

const (
	FaceSelectSingle FaceSelectionPolicy = iota
	FaceSelectAll
)

type PreviewMode byte

const (
	PreviewMJPEG1080P PreviewMode = iota
	PreviewMJPEG720P
	PreviewRAW10_1080P
)

type DumpMode byte

const (
	DumpNone DumpMode = iota
	DumpCroppedFace
	DumpFullFrame
)

// encodeConfig/decodeConfig give DeviceConfig a fixed 8-byte wire shape for
// SetDeviceConfig/QueryDeviceConfig payloads.
func encodeConfig(c DeviceConfig) []byte {
	buf := make([]byte, 8)
	buf[0] = byte(c.CameraRotationDeg / 90)
	buf[1] = byte(c.SecurityLevel)
	buf[2] = byte(c.AlgoMode)
	buf[3] = byte(c.FaceSelectionPolicy)
	buf[4] = byte(c.PreviewMode)
	buf[5] = byte(c.DumpMode)
	buf[6] = byte(c.MatcherConfidence)
	buf[7] = c.MaxSpoofs
	if buf[7] > 0x7f {
		buf[7] = 0x7f // bit 0x80 carries GPIOAuthToggling
	}
	if c.GPIOAuthToggling {
		buf[7] |= 0x80
	}
	return buf
}

func decodeConfig(buf []byte) (DeviceConfig, bool) {
	if len(buf) < 8 {
		return DeviceConfig{}, false
	}
	return DeviceConfig{
		CameraRotationDeg:   int(buf[0]) * 90,
		SecurityLevel:       SecurityLevel(buf[1]),
		AlgoMode:            AlgoMode(buf[2]),
		FaceSelectionPolicy: FaceSelectionPolicy(buf[3]),
		PreviewMode:         PreviewMode(buf[4]),
		DumpMode:            DumpMode(buf[5]),
		MatcherConfidence:   matcher.ConfidenceLevel(buf[6]),
		MaxSpoofs:           buf[7] &^ 0x80,
		GPIOAuthToggling:    buf[7]&0x80 != 0,
	}, true
}

func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getUint32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/visionplatform/hostcore/pkg/errs"
	"github.com/visionplatform/hostcore/pkg/packet"
	"github.com/visionplatform/hostcore/pkg/transport"
)

const hkdfInfo = "visionplatform-session-key-v1"

// PersistedKeys is the pairing state kept on the host between sessions,
// encoded with CBOR — the teacher's wire-encoding library, repurposed here
// from wire-packet duty (not used for that, since the wire format is fixed
// binary, see pkg/packet) to local keystore duty.
type PersistedKeys struct {
	HostPairingPriv []byte `cbor:"host_priv"`
	DevicePublicKey []byte `cbor:"device_pub"`
}

// Keystore persists PersistedKeys to a single file.
type Keystore struct {
	Path string
}

func (k *Keystore) Load() (*PersistedKeys, error) {
	data, err := os.ReadFile(k.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Error, "Keystore.Load", err)
	}
	var pk PersistedKeys
	if err := cbor.Unmarshal(data, &pk); err != nil {
		return nil, errs.Wrap(errs.Error, "Keystore.Load", err)
	}
	return &pk, nil
}

func (k *Keystore) Save(pk *PersistedKeys) error {
	data, err := cbor.Marshal(pk)
	if err != nil {
		return errs.Wrap(errs.Error, "Keystore.Save", err)
	}
	if err := os.WriteFile(k.Path, data, 0o600); err != nil {
		return errs.Wrap(errs.Error, "Keystore.Save", err)
	}
	return nil
}

func (k *Keystore) Clear() error {
	if err := os.Remove(k.Path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.Error, "Keystore.Clear", err)
	}
	return nil
}

// SecureSession is the C5 implementation: pairing, ECDH-derived session
// keys, per-frame AES-GCM encryption with an ECDSA signature over the
// ciphertext, and monotonic replay counters on both directions.
//
// Every public operation delegates to an underlying non-secure Session for
// the raw send/recv; this type's job is exclusively the crypto envelope
// around each frame.
type SecureSession struct {
	raw   *Session
	store *Keystore

	bootstrapPriv *ecdsa.PrivateKey // signs the pairing handshake only

	hostPairingPriv *ecdsa.PrivateKey
	devicePub       *ecdsa.PublicKey

	aead       cipher.AEAD
	outCounter uint64
	inCounter  uint64
}

// NewSecure wraps port in a secure session. bootstrapPriv is the host's
// factory-provisioned signing key, used only to authenticate the pairing
// exchange; store persists the long-lived pairing keys across restarts.
func NewSecure(port transport.Port, bootstrapPriv *ecdsa.PrivateKey, store *Keystore) (*SecureSession, error) {
	s := &SecureSession{
		raw:           New(port),
		store:         store,
		bootstrapPriv: bootstrapPriv,
	}
	pk, err := store.Load()
	if err != nil {
		return nil, err
	}
	if pk != nil {
		priv, err := x509ParseECPrivate(pk.HostPairingPriv)
		if err != nil {
			return nil, errs.Wrap(errs.SecurityError, "NewSecure", err)
		}
		devicePub, err := x509ParseECPublic(pk.DevicePublicKey)
		if err != nil {
			return nil, errs.Wrap(errs.SecurityError, "NewSecure", err)
		}
		s.hostPairingPriv = priv
		s.devicePub = devicePub
	}
	return s, nil
}

// Paired reports whether a pairing handshake has already completed.
func (s *SecureSession) Paired() bool {
	return s.hostPairingPriv != nil && s.devicePub != nil
}

// Pair performs the one-time pairing handshake: the host sends a fresh
// ECDSA public key signed by its bootstrap key; the device replies with its
// own ECDSA public key. Both are persisted.
func (s *SecureSession) Pair() error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "Pair", err)
	}
	pubBytes := elliptic.MarshalCompressed(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	digest := sha256.Sum256(pubBytes)
	sig, err := ecdsa.SignASN1(rand.Reader, s.bootstrapPriv, digest[:])
	if err != nil {
		return errs.Wrap(errs.SecurityError, "Pair", err)
	}

	payload := encodeLP(pubBytes, sig)
	if err := s.raw.Send(packet.KindCmd, payload, SimpleReplyTimeout); err != nil {
		return err
	}
	reply, err := s.raw.Recv(SimpleReplyTimeout)
	if err != nil {
		return err
	}
	devicePubBytes, _, err := decodeLP(reply.Payload)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "Pair", err)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), devicePubBytes)
	if x == nil {
		return errs.New(errs.SecurityError, "Pair")
	}
	devicePub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	privDER, err := x509MarshalECPrivate(priv)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "Pair", err)
	}
	pubDER, err := x509MarshalECPublic(devicePub)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "Pair", err)
	}
	if err := s.store.Save(&PersistedKeys{HostPairingPriv: privDER, DevicePublicKey: pubDER}); err != nil {
		return err
	}

	s.hostPairingPriv = priv
	s.devicePub = devicePub
	return nil
}

// Unpair resets device-side key state and clears the local keystore.
func (s *SecureSession) Unpair() error {
	if err := s.raw.Send(packet.KindCmd, []byte("unpair"), SimpleReplyTimeout); err != nil {
		return err
	}
	if _, err := s.raw.Recv(SimpleReplyTimeout); err != nil {
		return err
	}
	s.hostPairingPriv = nil
	s.devicePub = nil
	return s.store.Clear()
}

// StartSession performs the ephemeral ECDH exchange and derives the
// symmetric frame key. Must follow a successful Pair (in this process or a
// prior one whose keys were persisted).
func (s *SecureSession) StartSession() error {
	if !s.Paired() {
		return errs.New(errs.SecurityError, "StartSession")
	}

	curve := ecdh.P256()
	hostEph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}
	hostEphPub := hostEph.PublicKey().Bytes()
	digest := sha256.Sum256(hostEphPub)
	sig, err := ecdsa.SignASN1(rand.Reader, s.hostPairingPriv, digest[:])
	if err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}

	if err := s.raw.Send(packet.KindCmd, encodeLP(hostEphPub, sig), SimpleReplyTimeout); err != nil {
		return err
	}
	reply, err := s.raw.Recv(SimpleReplyTimeout)
	if err != nil {
		return err
	}
	deviceEphBytes, deviceSig, err := decodeLP(reply.Payload)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}
	deviceDigest := sha256.Sum256(deviceEphBytes)
	if !ecdsa.VerifyASN1(s.devicePub, deviceDigest[:], deviceSig) {
		return errs.New(errs.SecurityError, "StartSession")
	}
	deviceEphPub, err := curve.NewPublicKey(deviceEphBytes)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}

	shared, err := hostEph.ECDH(deviceEphPub)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}

	sessionKey := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, sessionKey); err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return errs.Wrap(errs.SecurityError, "StartSession", err)
	}

	s.aead = aead
	s.outCounter = 0
	s.inCounter = 0
	return nil
}

// Send encrypts and signs payload before handing it to the underlying
// Session.
func (s *SecureSession) Send(kind packet.Kind, payload []byte, deadline time.Duration) error {
	if s.aead == nil {
		return errs.New(errs.SecurityError, "SecureSession.Send")
	}
	nonce := nonceFromCounter(s.outCounter)
	ciphertext := s.aead.Seal(nil, nonce, payload, []byte{byte(kind)})
	digest := sha256.Sum256(ciphertext)
	sig, err := ecdsa.SignASN1(rand.Reader, s.hostPairingPriv, digest[:])
	if err != nil {
		return errs.Wrap(errs.SecurityError, "SecureSession.Send", err)
	}
	s.outCounter++
	return s.raw.Send(kind, encodeLP(ciphertext, sig), deadline)
}

// Recv verifies and decrypts the next inbound frame.
func (s *SecureSession) Recv(deadline time.Duration) (*packet.Packet, error) {
	if s.aead == nil {
		return nil, errs.New(errs.SecurityError, "SecureSession.Recv")
	}
	pkt, err := s.raw.Recv(deadline)
	if err != nil {
		return nil, err
	}
	ciphertext, sig, err := decodeLP(pkt.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.SecurityError, "SecureSession.Recv", err)
	}
	digest := sha256.Sum256(ciphertext)
	if !ecdsa.VerifyASN1(s.devicePub, digest[:], sig) {
		return nil, errs.New(errs.SecurityError, "SecureSession.Recv")
	}
	nonce := nonceFromCounter(s.inCounter)
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte{byte(pkt.Kind)})
	if err != nil {
		return nil, errs.Wrap(errs.SecurityError, "SecureSession.Recv", err)
	}
	s.inCounter++
	return &packet.Packet{Kind: pkt.Kind, Seq: pkt.Seq, Payload: plaintext}, nil
}

func (s *SecureSession) Cancel() error    { return s.raw.Cancel() }
func (s *SecureSession) Cancelled() bool  { return s.raw.Cancelled() }
func (s *SecureSession) Close() error     { return s.raw.Close() }

func nonceFromCounter(counter uint64) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func encodeLP(a, b []byte) []byte {
	out := make([]byte, 2+len(a)+2+len(b))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(a)))
	copy(out[2:2+len(a)], a)
	binary.LittleEndian.PutUint16(out[2+len(a):4+len(a)], uint16(len(b)))
	copy(out[4+len(a):], b)
	return out
}

func decodeLP(buf []byte) (a, b []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("length-prefixed payload too short")
	}
	la := int(binary.LittleEndian.Uint16(buf[0:2]))
	if len(buf) < 2+la+2 {
		return nil, nil, fmt.Errorf("length-prefixed payload truncated")
	}
	a = buf[2 : 2+la]
	lb := int(binary.LittleEndian.Uint16(buf[2+la : 4+la]))
	if len(buf) < 4+la+lb {
		return nil, nil, fmt.Errorf("length-prefixed payload truncated")
	}
	b = buf[4+la : 4+la+lb]
	return a, b, nil
}

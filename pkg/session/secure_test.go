package session

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"path/filepath"
	"time"

	"testing"

	"github.com/visionplatform/hostcore/pkg/packet"
)

// duplexPort is one end of a pair of loopbackPorts wired together, so a
// host-side SecureSession and a hand-rolled "device" responder can talk to
// each other in a test without any real serial hardware.
type duplexPort struct {
	in  *loopbackPort
	out *loopbackPort
}

func (d *duplexPort) Read(buf []byte, deadline time.Duration) (int, error) {
	return d.in.Read(buf, deadline)
}
func (d *duplexPort) Write(buf []byte, deadline time.Duration) error {
	return d.out.Write(buf, deadline)
}
func (d *duplexPort) SetBaudRate(int) error { return nil }
func (d *duplexPort) Close() error          { return nil }

func newWire() (hostSide, deviceSide *duplexPort) {
	a := &loopbackPort{}
	b := &loopbackPort{}
	return &duplexPort{in: a, out: b}, &duplexPort{in: b, out: a}
}

// fakeDevice answers exactly one Pair exchange and one StartSession
// exchange, the way the real device firmware would: verify the host's
// signed pairing key, reply with its own; then verify the host's ECDH
// public key, reply with its own.
type fakeDevice struct {
	sess       *Session
	bootPub    *ecdsa.PublicKey
	priv       *ecdsa.PrivateKey
	ephPriv    *ecdh.PrivateKey
}

func newFakeDevice(port rawPort, bootPub *ecdsa.PublicKey) *fakeDevice {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	return &fakeDevice{sess: New(port), bootPub: bootPub, priv: priv}
}

func (d *fakeDevice) servePair() error {
	req, err := d.sess.Recv(time.Second)
	if err != nil {
		return err
	}
	hostPub, sig, err := decodeLP(req.Payload)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(hostPub)
	if !ecdsa.VerifyASN1(d.bootPub, digest[:], sig) {
		return errNotOk("bad pairing signature")
	}
	myPub := elliptic.MarshalCompressed(elliptic.P256(), d.priv.PublicKey.X, d.priv.PublicKey.Y)
	mySig, err := ecdsa.SignASN1(rand.Reader, d.priv, mustDigest(myPub))
	if err != nil {
		return err
	}
	return d.sess.Send(packet.KindReply, encodeLP(myPub, mySig), time.Second)
}

func (d *fakeDevice) serveStartSession() error {
	req, err := d.sess.Recv(time.Second)
	if err != nil {
		return err
	}
	hostEphBytes, _, err := decodeLP(req.Payload)
	if err != nil {
		return err
	}
	curve := ecdh.P256()
	ephPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.ephPriv = ephPriv
	myEphPub := ephPriv.PublicKey().Bytes()
	mySig, err := ecdsa.SignASN1(rand.Reader, d.priv, mustDigest(myEphPub))
	if err != nil {
		return err
	}
	if err := d.sess.Send(packet.KindReply, encodeLP(myEphPub, mySig), time.Second); err != nil {
		return err
	}
	_, err = curve.NewPublicKey(hostEphBytes)
	return err
}

func mustDigest(b []byte) []byte {
	d := sha256.Sum256(b)
	return d[:]
}

type notOkErr string

func (e notOkErr) Error() string { return string(e) }
func errNotOk(s string) error    { return notOkErr(s) }

// rawPort is the subset of transport.Port this test needs; defined here to
// avoid importing the transport package just for its interface name.
type rawPort interface {
	Read(buf []byte, deadline time.Duration) (int, error)
	Write(buf []byte, deadline time.Duration) error
	SetBaudRate(baud int) error
	Close() error
}

func TestSecureSessionPairAndStart(t *testing.T) {
	hostWire, deviceWire := newWire()

	bootstrapPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	store := &Keystore{Path: filepath.Join(t.TempDir(), "keys.cbor")}
	host, err := NewSecure(hostWire, bootstrapPriv, store)
	if err != nil {
		t.Fatalf("NewSecure: %v", err)
	}
	device := newFakeDevice(deviceWire, &bootstrapPriv.PublicKey)

	pairErr := make(chan error, 1)
	go func() { pairErr <- device.servePair() }()
	if err := host.Pair(); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if err := <-pairErr; err != nil {
		t.Fatalf("device servePair: %v", err)
	}
	if !host.Paired() {
		t.Fatal("expected Paired() == true")
	}

	startErr := make(chan error, 1)
	go func() { startErr <- device.serveStartSession() }()
	if err := host.StartSession(); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := <-startErr; err != nil {
		t.Fatalf("device serveStartSession: %v", err)
	}

	if host.aead == nil {
		t.Fatal("expected derived session key after StartSession")
	}
}

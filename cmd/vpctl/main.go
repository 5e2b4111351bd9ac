// Command vpctl is a thin CLI over the host-core SDK (C6's Dispatcher):
// connect to a device, run one operation, print what happened, exit.
// It is a debugging/ops tool, not a library entry point — applications
// embed pkg/dispatcher directly.
package main

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visionplatform/hostcore/pkg/dispatcher"
	"github.com/visionplatform/hostcore/pkg/eventmirror"
	"github.com/visionplatform/hostcore/pkg/license"
	"github.com/visionplatform/hostcore/pkg/session"
	"github.com/visionplatform/hostcore/pkg/transport"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	secure       = flag.Bool("secure", false, "Use the paired/encrypted session (C5)")
	keyPath      = flag.String("keystore", "", "Secure session keystore path (default ~/.visionplatform/session.json)")
	bootstrapKey = flag.String("bootstrap-key", "", "PEM file holding the host's factory-provisioned EC signing key (required with -secure before first pairing)")
	redisAddr    = flag.String("redis-addr", "", "Optional event-mirror Redis address; empty disables mirroring")
	redisPass    = flag.String("redis-pass", "", "Event-mirror Redis password")
	redisDB      = flag.Int("redis-db", 0, "Event-mirror Redis database number")
	licenseURL   = flag.String("license-url", "", "License server endpoint (required for the 'license' command)")
	licenseKey   = flag.String("license-key", "", "License key (required for the 'license' command)")

	userID = flag.String("user", "", "User id for enroll/remove-user")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <command>\n\ncommands:\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "  connect            probe the device with a ping")
	fmt.Fprintln(os.Stderr, "  enroll             enroll -user=<id>")
	fmt.Fprintln(os.Stderr, "  authenticate       run a single authentication attempt")
	fmt.Fprintln(os.Stderr, "  remove-user        remove -user=<id>")
	fmt.Fprintln(os.Stderr, "  remove-all         remove every enrolled user")
	fmt.Fprintln(os.Stderr, "  list-users         print enrolled user ids")
	fmt.Fprintln(os.Stderr, "  standby|hibernate|unlock")
	fmt.Fprintln(os.Stderr, "  license            fetch a license payload (-license-url, -license-key, -user=<serial>)")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	if cmd == "license" {
		runLicense()
		return
	}

	log.Printf("Opening %s at %d baud", *serialDevice, *baudRate)
	port, err := transport.Open(*serialDevice, *baudRate)
	if err != nil {
		log.Fatalf("failed to open serial port: %v", err)
	}
	defer port.Close()

	sess, err := buildSession(port)
	if err != nil {
		log.Fatalf("failed to establish session: %v", err)
	}
	defer sess.Close()

	d := dispatcher.New(sess)
	if *redisAddr != "" {
		m, err := eventmirror.New(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Printf("event mirror disabled: %v", err)
		} else {
			defer m.Close()
			d.WithMirror(m)
			log.Printf("Mirroring results to redis at %s", *redisAddr)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Interrupted, cancelling in-flight operation")
		d.Cancel()
	}()

	if err := runCommand(d, cmd); err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func buildSession(port transport.Port) (session.Sender, error) {
	if !*secure {
		return session.New(port), nil
	}

	path := *keyPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = home + "/.visionplatform/session.json"
	}
	store := &session.Keystore{Path: path}

	var priv *ecdsa.PrivateKey
	if *bootstrapKey != "" {
		p, err := session.LoadBootstrapKey(*bootstrapKey)
		if err != nil {
			return nil, err
		}
		priv = p
	}

	sess, err := session.NewSecure(port, priv, store)
	if err != nil {
		return nil, err
	}
	if !sess.Paired() {
		if priv == nil {
			return nil, fmt.Errorf("device is not yet paired and -bootstrap-key was not given")
		}
		log.Printf("Device not paired, running pairing handshake")
		if err := sess.Pair(); err != nil {
			return nil, err
		}
	}
	if err := sess.StartSession(); err != nil {
		return nil, err
	}
	return sess, nil
}

func runCommand(d *dispatcher.Dispatcher, cmd string) error {
	cb := dispatcher.Callbacks{
		OnHint: func(status string) { log.Printf("hint: %s", status) },
		OnProgress: func(p dispatcher.Pose) { log.Printf("progress: pose=%d", p) },
		OnFacesDetected: func(faces []dispatcher.FaceRect, ts uint32) {
			log.Printf("faces detected: %d at t=%dms", len(faces), ts)
		},
		OnResult: func(s dispatcher.Status) { log.Printf("result: %s", s) },
	}

	switch cmd {
	case "connect":
		return d.Connect()
	case "enroll":
		if *userID == "" {
			return fmt.Errorf("enroll requires -user")
		}
		_, err := d.Enroll(*userID, cb)
		return err
	case "authenticate":
		_, err := d.Authenticate(cb)
		return err
	case "remove-user":
		if *userID == "" {
			return fmt.Errorf("remove-user requires -user")
		}
		_, err := d.RemoveUser(*userID)
		return err
	case "remove-all":
		_, err := d.RemoveAll()
		return err
	case "list-users":
		ids, err := d.QueryUserIds()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	case "standby":
		_, err := d.Standby()
		return err
	case "hibernate":
		_, err := d.Hibernate()
		return err
	case "unlock":
		_, err := d.Unlock()
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runLicense() {
	if *licenseURL == "" || *licenseKey == "" {
		log.Fatalf("license command requires -license-url and -license-key")
	}
	c := license.NewClient(*licenseURL)
	serial := []byte(*userID)
	start := time.Now()
	typ, payload, err := c.Request(*licenseKey, serial, nil, nil)
	if err != nil {
		log.Fatalf("license request failed: %v", err)
	}
	log.Printf("license type=%s payload=%dB in %s", typ, len(payload), time.Since(start))
}

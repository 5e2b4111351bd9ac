// Command vp-fwupdate drives the firmware-update protocol (C7/C8) against
// a single device. It owns the serial port exclusively for the duration of
// the run (invariant I4: firmware update and the face-auth session never
// share a port), burns any module whose blocks are not already clean, and
// reports per-block progress through the standard logger (stderr).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/visionplatform/hostcore/pkg/firmware"
	"github.com/visionplatform/hostcore/pkg/transport"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate before any dlspd negotiation")
	blockSize    = flag.Int("block-size", 4096, "Block size the package is split into")
	profileFlag  = flag.String("profile", "new", "Device family: 'old' or 'new' (selects the dlinit/dlact/dlclean dialect)")
	imagePath    = flag.String("image", "", "Path to the UFIF firmware package")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "usage: vp-fwupdate -image=<path> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	profile, err := resolveProfile(*profileFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		log.Fatalf("failed to read %s: %v", *imagePath, err)
	}

	pkg, err := firmware.ParseUfif(data, *blockSize)
	if err != nil {
		log.Fatalf("failed to parse UFIF package: %v", err)
	}
	log.Printf("Parsed %d module(s) from %s", len(pkg.Modules), *imagePath)

	log.Printf("Opening %s at %d baud (exclusive: firmware update never shares a port with a face-auth session)", *serialDevice, *baudRate)
	port, err := transport.Open(*serialDevice, *baudRate)
	if err != nil {
		log.Fatalf("failed to open serial port: %v", err)
	}
	defer port.Close()

	engine := firmware.NewEngine(port, profile)

	err = engine.BurnModules(pkg, func(blocksDone, blocksTotal int) {
		log.Printf("progress: %d/%d blocks", blocksDone, blocksTotal)
	})
	if err != nil {
		log.Fatalf("firmware update failed: %v", err)
	}
	log.Printf("Firmware update complete")
}

func resolveProfile(name string) (firmware.DeviceProfile, error) {
	switch name {
	case "old":
		return firmware.OldProfile, nil
	case "new":
		return firmware.NewProfile, nil
	default:
		return firmware.DeviceProfile{}, fmt.Errorf("unknown -profile %q, want 'old' or 'new'", name)
	}
}

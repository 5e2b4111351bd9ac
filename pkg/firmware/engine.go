package firmware

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/visionplatform/hostcore/pkg/errs"
	"github.com/visionplatform/hostcore/pkg/transport"
)

// Timeouts from spec.md §4.2/§4.7.
const (
	SimpleReplyTimeout = 3 * time.Second
	BlockAckPerSixtyFourKiB = 2 * time.Second
)

// DeviceProfile bundles everything that differs between the two device
// families into one value selected once at Engine construction, per
// SPEC_FULL.md §9 ("inheritance between device-family classes collapses to
// a single dispatcher parameterized by a small device profile").
type DeviceProfile struct {
	Dialect       Dialect
	AllowedModules map[string]bool
	BaudRate      int
}

// OldProfile and NewProfile are the two concrete device families.
var (
	OldProfile = DeviceProfile{Dialect: DialectOld, AllowedModules: AllowedModulesOld, BaudRate: 115200}
	NewProfile = DeviceProfile{Dialect: DialectNew, AllowedModules: AllowedModulesNew, BaudRate: 115200}
)

// Engine drives the firmware text-command protocol over a transport.Port
// (C8). Unlike the packet/session layer, this protocol is free-form ASCII
// lines, not binary frames, so Engine talks to the port directly.
type Engine struct {
	port    transport.Port
	profile DeviceProfile
	cmds    CommandBuilder
}

func NewEngine(port transport.Port, profile DeviceProfile) *Engine {
	return &Engine{port: port, profile: profile, cmds: NewCommandBuilder(profile.Dialect)}
}

// ProgressFunc is called after every block, clean or burned, with the
// running count so a monotone progress bar can be driven (spec.md §4.7).
type ProgressFunc func(blocksDone, blocksTotal int)

// BurnModules validates then streams every module in pkg to the device,
// skipping blocks that post-burn-equivalent reconciliation reports already
// clean. Validation (allow-list, BOOT-last per invariant I3) happens before
// any byte reaches the device (S5).
func (e *Engine) BurnModules(pkg *Package, progress ProgressFunc) error {
	if err := e.validate(pkg); err != nil {
		return err
	}

	total := 0
	for _, m := range pkg.Modules {
		total += len(m.Blocks)
	}
	done := 0
	if progress == nil {
		progress = func(int, int) {}
	}

	for i, m := range pkg.Modules {
		isFirst := i == 0
		isLast := i == len(pkg.Modules)-1

		dirty, err := e.reconcile(m)
		if err != nil {
			return err
		}

		if err := e.writeLine(e.cmds.Init(m, isFirst), SimpleReplyTimeout); err != nil {
			return err
		}

		for blkIdx, blk := range m.Blocks {
			if !dirty[blkIdx] {
				done++
				progress(done, total)
				continue
			}
			if err := e.sendBlock(m, blkIdx, blk); err != nil {
				return errs.Wrap(errs.Error, "firmware.BurnModules", err)
			}
			done++
			progress(done, total)
		}

		if fin := e.cmds.Finish(isLast); fin != "" {
			if err := e.writeLine(fin, SimpleReplyTimeout); err != nil {
				return err
			}
		}

		stillDirty, err := e.reconcile(m)
		if err != nil {
			return errs.Wrap(errs.Error, "firmware.BurnModules: post-burn reconciliation", err)
		}
		for _, d := range stillDirty {
			if d {
				return errs.New(errs.Error, fmt.Sprintf("firmware.BurnModules: module %q failed post-burn reconciliation", m.Name))
			}
		}
	}

	if clean := e.cmds.Cleanup(); clean != "" {
		if err := e.writeLine(clean, SimpleReplyTimeout); err != nil {
			return err
		}
		if err := e.writeLine(Reset, SimpleReplyTimeout); err != nil {
			return err
		}
	}

	return nil
}

// validate enforces invariant I3 (BOOT last) and the device family's
// allow-list before any device I/O occurs.
func (e *Engine) validate(pkg *Package) error {
	for i, m := range pkg.Modules {
		if !e.profile.AllowedModules[m.Name] {
			return errs.New(errs.Error, fmt.Sprintf("firmware.validate: module %q not in allow-list", m.Name))
		}
		if m.Name == "BOOT" && i != len(pkg.Modules)-1 {
			return errs.New(errs.Error, "firmware.validate: BOOT module must be last")
		}
	}
	return nil
}

var reconcileLineRe = regexp.MustCompile(`^#(\d+)\s+(\S+)\s+([0-9a-fA-F]+)\s+([0-9a-fA-F]+)`)

// reconcile issues dlinfo <name> and parses the response into a per-block
// dirty flag, per spec.md §4.7: empty device state or a differing block
// count marks every block dirty; otherwise a block is clean iff
// state=="OK" && hdrCrc==realCrc==host's computed CRC for that block.
func (e *Engine) reconcile(m *Module) ([]bool, error) {
	dirty := make([]bool, len(m.Blocks))

	if err := e.writeLine(e.cmds.Info(m.Name), SimpleReplyTimeout); err != nil {
		return nil, err
	}
	lines, err := e.readUntilSentinel("dlinfo end", SimpleReplyTimeout)
	if err != nil {
		return nil, err
	}

	body := strings.Join(lines, "\n")
	if strings.Contains(body, "empty") {
		for i := range dirty {
			dirty[i] = true
		}
		return dirty, nil
	}

	states := make(map[int]struct {
		ok   bool
		hdr  uint32
		real uint32
	})
	for _, line := range lines {
		mm := reconcileLineRe.FindStringSubmatch(line)
		if mm == nil {
			continue
		}
		blk, _ := strconv.Atoi(mm[1])
		hdr, _ := strconv.ParseUint(mm[3], 16, 32)
		real, _ := strconv.ParseUint(mm[4], 16, 32)
		states[blk] = struct {
			ok   bool
			hdr  uint32
			real uint32
		}{ok: mm[2] == "OK", hdr: uint32(hdr), real: uint32(real)}
	}

	if len(states) != len(m.Blocks) {
		for i := range dirty {
			dirty[i] = true
		}
		return dirty, nil
	}

	for i, blk := range m.Blocks {
		st, ok := states[i]
		if !ok || !st.ok || st.hdr != st.real || st.hdr != blk.CRC {
			dirty[i] = true
		}
	}
	return dirty, nil
}

// sendBlock performs the dl/ack/data/ret exchange for one block (spec.md
// §4.7): send the dl command, wait for the "<file> : blk <n> sz=<sz>" ack,
// write the raw block bytes, then wait for the "dl ret=<rc>" confirmation.
func (e *Engine) sendBlock(m *Module, blockIndex int, blk Block) error {
	if err := e.writeLine(e.cmds.Block(m, blockIndex), SimpleReplyTimeout); err != nil {
		return err
	}
	if _, err := e.readUntilSentinel(": blk", SimpleReplyTimeout); err != nil {
		return err
	}

	ackTimeout := time.Duration(float64(BlockAckPerSixtyFourKiB) * float64(len(blk.Data)) / (64 * 1024))
	if ackTimeout < BlockAckPerSixtyFourKiB {
		ackTimeout = BlockAckPerSixtyFourKiB
	}

	if err := e.port.Write(blk.Data, ackTimeout); err != nil {
		return errs.Wrap(errs.SerialError, "firmware.sendBlock", err)
	}

	lines, err := e.readUntilSentinel("dl ret=", ackTimeout)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if strings.Contains(l, "dl ret=") && !strings.Contains(l, "dl ret=0") {
			return errs.New(errs.Error, "firmware.sendBlock: device reported non-zero ret")
		}
	}
	return nil
}

func (e *Engine) writeLine(line string, deadline time.Duration) error {
	if err := e.port.Write([]byte(line), deadline); err != nil {
		return errs.Wrap(errs.SerialError, "firmware.writeLine", err)
	}
	return nil
}

// readUntilSentinel accumulates lines from the port until one contains
// sentinel, returning every line read (including the sentinel line).
func (e *Engine) readUntilSentinel(sentinel string, deadline time.Duration) ([]string, error) {
	var lines []string
	var cur []byte
	buf := make([]byte, 1)
	for {
		n, err := e.port.Read(buf, deadline)
		if err != nil {
			return nil, errs.Wrap(errs.SerialError, "firmware.readUntilSentinel", err)
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			line := string(cur)
			lines = append(lines, line)
			cur = nil
			if strings.Contains(line, sentinel) {
				return lines, nil
			}
			continue
		}
		cur = append(cur, buf[0])
	}
}

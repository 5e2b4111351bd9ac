package firmware

import "fmt"

// Dialect distinguishes the two device-family command grammars, grounded on
// original_source/src/FwUpdate/Cmds.cc (old) and
// original_source/src/FwUpdate/F46x/Cmds.cc (new).
type Dialect int

const (
	DialectOld Dialect = iota
	DialectNew
)

// AllowedModulesOld and AllowedModulesNew are the two device-family
// allow-lists spec.md §4.6 names; BOOT only appears in the new family's set
// (old-family packages never carry a BOOT module).
var (
	AllowedModulesOld = map[string]bool{
		"OPFW": true, "NNLED": true, "NNLAS": true, "DNET": true,
		"RECOG": true, "YOLO": true, "AS2DLR": true,
	}
	AllowedModulesNew = map[string]bool{
		"OPFW": true, "NNLED": true, "NNLEDR": true, "DNET": true,
		"RECOG": true, "ACCNET": true, "YOLO": true, "AS2DLR": true,
		"ASDISP": true, "SPOOFS": true, "ASVIS": true, "BOOT": true,
	}
)

// CommandBuilder formats the ASCII text-protocol lines one device family
// speaks. Every line is prefixed with "\n" per the original wire
// convention (spec.md §6).
type CommandBuilder interface {
	Version() string
	SetBaudRate(rate int) string
	Info(moduleName string) string
	Init(m *Module, startSession bool) string
	Block(m *Module, blockIndex int) string
	// Finish ends a module's (or, for the old family, a whole session's)
	// update. isLast selects whether the session-ending "session reboot"
	// suffix is appended; the new family returns "" (no per-module finish
	// command exists — success is confirmed by post-burn dlinfo alone).
	Finish(isLast bool) string
	// Cleanup returns the old-module-removal command, or "" if the dialect
	// has none (the old family has no dlclean equivalent).
	Cleanup() string
}

// oldBuilder implements original_source/src/FwUpdate/Cmds.cc's grammar.
type oldBuilder struct{}

func (oldBuilder) Version() string            { return "\ndlver" }
func (oldBuilder) SetBaudRate(rate int) string { return fmt.Sprintf("\ndlspd %d", rate) }
func (oldBuilder) Info(name string) string     { return fmt.Sprintf("\ndlinfo %s", name) }

func (oldBuilder) Init(m *Module, startSession bool) string {
	s := fmt.Sprintf("\ndlinit %s ver=%s sz=%d blksz=%d crc=%x", m.Name, m.Version, m.RawSize, blockSizeOf(m), m.CRC)
	if startSession {
		s += " session"
	}
	return s
}

func (oldBuilder) Block(m *Module, blockIndex int) string {
	return fmt.Sprintf("\ndl %d", blockIndex)
}

func (oldBuilder) Finish(isLast bool) string {
	s := "\ndlact"
	if isLast {
		s += " session reboot"
	}
	return s
}

func (oldBuilder) Cleanup() string { return "" }

// newBuilder implements original_source/src/FwUpdate/F46x/Cmds.cc's grammar.
type newBuilder struct{}

func (newBuilder) Version() string            { return "\ndlver" }
func (newBuilder) SetBaudRate(rate int) string { return fmt.Sprintf("\ndlspd %d", rate) }
func (newBuilder) Info(name string) string     { return fmt.Sprintf("\ndlinfo %s", name) }

func (newBuilder) Init(m *Module, _ bool) string {
	return fmt.Sprintf("\ndlinit %s sz=%d", m.Name, m.RawSize)
}

func (newBuilder) Block(m *Module, blockIndex int) string {
	return fmt.Sprintf("\ndl %s %d", m.Name, blockIndex)
}

// Finish is a no-op for the new family: a module's success is confirmed
// purely by post-burn dlinfo reconciliation, and the session ends with a
// device reset rather than a per-module or per-session dlact.
func (newBuilder) Finish(bool) string { return "" }

func (newBuilder) Cleanup() string { return "\ndlclean" }

// Reset is the new family's session-ending command (issued once, after every
// module burns clean, in place of the old family's "dlact session reboot").
const Reset = "\nreset"

func blockSizeOf(m *Module) int {
	if len(m.Blocks) == 0 {
		return 0
	}
	return len(m.Blocks[0].Data)
}

// NewCommandBuilder returns the CommandBuilder for the given dialect.
func NewCommandBuilder(d Dialect) CommandBuilder {
	if d == DialectOld {
		return oldBuilder{}
	}
	return newBuilder{}
}

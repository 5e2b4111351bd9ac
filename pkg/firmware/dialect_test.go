package firmware

import (
	"strings"
	"testing"
)

func fakeModule() *Module {
	return &Module{
		Name:    "RECOG",
		Version: "2.5.24.0",
		RawSize: 10,
		CRC:     0xDEADBEEF,
		Blocks:  []Block{{Offset: 0, Data: make([]byte, 10), CRC: 0x1}},
	}
}

func TestOldBuilderGrammar(t *testing.T) {
	b := NewCommandBuilder(DialectOld)
	m := fakeModule()

	if got := b.Init(m, true); !strings.Contains(got, "ver=2.5.24.0") || !strings.Contains(got, "session") {
		t.Errorf("Init = %q", got)
	}
	if got := b.Block(m, 3); got != "\ndl 3" {
		t.Errorf("Block = %q", got)
	}
	if got := b.Finish(true); !strings.Contains(got, "session reboot") {
		t.Errorf("Finish(true) = %q", got)
	}
	if got := b.Cleanup(); got != "" {
		t.Errorf("old family should have no Cleanup command, got %q", got)
	}
}

func TestNewBuilderGrammar(t *testing.T) {
	b := NewCommandBuilder(DialectNew)
	m := fakeModule()

	if got := b.Init(m, true); strings.Contains(got, "ver=") || !strings.Contains(got, "sz=10") {
		t.Errorf("Init = %q", got)
	}
	if got := b.Block(m, 3); got != "\ndl RECOG 3" {
		t.Errorf("Block = %q", got)
	}
	if got := b.Finish(true); got != "" {
		t.Errorf("new family Finish should be empty, got %q", got)
	}
	if got := b.Cleanup(); got != "\ndlclean" {
		t.Errorf("Cleanup = %q", got)
	}
}

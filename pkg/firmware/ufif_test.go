package firmware

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/visionplatform/hostcore/pkg/crc"
)

const testBlockSize = 512 * 1024

func buildUfifEntry(name string, data []byte) []byte {
	buf := make([]byte, entrySize)
	copy(buf, name)
	binary.LittleEndian.PutUint32(buf[ufifNameMax:ufifNameMax+4], uint32(len(data)))

	crcAlignedSize := (len(data) + 3) &^ 3
	padded := make([]byte, crcAlignedSize)
	copy(padded, data)
	sum := crc.BlockCRC32(0, padded)
	binary.LittleEndian.PutUint32(buf[ufifNameMax+4:ufifNameMax+8], sum)
	return buf
}

func buildUfifImage(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var body bytes.Buffer

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], ufifSig)
	binary.LittleEndian.PutUint16(header[4:6], 0x0100)
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(entries)))
	body.Write(header)

	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	for _, n := range names {
		body.Write(buildUfifEntry(n, entries[n]))
	}

	for _, n := range names {
		for body.Len()%ufifAlign != 0 {
			body.WriteByte(0)
		}
		body.Write(entries[n])
	}

	return body.Bytes()
}

func TestParseUfifRoundTripsSingleModule(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 10)
	img := buildUfifImage(t, map[string][]byte{"FWRECOG.2.5.24.0.sbin": data})

	pkg, err := ParseUfif(img, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkg.Modules) != 1 {
		t.Fatalf("expected 1 module, got %d", len(pkg.Modules))
	}
	m := pkg.Modules[0]
	if m.Name != "RECOG" {
		t.Errorf("logical name = %q, want RECOG", m.Name)
	}
	if m.RawSize != len(data) {
		t.Errorf("RawSize = %d, want %d", m.RawSize, len(data))
	}
	if len(m.Blocks) != 1 {
		t.Errorf("expected 1 block for small module, got %d", len(m.Blocks))
	}
}

func TestParseUfifRenamesSBCToOPFW(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 4)
	img := buildUfifImage(t, map[string][]byte{"MYSBC.1.2.3.4.bin": data})

	pkg, err := ParseUfif(img, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	m := pkg.Modules[0]
	if m.Name != "OPFW" {
		t.Errorf("logical name = %q, want OPFW", m.Name)
	}
	if !bytes.Contains([]byte(m.WireFileName), []byte("SBC")) {
		t.Errorf("wire file name %q should retain SBC prefix", m.WireFileName)
	}
}

func TestParseUfifRejectsBadCRC(t *testing.T) {
	data := bytes.Repeat([]byte{0x02}, 8)
	img := buildUfifImage(t, map[string][]byte{"XDNET.1.0.0.0.bin": data})
	// Corrupt the module body after it's been CRC-stamped.
	img[len(img)-1] ^= 0xFF

	if _, err := ParseUfif(img, testBlockSize); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestParseUfifBlockDataExcludesPagePadding(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, 10)
	img := buildUfifImage(t, map[string][]byte{"FWRECOG.2.5.24.0.sbin": data})

	pkg, err := ParseUfif(img, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	m := pkg.Modules[0]

	// alignedSize (4KiB page padding) is far larger than the 10-byte
	// payload; block.Data must never carry that padding onto the wire.
	total := 0
	for _, b := range m.Blocks {
		total += len(b.Data)
	}
	crcAlignedSize := (len(data) + 3) &^ 3
	if total != crcAlignedSize {
		t.Errorf("sum of block sizes = %d, want %d (module size, not page-aligned %d)", total, crcAlignedSize, len(m.Data))
	}
	if len(m.Blocks[0].Data) >= pageSize {
		t.Errorf("block.Data len = %d, should be bounded by module size, not the 4KiB page buffer", len(m.Blocks[0].Data))
	}
}

func TestSplitModuleFileNameBoot(t *testing.T) {
	name, wire, _, err := splitModuleFileName("XBOOT.INI")
	if err != nil {
		t.Fatal(err)
	}
	if name != "BOOT" {
		t.Errorf("name = %q, want BOOT", name)
	}
	if wire == "" {
		t.Error("wire file name should not be empty")
	}
}

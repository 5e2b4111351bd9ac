// Package firmware implements C7 (the UFIF package parser) and C8 (the
// firmware update engine), grounded on
// original_source/src/FwUpdate/F46x/Utilities.cc (ParseUfifToModules) and
// original_source/src/FwUpdate/FwUpdateEngine.cc.
package firmware

import (
	"bytes"
	"encoding/binary"
	"regexp"
	"strings"

	"github.com/visionplatform/hostcore/pkg/crc"
	"github.com/visionplatform/hostcore/pkg/errs"
)

const (
	ufifSig      = 0x46484655 // 'U','F','H','F' little-endian
	ufifVerMajor = 0x01
	ufifAlign    = 16
	ufifNameMax  = 64
	pageSize     = 4096
)

// headerSize is sig(4)+ver(2)+entryN(2)+otpEncryptVersion(1)+rsv(23).
const headerSize = 4 + 2 + 2 + 1 + 23

// entrySize is name(64)+size(4)+crc32(4)+rsv(8).
const entrySize = ufifNameMax + 4 + 4 + 8

// Block is one stop-and-wait transfer unit within a Module.
type Block struct {
	Offset int
	Data   []byte
	CRC    uint32
}

// Module is one parsed UFIF entry: its logical name (after the SBC->OPFW
// rename), the wire file name device-side commands reference, its aligned
// data, and the per-block split used for streaming.
type Module struct {
	Name         string // logical name: OPFW, NNLED, RECOG, BOOT, ...
	WireFileName string // e.g. "SBC.1.2.3.4.BIN" or "NNLED.2.5.24.0.SBIN"
	Version      string
	Data         []byte // 4KiB-aligned, zero-padded
	RawSize      int    // size before alignment padding
	CRC          uint32 // whole-module CRC (block index 0)
	Blocks       []Block
}

var moduleNameRe = regexp.MustCompile(`(?i)^(.+?)(SBC|NNLED|NNLEDR|DNET|RECOG|YOLO|AS2DLR|ASDISP|SPOOFS|ACCNET|ASVIS)\.([\d.]+)\.(.+)$`)
var bootNameRe = regexp.MustCompile(`(?i)^(.+?)(BOOT)\.(.+)$`)

// Package is a parsed UFIF firmware package: an ordered list of Modules plus
// the otpEncryptVersion byte the header carries.
type Package struct {
	Modules           []*Module
	OtpEncryptVersion byte
}

// ParseUfif parses a complete UFIF image (blob, not a path — callers own
// file I/O) into its constituent Modules, splitting each into blockSize
// blocks and computing whole-module and per-block CRC-32s via pkg/crc.
//
// AllowedModules validation and BOOT-last ordering (invariant I3) are the
// caller's responsibility (Engine.BurnModules enforces both); ParseUfif only
// parses and verifies CRCs.
func ParseUfif(data []byte, blockSize int) (*Package, error) {
	if len(data) < headerSize {
		return nil, errs.New(errs.Error, "firmware.ParseUfif")
	}
	sig := binary.LittleEndian.Uint32(data[0:4])
	ver := binary.LittleEndian.Uint16(data[4:6])
	entryN := binary.LittleEndian.Uint16(data[6:8])
	otpEncryptVersion := data[8]

	if sig != ufifSig || (ver>>8) != ufifVerMajor {
		return nil, errs.New(errs.Error, "firmware.ParseUfif")
	}

	off := headerSize
	need := off + int(entryN)*entrySize
	if need > len(data) {
		return nil, errs.New(errs.Error, "firmware.ParseUfif")
	}

	pkg := &Package{OtpEncryptVersion: otpEncryptVersion}

	type rawEntry struct {
		name  string
		size  uint32
		crc32 uint32
	}
	entries := make([]rawEntry, 0, entryN)
	for i := 0; i < int(entryN); i++ {
		e := data[off+i*entrySize:]
		nameRaw := e[0:ufifNameMax]
		name := string(bytes.TrimRight(nameRaw, "\x00"))
		size := binary.LittleEndian.Uint32(e[ufifNameMax : ufifNameMax+4])
		c := binary.LittleEndian.Uint32(e[ufifNameMax+4 : ufifNameMax+8])
		entries = append(entries, rawEntry{name: name, size: size, crc32: c})
	}
	off += int(entryN) * entrySize

	for _, e := range entries {
		if off%ufifAlign != 0 {
			off += ufifAlign - off%ufifAlign
		}
		if off+int(e.size) > len(data) {
			return nil, errs.New(errs.Error, "firmware.ParseUfif")
		}

		logicalName, wireName, version, err := splitModuleFileName(e.name)
		if err != nil {
			return nil, err
		}

		alignedSize := int(e.size+pageSize-1) &^ (pageSize - 1)
		buf := make([]byte, alignedSize)
		copy(buf, data[off:off+int(e.size)])
		off += int(e.size)

		crcAlignedSize := int(e.size+3) &^ 3
		if crcAlignedSize > alignedSize {
			crcAlignedSize = alignedSize
		}
		wholeCRC := crc.BlockCRC32(0, buf[:crcAlignedSize])
		if wholeCRC != e.crc32 {
			return nil, errs.New(errs.CrcError, "firmware.ParseUfif")
		}

		// nBlocks and the per-block size are both driven by crcAlignedSize
		// (the raw module size, rounded up to a 4-byte CRC boundary), never
		// by alignedSize (the 4KiB page padding): block.size = min(blockSize,
		// module_size - block.offset), mirroring
		// F46x/Utilities.cc:222-231's block_size_min, so a block's Data never
		// carries page-padding zeros onto the wire. The last block does carry
		// the up to 3 zero bytes of CRC-boundary padding, so the block sizes
		// sum to the module size rounded up to a multiple of 4, not to the
		// raw module size.
		nBlocks := (crcAlignedSize + blockSize - 1) / blockSize
		blocks := make([]Block, 0, nBlocks)
		remaining := crcAlignedSize
		for i := 0; i < nBlocks; i++ {
			start := i * blockSize
			blockCRCSize := blockSize
			if remaining < blockCRCSize {
				blockCRCSize = remaining
			}
			blocks = append(blocks, Block{
				Offset: start,
				Data:   buf[start : start+blockCRCSize],
				CRC:    crc.BlockCRC32(i, buf[start:start+blockCRCSize]),
			})
			remaining -= blockCRCSize
		}

		pkg.Modules = append(pkg.Modules, &Module{
			Name:         logicalName,
			WireFileName: wireName,
			Version:      version,
			Data:         buf,
			RawSize:      int(e.size),
			CRC:          wholeCRC,
			Blocks:       blocks,
		})
	}

	return pkg, nil
}

// splitModuleFileName recovers the logical module name, the wire file name
// the device's dl/dlinfo commands reference, and the version string from a
// UFIF entry's raw name field.
//
// The SBC module is a special case (original_source/src/FwUpdate/F46x/Utilities.cc):
// its wire file name keeps the "SBC." prefix, but its logical name becomes
// "OPFW" for allow-list and BOOT-ordering checks.
func splitModuleFileName(raw string) (logicalName, wireFileName, version string, err error) {
	if m := moduleNameRe.FindStringSubmatch(raw); m != nil {
		name := strings.ToUpper(m[2])
		version = m[3]
		ext := m[4]
		if name == "SBC" {
			return "OPFW", strings.ToUpper("SBC." + version + "." + ext), version, nil
		}
		return name, strings.ToUpper(name + "." + version + "." + ext), version, nil
	}
	if m := bootNameRe.FindStringSubmatch(raw); m != nil {
		name := strings.ToUpper(m[2])
		ext := m[3]
		return name, strings.ToUpper(name + "." + ext), "", nil
	}
	return "", "", "", errs.New(errs.Error, "firmware.splitModuleFileName")
}

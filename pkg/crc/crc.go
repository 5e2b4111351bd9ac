// Package crc computes the CRC-16 used on every wire packet and the CRC-32
// used to validate firmware module and block integrity.
//
// Both checksums are computed through github.com/snksoft/crc, a generic
// table-driven CRC engine, rather than a hand-rolled table — the device side
// agrees on the exact polynomial/init/xorout below and any deviation would
// silently desync from it.
package crc

import "github.com/snksoft/crc"

// Packet16 is CRC-16/XMODEM: poly 0x1021, init 0x0000, no reflection, no
// final xor. Check value over "123456789" is 0x31C3.
var Packet16 = &crc.Parameters{
	Width:      16,
	Polynomial: 0x1021,
	Init:       0x0000,
	ReflectIn:  false,
	ReflectOut: false,
	FinalXor:   0x0000,
}

// Firmware32 is CRC-32/ISO-HDLC ("the" CRC-32): poly 0x04C11DB7 reflected,
// init 0xFFFFFFFF, xorout 0xFFFFFFFF.
var Firmware32 = &crc.Parameters{
	Width:      32,
	Polynomial: 0x04C11DB7,
	Init:       0xFFFFFFFF,
	ReflectIn:  true,
	ReflectOut: true,
	FinalXor:   0xFFFFFFFF,
}

// CRC16 returns the packet CRC-16 of data, seeded with seed. Packet framing
// calls this with seed 0 for a fresh header+payload checksum.
func CRC16(seed uint16, data []byte) uint16 {
	params := *Packet16
	params.Init = uint64(seed)
	return uint16(crc.CalculateCRC(&params, data))
}

// BlockCRC32 returns the firmware CRC-32 of one firmware block or whole
// module, seeded with blockIndex rather than the standard initial value —
// the whole-module checksum in the UFIF header is always BlockCRC32(0, ...).
//
// original_source/src/FwUpdate/F46x/Utilities.cc computes every CRC, block
// or whole-module, as CalculateCRC(index, data, size) with index 0 for the
// module and the block's own position for each block — the position is
// folded into the checksum's starting register so a reordering of blocks on
// the wire is distinguishable from plain content corruption. The
// CalculateCRC implementation itself was not present in the retrieved
// source; this reproduces the call shape using the library's Init override.
func BlockCRC32(blockIndex int, data []byte) uint32 {
	params := *Firmware32
	params.Init = uint64(uint32(blockIndex))
	return uint32(crc.CalculateCRC(&params, data))
}

// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package internal holds VoSPI and CCI wire details.
package internal

import (
	"encoding/binary"
)

// VoSPI packet header layout, as documented at p.28-35 of the datasheet.
//
// Byte 0 high nibble is the segment number (Lepton 3.x, packet 20 only), low
// nibble is the high part of the 12 bits packet ID. Byte 1 is the low part of
// the packet ID. Bytes 2-3 are the CRC.
const (
	discardMask = 0x0F
)

// PacketNumber returns the sequence number carried in byte 1.
func PacketNumber(p []byte) int {
	return int(p[1])
}

// SegmentNumber returns the segment number encoded in the high nibble of
// byte 0.
func SegmentNumber(p []byte) int {
	return int(p[0]>>4) & 0x0F
}

// IsDiscard returns true for the filler packets the sensor sends when it has
// no line ready.
func IsDiscard(p []byte) bool {
	return p[0]&discardMask == discardMask
}

// PacketCRC calculates the CRC of a VoSPI packet.
//
// The 4 most significant bits of the ID and the CRC field itself are
// considered to be zero.
func PacketCRC(p []byte) uint16 {
	hdr := [4]byte{p[0] & 0x0F, p[1], 0, 0}
	crc := updateReversed(0, &ccittFalseTable, hdr[:])
	return updateReversed(crc, &ccittFalseTable, p[4:])
}

// ValidCRC returns true if the CRC field matches the packet content.
func ValidCRC(p []byte) bool {
	return binary.BigEndian.Uint16(p[2:4]) == PacketCRC(p)
}

//

type table [256]uint16

const ccittFalse = 0x1021

var ccittFalseTable table

func init() {
	makeReversedTable(ccittFalse, &ccittFalseTable)
}

func makeReversedTable(poly uint16, t *table) {
	width := uint16(16)
	for i := uint16(0); i < 256; i++ {
		crc := i << (width - 8)
		for j := 0; j < 8; j++ {
			if crc&(1<<(width-1)) != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
}

func updateReversed(crc uint16, t *table, p []byte) uint16 {
	for _, v := range p {
		crc = t[byte(crc>>8)^v] ^ (crc << 8)
	}
	return crc
}

// CRC16 calculates the reversed CCITT CRC16 checksum.
func CRC16(d []byte) uint16 {
	return updateReversed(0, &ccittFalseTable, d)
}

//

// Big16 translates big endian 16bits words but everything larger is in little
// endian.
//
// CCI attributes wider than one register are sent least significant word
// first.
var Big16 big16

type big16 struct{}

func (big16) Uint16(b []byte) uint16 {
	_ = b[1] // bounds check hint to compiler; see golang.org/issue/14808
	return uint16(b[1]) | uint16(b[0])<<8
}

func (big16) PutUint16(b []byte, v uint16) {
	_ = b[1] // early bounds check to guarantee safety of writes below
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func (big16) Uint32(b []byte) uint32 {
	_ = b[3] // bounds check hint to compiler; see golang.org/issue/14808
	return uint32(b[1]) | uint32(b[0])<<8 | uint32(b[3])<<16 | uint32(b[2])<<24
}

func (big16) PutUint32(b []byte, v uint32) {
	_ = b[3] // early bounds check to guarantee safety of writes below
	b[1] = byte(v)
	b[0] = byte(v >> 8)
	b[3] = byte(v >> 16)
	b[2] = byte(v >> 24)
}

func (big16) Uint64(b []byte) uint64 {
	_ = b[7] // bounds check hint to compiler; see golang.org/issue/14808
	return uint64(b[1]) | uint64(b[0])<<8 | uint64(b[3])<<16 | uint64(b[2])<<24 |
		uint64(b[5])<<32 | uint64(b[4])<<40 | uint64(b[7])<<48 | uint64(b[6])<<56
}

func (big16) PutUint64(b []byte, v uint64) {
	_ = b[7] // early bounds check to guarantee safety of writes below
	b[1] = byte(v)
	b[0] = byte(v >> 8)
	b[3] = byte(v >> 16)
	b[2] = byte(v >> 24)
	b[5] = byte(v >> 32)
	b[4] = byte(v >> 40)
	b[7] = byte(v >> 48)
	b[6] = byte(v >> 56)
}

func (big16) String() string {
	return "big16"
}

var _ binary.ByteOrder = Big16

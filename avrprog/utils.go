package avrprog

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"time"
)

const (
	AckByte          = 0x0D // The universal "ok"
	EscapeByte       = 0x1B // Resynchronizes the bootloader's command parser
	SpuriousAck      = 0x3F // Sometimes shows up before the ack to a 'C'
	BlockUnsupported = '?'  // Answer to the first 'Z' when there's no block mode
	AutoIncrementYes = 'Y'
	BlankByte        = 0xFF
)

const (
	AckTimeout      = 100 * time.Millisecond
	EraseTimeout    = 3 * time.Second
	ProbeTimeout    = 250 * time.Millisecond
	DrainTimeout    = time.Second
	ReadWordTimeout = time.Second

	ProbeAttempts   = 3
	ProbeReadLength = 100 // Most we'll take from the probe and device list
	SignatureLength = 7
	ProbeEscapes    = 4
	FlushEscapes    = 4
	SlowAckAttempts = 5
)

// Produce the command for setting the address (word address, big endian)
func AddressCommandRaw(address uint16) []byte {
	return []byte{byte('A'), byte(address >> 8), byte(address & 0xFF)}
}

// Produce the command for setting the flash address based on true byte
// offset. Flash is word addressed, so the caller must pass an even address
func AddressCommandFlashAddress(address int) []byte {
	return AddressCommandRaw(uint16(address >> 1))
}

// Indicator command: 'x' turns the light on, 'y' turns it off
func IndicatorCommand(on bool) []byte {
	if on {
		return []byte{byte('x'), 0x00}
	}
	return []byte{byte('y'), 0x00}
}

// A run of resync bytes
func EscapeSequence(count int) []byte {
	return bytes.Repeat([]byte{EscapeByte}, count)
}

// The probe sent by board discovery: resync, then ask for the signature
func ProbeCommand() []byte {
	return append(EscapeSequence(ProbeEscapes), byte('S'))
}

// A page is blank (nothing to write) when every byte is 0xFF
func IsBlankPage(page []byte) bool {
	for _, b := range page {
		if b != BlankByte {
			return false
		}
	}
	return true
}

// Round width up to the nearest multiple of align
func AlignWidth(width int, align int) int {
	return (width + align - 1) / align * align
}

// Padding is always erased flash
func MakePadding(length int) []byte {
	return bytes.Repeat([]byte{BlankByte}, length)
}

// Extend data with blank bytes out to the given length (never shrinks)
func PadTo(data []byte, length int) []byte {
	if len(data) >= length {
		return data
	}
	return append(append(make([]byte, 0, length), data...), MakePadding(length-len(data))...)
}

// Remove unused sections from the end of the byte array. In flash images,
// sections of 0xFF represent unused data.
func TrimUnused(data []byte, blocksize int) []byte {
	unusedLength := 0
	dlen := len(data)
	for ; unusedLength < dlen; unusedLength++ {
		if data[dlen-1-unusedLength] != BlankByte {
			break
		}
	}
	// Now just trim unused length off the end, but aligned to the smallest blocksize
	trim := (unusedLength / blocksize) * blocksize
	return data[:dlen-trim]
}

// Produce an md5 string from given data (a simple shortcut)
func Md5String(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

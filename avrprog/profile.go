package avrprog

import (
	"fmt"
	"strings"
)

// Fixed per-chip constants. BootStarts holds the bootloader start WORD
// address for each boot size selector (high fuse bits BOOTSZ1:0, 0-3).
type DeviceProfile struct {
	Name           string `toml:"name" json:"name"`
	Code           byte   `toml:"code" json:"code"`
	FlashSize      int    `toml:"flash_size" json:"flashSize"`
	EepromSize     int    `toml:"eeprom_size" json:"eepromSize"`
	FlashPageSize  int    `toml:"flash_page_size" json:"flashPageSize"`
	EepromPageSize int    `toml:"eeprom_page_size" json:"eepromPageSize"`
	BootStarts     []int  `toml:"boot_starts" json:"bootStarts"`
}

// The chip on the x0xb0x, and the default for everything here
var ATmega162 = DeviceProfile{
	Name:           "ATmega162",
	Code:           0x63,
	FlashSize:      16384,
	EepromSize:     512,
	FlashPageSize:  128,
	EepromPageSize: 4,
	BootStarts:     []int{0x1C00, 0x1E00, 0x1F00, 0x1F80},
}

// Known AVR-PROG device codes, as reported by the 't' command
var DeviceTable = map[byte]DeviceProfile{
	0x63: ATmega162,
	0x74: {"ATmega16", 0x74, 16384, 512, 128, 4, []int{0x1C00, 0x1E00, 0x1F00, 0x1F80}},
	0x72: {"ATmega32", 0x72, 32768, 1024, 128, 4, []int{0x3800, 0x3C00, 0x3E00, 0x3F00}},
	0x76: {"ATmega8", 0x76, 8192, 512, 64, 4, []int{0x0C00, 0x0E00, 0x0F00, 0x0F80}},
	0x3A: {"ATmega8515", 0x3A, 8192, 512, 64, 4, []int{0x0C00, 0x0E00, 0x0F00, 0x0F80}},
	0x45: {"ATmega64", 0x45, 65536, 2048, 256, 8, []int{0x7000, 0x7800, 0x7C00, 0x7E00}},
}

// Look up a profile by name (case insensitive) in the given extra profiles
// first, then in the builtin table.
func FindProfile(name string, extra []DeviceProfile) (DeviceProfile, error) {
	for _, p := range extra {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	for _, p := range DeviceTable {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return DeviceProfile{}, fmt.Errorf("unknown device profile '%s'", name)
}

// Resolve device codes against the table. Unknown codes come back as hex
func DeviceNames(codes []byte) []string {
	result := make([]string, len(codes))
	for i, c := range codes {
		if p, ok := DeviceTable[c]; ok {
			result[i] = p.Name
		} else {
			result[i] = fmt.Sprintf("unknown(0x%02X)", c)
		}
	}
	return result
}

func (p *DeviceProfile) Validate() error {
	if p.FlashPageSize <= 0 || p.FlashPageSize%2 != 0 {
		return fmt.Errorf("profile %s: flash page size must be positive and even, was %d", p.Name, p.FlashPageSize)
	}
	if p.FlashSize <= 0 || p.FlashSize%p.FlashPageSize != 0 {
		return fmt.Errorf("profile %s: flash size %d is not a whole number of pages", p.Name, p.FlashSize)
	}
	if len(p.BootStarts) != 4 {
		return fmt.Errorf("profile %s: need exactly 4 boot start addresses, have %d", p.Name, len(p.BootStarts))
	}
	return nil
}

// Byte address where the bootloader starts, given the high fuse byte
func (p *DeviceProfile) BootloaderAddress(fuseHigh byte) int {
	return p.BootStarts[BootSizeSelector(fuseHigh)] * 2
}

// Pull the BOOTSZ bits out of the high fuse
func BootSizeSelector(fuseHigh byte) int {
	return int((fuseHigh >> 1) & 0b11)
}

// Bootloader byte address for the ATmega162
func BootloaderAddress(fuseHigh byte) int {
	return ATmega162.BootloaderAddress(fuseHigh)
}

package avrprog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testConfigToml = `
port = "/dev/ttyUSB3"
max_retries = 0
retry_backoff_ms = 250
device = "x0xb0x-mega"

[[profile]]
name = "x0xb0x-mega"
code = 0x63
flash_size = 16384
eeprom_size = 512
flash_page_size = 128
eeprom_page_size = 4
boot_starts = [0x1C00, 0x1E00, 0x1F00, 0x1F80]
`

func writeTestConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "x0xflash.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Couldn't write test config: %s", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeTestConfig(t, testConfigToml))
	if err != nil {
		t.Fatalf("Error loading config: %s", err)
	}
	if config.Port != "/dev/ttyUSB3" {
		t.Fatalf("Expected port /dev/ttyUSB3, got %s", config.Port)
	}
	// Not in the file, so it keeps the default
	if config.BaudRate != DefaultBaudRate {
		t.Fatalf("Expected default baud %d, got %d", DefaultBaudRate, config.BaudRate)
	}
	// Explicit zero must win over the default
	if config.MaxRetries != 0 {
		t.Fatalf("Expected 0 retries, got %d", config.MaxRetries)
	}
	if config.RetryBackoff() != 250*time.Millisecond {
		t.Fatalf("Expected 250ms backoff, got %s", config.RetryBackoff())
	}
	profile, err := config.Profile()
	if err != nil {
		t.Fatalf("Error finding profile: %s", err)
	}
	if profile.Name != "x0xb0x-mega" || profile.FlashPageSize != 128 || profile.BootStarts[3] != 0x1F80 {
		t.Fatalf("Profile not loaded from config: %+v", profile)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Error loading default config: %s", err)
	}
	if config.MaxRetries != DefaultMaxRetries {
		t.Fatalf("Expected %d retries, got %d", DefaultMaxRetries, config.MaxRetries)
	}
	profile, err := config.Profile()
	if err != nil || profile.Name != ATmega162.Name {
		t.Fatalf("Expected default ATmega162 profile, got %s (%v)", profile.Name, err)
	}
}

func TestLoadConfig_BadProfile(t *testing.T) {
	content := `
[[profile]]
name = "broken"
flash_size = 1000
flash_page_size = 128
boot_starts = [0, 0, 0, 0]
`
	if _, err := LoadConfig(writeTestConfig(t, content)); err == nil {
		t.Fatalf("Expected profile with partial pages to be rejected")
	}
}

func TestFindProfile(t *testing.T) {
	profile, err := FindProfile("atmega32", nil)
	if err != nil {
		t.Fatalf("Expected to find ATmega32: %s", err)
	}
	if profile.FlashSize != 32768 {
		t.Fatalf("Expected 32768 bytes of flash, got %d", profile.FlashSize)
	}
	if _, err := FindProfile("z80", nil); err == nil {
		t.Fatalf("Expected unknown profile to fail")
	}
}

func TestDeviceTableValid(t *testing.T) {
	for code, profile := range DeviceTable {
		if err := profile.Validate(); err != nil {
			t.Fatalf("Profile 0x%02X invalid: %s", code, err)
		}
		if profile.Code != code {
			t.Fatalf("Profile %s listed under 0x%02X but has code 0x%02X", profile.Name, code, profile.Code)
		}
		// The bootloader must start on a page boundary or ProgramDevice can't stop there
		for _, start := range profile.BootStarts {
			if (start*2)%profile.FlashPageSize != 0 {
				t.Fatalf("Profile %s boot start 0x%04X not page aligned", profile.Name, start)
			}
		}
	}
}

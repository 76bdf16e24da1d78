package avrprog

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Full flash cycle: find the bootloader boundary from the fuses, erase,
// then program everything below the bootloader. The bootloader region
// itself is never written.
func (p *Programmer) ProgramDevice(ctx context.Context, image []byte) (*ProgramResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fuse, err := p.readFuse('N')
	if err != nil {
		return nil, err
	}
	bootloader := p.profile.BootloaderAddress(fuse)
	log.Infof("Bootloader is at address 0x%04X (high fuse 0x%02X)", bootloader, fuse)

	if err := p.eraseFlash(); err != nil {
		return nil, err
	}

	// Unaligned images are rounded up to a whole page (padded with 0xFF by
	// programFlash) instead of being refused as an invalid range
	end := min(bootloader, AlignWidth(len(image), p.profile.FlashPageSize))
	if end < len(image) {
		log.Warnf("Image is %d bytes, only the first %d fit below the bootloader", len(image), end)
	}
	return p.programFlash(ctx, image, 0, end)
}

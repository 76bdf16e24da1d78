package avrprog

import (
	log "github.com/sirupsen/logrus"
)

// What the bootloader told us about itself
type BoardInfo struct {
	Signature string
	DeviceIDs []byte
}

// Names for the supported device codes, as far as the table knows them
func (b *BoardInfo) Supported() []string {
	return DeviceNames(b.DeviceIDs)
}

// Resynchronize the link and make sure a bootloader is listening, then ask
// which devices it supports. Returns *DeviceNotFound if nothing sensible
// answers the probe.
func (p *Programmer) FindBoard() (*BoardInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log.Infof("Attempting to locate an AVR bootloader")
	var response []byte
	for attempt := 0; attempt < ProbeAttempts; attempt++ {
		if err := p.ch.Write(ProbeCommand()); err != nil {
			return nil, err
		}
		r, err := p.ch.ReadExact(ProbeReadLength, ProbeTimeout)
		if err != nil {
			// The link may just be confused; the next escape run can fix that
			log.Warnf("Probe %d failed: %s", attempt+1, err)
			continue
		}
		response = r
		if len(response) > 0 {
			break
		}
		log.Debugf("Probe %d: no response", attempt+1)
	}

	if len(response) != SignatureLength {
		return nil, &DeviceNotFound{Reason: "check that the board is in bootloader mode"}
	}

	info := BoardInfo{Signature: string(response)}
	log.Infof("Found %s", info.Signature)

	cp := NewCommandPass(p.ch)
	cp.Send('t')
	ids := cp.Read(ProbeReadLength, AckTimeout)
	if err := cp.Err(); err != nil {
		return nil, err
	}
	// Device codes, terminated by a zero
	if len(ids) == 0 || ids[len(ids)-1] != 0x00 {
		return nil, &ProtocolFault{Op: "supported devices", Got: ids, Want: 0x00}
	}
	info.DeviceIDs = ids[:len(ids)-1]
	for _, id := range info.DeviceIDs {
		log.Debugf("Supported device code: 0x%02X", id)
	}
	return &info, nil
}

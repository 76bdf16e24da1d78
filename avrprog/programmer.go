package avrprog

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Talks the AVR-PROG bootloader protocol over a channel. A Programmer owns
// its channel exclusively: every public operation holds the lock for its
// whole duration, so operations never interleave on the wire.
type Programmer struct {
	ch      Channel
	profile DeviceProfile
	config  Config
	mu      sync.Mutex
}

// Make a programmer for the given chip. The profile is validated here so
// nothing later has to worry about odd page sizes.
func NewProgrammer(ch Channel, profile DeviceProfile, config Config) (*Programmer, error) {
	if ch == nil {
		return nil, &DeviceNotFound{Reason: "no channel"}
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Programmer{ch: ch, profile: profile, config: config}, nil
}

func (p *Programmer) Profile() DeviceProfile {
	return p.profile
}

// Point the device's address register at the given byte address
func (p *Programmer) SetAddress(byteAddr int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setAddress(byteAddr)
}

func (p *Programmer) setAddress(byteAddr int) error {
	if byteAddr%2 != 0 || byteAddr < 0 || byteAddr/2 > 0xFFFF {
		return &InvalidRange{Start: byteAddr, End: byteAddr, PageSize: p.profile.FlashPageSize,
			Reason: "address must be an even, 16 bit word address"}
	}
	cp := NewCommandPass(p.ch)
	cp.Send(AddressCommandFlashAddress(byteAddr)...)
	cp.Expect("setAddress", AckByte, AckTimeout)
	return cp.Err()
}

// Turn the on-device indicator on or off (used around long operations)
func (p *Programmer) SetIndicator(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setIndicator(on)
}

func (p *Programmer) setIndicator(on bool) error {
	cp := NewCommandPass(p.ch)
	cp.Send(IndicatorCommand(on)...)
	cp.Expect("setIndicator", AckByte, AckTimeout)
	return cp.Err()
}

func (p *Programmer) ReadFuseHigh() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readFuse('N')
}

func (p *Programmer) ReadFuseLow() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readFuse('F')
}

// Silence here means there's no bootloader at all, which is different from
// a bootloader that rejected something.
func (p *Programmer) readFuse(command byte) (byte, error) {
	cp := NewCommandPass(p.ch)
	cp.Send(command)
	b := cp.Read(1, AckTimeout)
	if err := cp.Err(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, &DeviceNotFound{Reason: "no answer to fuse read"}
	}
	return b[0], nil
}

type FuseInfo struct {
	High              byte
	Low               byte
	BootSizeSelector  int
	BootloaderAddress int
}

// Read both fuses and work out where the bootloader lives
func (p *Programmer) ReadFuses() (*FuseInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	high, err := p.readFuse('N')
	if err != nil {
		return nil, err
	}
	low, err := p.readFuse('F')
	if err != nil {
		return nil, err
	}
	return &FuseInfo{
		High:              high,
		Low:               low,
		BootSizeSelector:  BootSizeSelector(high),
		BootloaderAddress: p.profile.BootloaderAddress(high),
	}, nil
}

// Erase the whole application section. This one is slow
func (p *Programmer) EraseFlash() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eraseFlash()
}

func (p *Programmer) eraseFlash() error {
	if err := p.setIndicator(true); err != nil {
		return err
	}
	log.Infof("Erasing flash")
	cp := NewCommandPass(p.ch)
	cp.Send('e')
	cp.Expect("erase", AckByte, EraseTimeout)
	if err := cp.Err(); err != nil {
		return err
	}
	return p.setIndicator(false)
}

// Read a single flash word (high byte first on the wire)
func (p *Programmer) ReadWord(byteAddr int) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setAddress(byteAddr); err != nil {
		return 0, err
	}
	cp := NewCommandPass(p.ch)
	cp.Send('R')
	b := cp.Read(2, ReadWordTimeout)
	if err := cp.Err(); err != nil {
		return 0, err
	}
	if len(b) != 2 {
		return 0, &ProtocolFault{Op: "readWord", Got: b}
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

// Leave programming mode. Useful when an earlier session died halfway and
// left the device stuck
func (p *Programmer) LeaveProgramming() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := NewCommandPass(p.ch)
	cp.Send('L')
	cp.Expect("exit", AckByte, AckTimeout)
	return cp.Err()
}

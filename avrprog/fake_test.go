package avrprog

import (
	"errors"
	"time"
)

type fakeState int

const (
	fakeIdle fakeState = iota
	fakeArg             // waiting for the single argument byte of 'x' 'y' 'c' 'C'
	fakeAddrHigh
	fakeAddrLow
	fakeBlock // collecting a 'Z' page
)

var errFakeGlitch = errors.New("fake link glitch")

// A scripted AVR-PROG bootloader living entirely in memory. It answers the
// same way the x0xb0x bootloader does, with knobs for the odd behaviour.
type fakeBootloader struct {
	pageSize  int
	flash     []byte
	protect   int // erase leaves everything from here up alone (the bootloader)
	fuseHigh  byte
	fuseLow   byte
	signature string
	deviceIDs []byte

	noBlockMode     bool
	noAutoIncrement bool
	noSentinel      bool
	silentErase     bool
	silent          bool // answers nothing, ever
	silentProbes    int  // 'S' probes to ignore before answering
	spurious        int  // 0x3F bytes before each 'C' ack
	badHighAck      bool
	pageFaults      int // transport faults on block page payloads
	slowFaults      int // transport faults on 'C' writes
	failDrain       bool
	failNegotiation bool // transport fault reading the answer to the first 'Z'

	state      fakeState
	command    byte
	arg        byte
	addr       int // word address
	lowByte    byte
	block      []byte
	confirmed  bool
	indicator  bool
	inProgMode bool
	out        []byte

	sent        []byte // every byte that made it to the device
	commands    []byte
	addresses   []int // byte addresses asserted with 'A'
	timeouts    []time.Duration
	escapes     int
	negotiated  int
	pagesBlock  int
	wordsSlow   int
}

func newFakeBootloader() *fakeBootloader {
	f := &fakeBootloader{
		pageSize:  ATmega162.FlashPageSize,
		flash:     MakePadding(ATmega162.FlashSize),
		protect:   ATmega162.FlashSize,
		fuseHigh:  0x06,
		fuseLow:   0xFF,
		signature: "AVRBOOT",
		deviceIDs: []byte{0x63},
	}
	return f
}

func (f *fakeBootloader) fault() error {
	f.state = fakeIdle
	return &TransportFault{Op: "write", Err: errFakeGlitch}
}

func (f *fakeBootloader) Write(data []byte) error {
	if f.state == fakeBlock && f.pageFaults > 0 {
		f.pageFaults--
		return f.fault()
	}
	if f.state == fakeIdle && len(data) > 0 && data[0] == 'C' && f.slowFaults > 0 {
		f.slowFaults--
		return f.fault()
	}
	for _, b := range data {
		f.sent = append(f.sent, b)
		f.feed(b)
	}
	return nil
}

func (f *fakeBootloader) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	f.timeouts = append(f.timeouts, timeout)
	if f.failDrain && timeout == DrainTimeout {
		return nil, &TransportFault{Op: "read", Err: errFakeGlitch}
	}
	if f.failNegotiation && f.state == fakeBlock && len(f.block) == 0 && f.negotiated == 1 {
		return nil, &TransportFault{Op: "read", Err: errFakeGlitch}
	}
	if f.silent {
		f.out = nil
	}
	count := min(n, len(f.out))
	result := append([]byte{}, f.out[:count]...)
	f.out = f.out[count:]
	return result, nil
}

func (f *fakeBootloader) reply(b ...byte) {
	f.out = append(f.out, b...)
}

func (f *fakeBootloader) feed(b byte) {
	switch f.state {
	case fakeAddrHigh:
		f.arg = b
		f.state = fakeAddrLow
	case fakeAddrLow:
		f.addr = int(f.arg)<<8 | int(b)
		f.addresses = append(f.addresses, f.addr*2)
		f.state = fakeIdle
		f.reply(AckByte)
	case fakeArg:
		f.state = fakeIdle
		f.argument(b)
	case fakeBlock:
		f.block = append(f.block, b)
		if len(f.block) == f.pageSize {
			copy(f.flash[f.addr*2:], f.block)
			f.addr += f.pageSize / 2
			f.pagesBlock++
			f.state = fakeIdle
			f.reply(AckByte)
		}
	default:
		f.idle(b)
	}
}

func (f *fakeBootloader) idle(b byte) {
	if b == EscapeByte {
		f.escapes++
		return
	}
	f.commands = append(f.commands, b)
	f.command = b
	switch b {
	case 'A':
		f.state = fakeAddrHigh
	case 'x', 'y', 'c', 'C':
		f.state = fakeArg
	case 'a':
		if f.noAutoIncrement {
			f.reply('N')
		} else {
			f.reply(AutoIncrementYes)
		}
	case 'P':
		f.inProgMode = true
		f.reply(AckByte)
	case 'L':
		f.inProgMode = false
		f.reply(AckByte)
	case 'Z':
		if f.noBlockMode {
			f.reply(BlockUnsupported)
			return
		}
		if !f.confirmed {
			f.confirmed = true
			f.negotiated++
			f.reply(AckByte)
		}
		f.block = f.block[:0]
		f.state = fakeBlock
	case 'E':
		start := f.addr * 2
		copy(f.flash[start:start+f.pageSize], MakePadding(f.pageSize))
		f.reply(AckByte)
	case 'e':
		copy(f.flash[:f.protect], MakePadding(f.protect))
		if !f.silentErase {
			f.reply(AckByte)
		}
	case 'm':
		f.reply(AckByte)
	case 'N':
		f.reply(f.fuseHigh)
	case 'F':
		f.reply(f.fuseLow)
	case 'R':
		f.reply(f.flash[f.addr*2+1], f.flash[f.addr*2])
		f.addr++
	case 'S':
		if f.silentProbes > 0 {
			f.silentProbes--
			return
		}
		f.reply([]byte(f.signature)...)
	case 't':
		f.reply(f.deviceIDs...)
		if !f.noSentinel {
			f.reply(0x00)
		}
	default:
		f.reply('?')
	}
}

func (f *fakeBootloader) argument(b byte) {
	switch f.command {
	case 'x':
		f.indicator = true
		f.reply(AckByte)
	case 'y':
		f.indicator = false
		f.reply(AckByte)
	case 'c':
		f.lowByte = b
		f.reply(AckByte)
	case 'C':
		f.flash[f.addr*2] = f.lowByte
		f.flash[f.addr*2+1] = b
		f.addr++
		f.wordsSlow++
		for i := 0; i < f.spurious; i++ {
			f.reply(SpuriousAck)
		}
		if f.badHighAck {
			f.reply(0x55)
		} else {
			f.reply(AckByte)
		}
	}
}

func (f *fakeBootloader) count(command byte) int {
	total := 0
	for _, c := range f.commands {
		if c == command {
			total++
		}
	}
	return total
}

// Config without any waiting between retries
func testConfig() Config {
	config := DefaultConfig()
	config.RetryBackoffMs = 0
	return config
}

func newTestProgrammer(f *fakeBootloader) *Programmer {
	p, err := NewProgrammer(f, ATmega162, testConfig())
	if err != nil {
		panic(err)
	}
	return p
}

// Image where every byte is different from its neighbours and never 0xFF
func patternImage(length int) []byte {
	image := make([]byte, length)
	for i := range image {
		image[i] = byte(i % 0xFB)
	}
	return image
}

package avrprog

import (
	"time"
)

// Runs a fixed sequence of commands against a channel, remembering the
// first error. Once something fails, every later step is skipped, so a
// sequence can be written straight through and checked once at the end.
type CommandPass struct {
	ch  Channel
	err error
}

func NewCommandPass(ch Channel) *CommandPass {
	return &CommandPass{ch: ch}
}

func (cp *CommandPass) Send(data ...byte) {
	if cp.err != nil {
		return
	}
	cp.err = cp.ch.Write(data)
}

// Read up to n bytes. A short read is not an error here, that's up to the caller
func (cp *CommandPass) Read(n int, timeout time.Duration) []byte {
	if cp.err != nil {
		return nil
	}
	var result []byte
	result, cp.err = cp.ch.ReadExact(n, timeout)
	return result
}

// Read exactly one byte and require it to be want
func (cp *CommandPass) Expect(op string, want byte, timeout time.Duration) {
	if cp.err != nil {
		return
	}
	cp.err = expectByte(cp.ch, op, want, timeout)
}

func (cp *CommandPass) Err() error {
	return cp.err
}

func expectByte(ch Channel, op string, want byte, timeout time.Duration) error {
	b, err := ch.ReadExact(1, timeout)
	if err != nil {
		return err
	}
	if len(b) != 1 || b[0] != want {
		return &ProtocolFault{Op: op, Got: b, Want: want}
	}
	return nil
}

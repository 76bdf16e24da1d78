package avrprog

import (
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 19200
)

// A byte-oriented duplex link. Only one request/response pair is ever
// outstanding; the channel itself knows nothing about the protocol.
type Channel interface {
	// Send all bytes. Returns *TransportFault if the link fails.
	Write(data []byte) error
	// Read up to n bytes, giving up once timeout elapses. A short (or empty)
	// result is how the protocol detects "no response", so it is not an error.
	// Returns *TransportFault only when the link itself fails.
	ReadExact(n int, timeout time.Duration) ([]byte, error)
}

// Channel implementation over a real serial port
type SerialChannel struct {
	Port string
	port serial.Port
}

// Open the given serial port (8N1). Use "any" (or nothing) to pick the
// first usable port found on the system.
func OpenSerial(portName string, baud int) (*SerialChannel, error) {
	if portName == "" || portName == "any" {
		devices, err := GetBasicDevices()
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, &DeviceNotFound{Reason: "no serial ports found"}
		}
		portName = devices[0].Port
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	// Whatever was sitting in the buffer is from some earlier session
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, &TransportFault{Op: "reset input", Err: err}
	}
	log.Debugf("Opened %s at %d baud", portName, baud)
	return newSerialChannel(portName, port), nil
}

func newSerialChannel(name string, port serial.Port) *SerialChannel {
	return &SerialChannel{Port: name, port: port}
}

// Write the entire buffer, looping over partial writes (blocking)
func (s *SerialChannel) Write(data []byte) error {
	for len(data) > 0 {
		n, err := s.port.Write(data)
		if err != nil {
			return &TransportFault{Op: "write", Err: err}
		}
		if n == 0 {
			return &TransportFault{Op: "write", Err: io.ErrShortWrite}
		}
		data = data[n:]
	}
	return nil
}

// The port timeout is set before every read, so a long wait (like the erase)
// never leaks into the next operation.
func (s *SerialChannel) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	result := make([]byte, 0, n)
	buf := make([]byte, n)
	deadline := time.Now().Add(timeout)
	for len(result) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return result, &TransportFault{Op: "set timeout", Err: err}
		}
		count, err := s.port.Read(buf[:n-len(result)])
		if err != nil {
			return result, &TransportFault{Op: "read", Err: err}
		}
		if count == 0 {
			break // timed out
		}
		result = append(result, buf[:count]...)
	}
	return result, nil
}

func (s *SerialChannel) Close() error {
	return s.port.Close()
}

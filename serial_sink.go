package reddust

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialConnState is used to indicate the connection state of a serial sink.
type SerialConnState int

// Names for the possible values of SerialConnState
const (
	SerialDisconnected SerialConnState = iota // No port opened yet
	SerialConnecting                          // OpenPort in progress
	SerialConnected                           // Port open, writable
	SerialFailed                              // Last open or write failed
)

func (s SerialConnState) String() string {
	switch s {
	case SerialDisconnected:
		return "disconnected"
	case SerialConnecting:
		return "connecting"
	case SerialConnected:
		return "connected"
	case SerialFailed:
		return "failed"
	}
	return fmt.Sprintf("SerialConnState(%d)", int(s))
}

// DefaultBaudRate applies when a serial sink config omits the baud rate.
const DefaultBaudRate = 9600

// SerialSink transmits remapped values as ASCII lines over a serial port.
// The port is never opened at construction: the operator selects a device
// explicitly, and reconnection is an explicit single-shot retry.
type SerialSink struct {
	sinkBase
	device    string
	baud      int
	port      serial.Port
	connState SerialConnState
}

// NewSerialSink creates a serial sink for the given device path. The port
// stays closed until OpenPort is called.
func NewSerialSink(name, device string, baud int, remapMin, remapMax float64) *SerialSink {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &SerialSink{
		sinkBase:  sinkBase{name: name, remapMin: remapMin, remapMax: remapMax},
		device:    device,
		baud:      baud,
		connState: SerialDisconnected,
	}
}

// ListSerialPorts enumerates the serial devices visible on this host.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Transport classifies the sink under the serial output timer.
func (s *SerialSink) Transport() TransportClass { return SerialClass }

// Describe returns a short human-readable target description.
func (s *SerialSink) Describe() string {
	return fmt.Sprintf("Serial %s -> %s @%d baud (%s)", s.name, s.device, s.baud, s.connState)
}

// Device returns the configured device path.
func (s *SerialSink) Device() string { return s.device }

// ConnState returns the sink's connection state.
func (s *SerialSink) ConnState() SerialConnState { return s.connState }

// IsConnected reports whether the port is open and writable.
func (s *SerialSink) IsConnected() bool {
	return s.connState == SerialConnected && s.port != nil
}

// OpenPort opens the configured device. Any existing connection is closed
// first and the failure flag reset.
func (s *SerialSink) OpenPort() error {
	s.Close()
	s.connState = SerialConnecting

	port, err := serial.Open(s.device, &serial.Mode{BaudRate: s.baud})
	if err != nil {
		ProblemLogger.Printf("could not open serial port %s for %s: %v", s.device, s.name, err)
		s.connState = SerialFailed
		return err
	}
	s.port = port
	s.connState = SerialConnected
	UpdateLogger.Printf("opened serial port %s for %s at %d baud", s.device, s.name, s.baud)
	return nil
}

// Reconnect re-attempts to open the configured device.
func (s *SerialSink) Reconnect() error {
	return s.OpenPort()
}

// UpdatePort switches to a new device path and opens it.
func (s *SerialSink) UpdatePort(device string) error {
	s.device = device
	return s.OpenPort()
}

// Send remaps the normalized value and writes one "value,timestamp" line. A
// write failure closes the port and marks the sink failed; the operator
// reconnects explicitly.
func (s *SerialSink) Send(normalized float64, stamp time.Time) (float64, bool) {
	if !s.streaming || !s.IsConnected() {
		return 0, false
	}
	output := s.Remap(normalized)
	line := fmt.Sprintf("%.6f,%s\n", output, isoTimestamp(stamp))
	if _, err := s.port.Write([]byte(line)); err != nil {
		ProblemLogger.Printf("could not send serial message for %s: %v", s.name, err)
		s.port.Close()
		s.port = nil
		s.connState = SerialFailed
		return 0, false
	}
	return output, true
}

// Close releases the serial port. Idempotent.
func (s *SerialSink) Close() error {
	if s.port == nil {
		s.connState = SerialDisconnected
		return nil
	}
	err := s.port.Close()
	if err != nil {
		ProblemLogger.Printf("error closing serial port for %s: %v", s.name, err)
	} else {
		UpdateLogger.Printf("closed serial port for %s", s.name)
	}
	s.port = nil
	s.connState = SerialDisconnected
	return err
}

// Config returns the sink's serializable configuration.
func (s *SerialSink) Config() SinkConfig {
	return SinkConfig{
		Type:             SinkTypeSerial,
		Name:             s.name,
		Device:           s.device,
		Baud:             s.baud,
		RemapMin:         s.remapMin,
		RemapMax:         s.remapMax,
		StreamingEnabled: s.streaming,
	}
}

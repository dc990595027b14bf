package reddust

import (
	"fmt"
	"net"

	"time"

	"github.com/reddustproject/reddust/internal/osc"
)

// OSCSink transmits remapped values as OSC messages in UDP datagrams. Sends
// are fire-and-forget: there is no retry, and failures never disable the
// sink.
type OSCSink struct {
	sinkBase
	address string // OSC address path, e.g. "/red_dust/object1"
	host    string
	port    int
	conn    *net.UDPConn
}

// NewOSCSink creates a network sink targeting host:port. A dial failure is
// logged and leaves the sink transportless; Send then reports ok=false until
// the sink is recreated.
func NewOSCSink(name, address, host string, port int, remapMin, remapMax float64) *OSCSink {
	s := &OSCSink{
		sinkBase: sinkBase{name: name, remapMin: remapMin, remapMax: remapMax},
		address:  address,
		host:     host,
		port:     port,
	}
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err == nil {
		s.conn, err = net.DialUDP("udp", nil, raddr)
	}
	if err != nil {
		ProblemLogger.Printf("could not create OSC client for %s at %s:%d: %v", name, host, port, err)
		s.conn = nil
		return s
	}
	UpdateLogger.Printf("created OSC client for %s at %s:%d", name, host, port)
	return s
}

// Transport classifies the sink under the network output timer.
func (s *OSCSink) Transport() TransportClass { return NetworkClass }

// Describe returns a short human-readable target description.
func (s *OSCSink) Describe() string {
	return fmt.Sprintf("OSC %s -> %s:%d%s", s.name, s.host, s.port, s.address)
}

// AddressPath returns the configured OSC address path.
func (s *OSCSink) AddressPath() string { return s.address }

// Send remaps the normalized value and transmits one OSC message carrying
// (float32 value, string ISO-8601 timestamp).
func (s *OSCSink) Send(normalized float64, stamp time.Time) (float64, bool) {
	if !s.streaming || s.conn == nil {
		return 0, false
	}
	output := s.Remap(normalized)

	msg := osc.Message{Address: s.address}
	msg.AppendFloat32(float32(output))
	msg.AppendString(isoTimestamp(stamp))
	payload, err := msg.MarshalBinary()
	if err != nil {
		ProblemLogger.Printf("could not encode OSC message for %s: %v", s.name, err)
		return 0, false
	}
	if _, err := s.conn.Write(payload); err != nil {
		ProblemLogger.Printf("could not send OSC message for %s: %v", s.name, err)
		return 0, false
	}
	return output, true
}

// Close releases the UDP socket. Idempotent.
func (s *OSCSink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Config returns the sink's serializable configuration.
func (s *OSCSink) Config() SinkConfig {
	return SinkConfig{
		Type:             SinkTypeOSC,
		Name:             s.name,
		Address:          s.address,
		Host:             s.host,
		Port:             s.port,
		RemapMin:         s.remapMin,
		RemapMax:         s.remapMax,
		StreamingEnabled: s.streaming,
	}
}

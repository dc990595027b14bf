// Package osc encodes Open Sound Control 1.0 messages for transmission in
// UDP datagrams. Only the argument types this system emits are supported:
// float32 ('f') and string ('s').
package osc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Message is one OSC message: an address path plus ordered arguments.
type Message struct {
	Address string
	tags    []byte
	args    [][]byte
}

// AppendFloat32 adds a float32 ('f') argument.
func (m *Message) AppendFloat32(v float32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	m.tags = append(m.tags, 'f')
	m.args = append(m.args, buf)
}

// AppendString adds a string ('s') argument.
func (m *Message) AppendString(s string) {
	m.tags = append(m.tags, 's')
	m.args = append(m.args, padString(s))
}

// MarshalBinary renders the message in OSC 1.0 wire format: padded address,
// padded typetag string (",..."), then the padded arguments in order.
func (m Message) MarshalBinary() ([]byte, error) {
	if !strings.HasPrefix(m.Address, "/") {
		return nil, fmt.Errorf("OSC address %q must begin with '/'", m.Address)
	}
	out := padString(m.Address)
	out = append(out, padString(","+string(m.tags))...)
	for _, arg := range m.args {
		out = append(out, arg...)
	}
	return out, nil
}

// padString renders an OSC string: the bytes, a terminating NUL, then zero
// padding up to a 4-byte boundary.
func padString(s string) []byte {
	n := len(s) + 1 // content plus NUL
	padded := (n + 3) &^ 3
	out := make([]byte, padded)
	copy(out, s)
	return out
}

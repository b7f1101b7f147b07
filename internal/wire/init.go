package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ConnectionType identifies why a secondary instance is dialing the
// primary. It is the second field of the init message.
type ConnectionType uint8

const (
	// InvalidConnection is the zero value. It is never sent deliberately
	// and a listener always rejects it.
	InvalidConnection ConnectionType = iota
	// NewInstance means a fresh launch that wants the primary to treat it
	// as an activation request.
	NewInstance
	// SecondaryInstance means a fresh launch that should only be announced
	// to the primary if it opted in to secondary notifications.
	SecondaryInstance
	// Reconnect means an already-registered instance reopening a
	// message-only connection. It never announces an instance start.
	Reconnect
)

func (t ConnectionType) String() string {
	switch t {
	case NewInstance:
		return "new-instance"
	case SecondaryInstance:
		return "secondary-instance"
	case Reconnect:
		return "reconnect"
	}
	return "invalid"
}

// InitMessage is the first payload a secondary sends after connecting.
type InitMessage struct {
	BlockID    string
	Kind       ConnectionType
	InstanceID uint32
}

// initOverhead is the per-message byte cost beyond the token itself:
// u32 token length, u8 type, u32 instance id, u16 crc.
const initOverhead = 4 + 1 + 4 + 2

// Encode serializes the init message, appending the CRC of everything that
// precedes it.
func (m InitMessage) Encode() []byte {
	buf := make([]byte, 0, len(m.BlockID)+initOverhead)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.BlockID)))
	buf = append(buf, m.BlockID...)
	buf = append(buf, byte(m.Kind))
	buf = binary.BigEndian.AppendUint32(buf, m.InstanceID)
	return binary.BigEndian.AppendUint16(buf, Checksum(buf))
}

// DecodeInit parses and validates an init message. It fails on truncated
// input, trailing garbage, a CRC mismatch, or an unknown connection type;
// token validation is the caller's job since only it knows its own token.
func DecodeInit(data []byte) (InitMessage, error) {
	var m InitMessage
	if len(data) < initOverhead {
		return m, errors.Errorf("init message too short: %d bytes", len(data))
	}
	tokenLen := binary.BigEndian.Uint32(data)
	if int(tokenLen) != len(data)-initOverhead {
		return m, errors.Errorf("init message length mismatch: token claims %d bytes, %d present", tokenLen, len(data)-initOverhead)
	}
	body, sum := data[:len(data)-2], binary.BigEndian.Uint16(data[len(data)-2:])
	if actual := Checksum(body); actual != sum {
		return m, errors.Errorf("init message checksum mismatch: %#04x != %#04x", actual, sum)
	}
	m.BlockID = string(data[4 : 4+tokenLen])
	m.Kind = ConnectionType(data[4+tokenLen])
	m.InstanceID = binary.BigEndian.Uint32(data[5+tokenLen:])
	if m.Kind == InvalidConnection || m.Kind > Reconnect {
		return m, errors.Errorf("unknown connection type %d", m.Kind)
	}
	return m, nil
}

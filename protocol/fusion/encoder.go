package fusion

import (
	"encoding/binary"

	"github.com/c360/navrunner/errors"
)

// Encoder frames outbound FusionEngine messages. Sequence numbers increase
// monotonically per encoder instance.
type Encoder struct {
	sequence uint32
	sourceID uint32
}

// NewEncoder creates an encoder with source identifier 0.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode frames msg (one of the payload structs in this package) into a
// complete wire message.
func (e *Encoder) Encode(msg any) ([]byte, error) {
	payload, msgType, err := encodePayload(msg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Encoder", "Encode", "encode payload")
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = SyncByte0
	out[1] = SyncByte1
	binary.LittleEndian.PutUint16(out[2:4], 0)
	out[8] = ProtocolVersion
	out[9] = 0
	binary.LittleEndian.PutUint16(out[10:12], uint16(msgType))
	binary.LittleEndian.PutUint32(out[12:16], e.sequence)
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[20:24], e.sourceID)
	copy(out[HeaderSize:], payload)

	binary.LittleEndian.PutUint32(out[4:8], crcOf(out[8:HeaderSize], payload))

	e.sequence++
	return out, nil
}

// Package rtcm implements framing for RTCM 10403 (RTCM3) style binary
// messages. The session orchestrator uses it purely for diagnostic counting
// of correction and vendor diagnostic traffic; payloads are not interpreted.
package rtcm

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/navrunner/protocol"
)

const (
	// Preamble marks the start of every RTCM3 frame.
	Preamble = 0xD3

	// headerSize covers the preamble byte plus the 6 reserved bits and
	// 10-bit payload length.
	headerSize = 3

	// crcSize is the trailing CRC-24Q length.
	crcSize = 3

	// maxPayloadSize is the protocol's 10-bit length limit.
	maxPayloadSize = 1023
)

// Message is a framed RTCM message. The payload is opaque.
type Message struct {
	MessageID uint16
	Payload   []byte
}

// Framer extracts RTCM3 frames from a mixed byte stream. Invalid framing is
// skipped byte-by-byte; it never errors.
type Framer struct {
	buf []byte
}

// NewFramer creates a stream framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Reset discards any partially accumulated frame bytes.
func (f *Framer) Reset() {
	f.buf = nil
}

// OnData feeds bytes to the framer and returns all frames completed by this
// chunk, in stream order.
func (f *Framer) OnData(data []byte) []protocol.Frame {
	f.buf = append(f.buf, data...)

	var frames []protocol.Frame
	for {
		frame, ok := f.next()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

func (f *Framer) next() (protocol.Frame, bool) {
	for {
		idx := -1
		for i, b := range f.buf {
			if b == Preamble {
				idx = i
				break
			}
		}
		if idx < 0 {
			f.buf = nil
			return protocol.Frame{}, false
		}
		f.buf = f.buf[idx:]

		if len(f.buf) < headerSize {
			return protocol.Frame{}, false
		}

		payloadLen := int(binary.BigEndian.Uint16(f.buf[1:3]) & 0x03FF)
		total := headerSize + payloadLen + crcSize
		if len(f.buf) < total {
			return protocol.Frame{}, false
		}

		body := f.buf[:headerSize+payloadLen]
		wantCRC := uint32(f.buf[total-3])<<16 | uint32(f.buf[total-2])<<8 | uint32(f.buf[total-1])
		if crc24q(body) != wantCRC {
			f.buf = f.buf[1:]
			continue
		}

		payload := make([]byte, payloadLen)
		copy(payload, f.buf[headerSize:headerSize+payloadLen])
		raw := make([]byte, total)
		copy(raw, f.buf[:total])
		f.buf = f.buf[total:]

		// The message number is the first 12 bits of the payload.
		var msgID uint16
		if payloadLen >= 2 {
			msgID = binary.BigEndian.Uint16(payload[:2]) >> 4
		}

		return protocol.Frame{
			Descriptor: fmt.Sprintf("rtcm.%d", msgID),
			Payload:    Message{MessageID: msgID, Payload: payload},
			Raw:        raw,
		}, true
	}
}

// Encode frames a payload as a complete RTCM3 message. Used by tests and
// diagnostic tooling; the orchestrator never transmits RTCM itself.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("rtcm: payload size %d exceeds %d", len(payload), maxPayloadSize)
	}

	out := make([]byte, headerSize+len(payload)+crcSize)
	out[0] = Preamble
	binary.BigEndian.PutUint16(out[1:3], uint16(len(payload))&0x03FF)
	copy(out[headerSize:], payload)

	crc := crc24q(out[:headerSize+len(payload)])
	out[headerSize+len(payload)] = byte(crc >> 16)
	out[headerSize+len(payload)+1] = byte(crc >> 8)
	out[headerSize+len(payload)+2] = byte(crc)
	return out, nil
}

// crc24q computes the CRC-24Q checksum (polynomial 0x1864CFB) used by RTCM3.
func crc24q(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << 16
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= 0x1864CFB
			}
		}
	}
	return crc & 0xFFFFFF
}

// Ensure Framer satisfies the capability interface.
var _ protocol.Decoder = (*Framer)(nil)

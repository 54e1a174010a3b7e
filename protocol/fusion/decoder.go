package fusion

import (
	"encoding/binary"

	"github.com/c360/navrunner/protocol"
)

// Decoder extracts FusionEngine messages from a mixed byte stream. Bytes that
// do not frame a valid message (wrong sync, oversized payload, CRC mismatch)
// are skipped one at a time so interleaved NMEA/RTCM traffic never derails it.
type Decoder struct {
	buf []byte
}

// NewDecoder creates a stream decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Reset discards any partially accumulated message bytes.
func (d *Decoder) Reset() {
	d.buf = nil
}

// OnData feeds bytes to the decoder and returns all messages completed by
// this chunk, in stream order. Safe to call with a single byte or a bulk read.
func (d *Decoder) OnData(data []byte) []protocol.Frame {
	d.buf = append(d.buf, data...)

	var frames []protocol.Frame
	for {
		frame, ok := d.next()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

// next attempts to extract one complete message from the front of the buffer.
// Returns false when more bytes are needed.
func (d *Decoder) next() (protocol.Frame, bool) {
	for {
		// Find the sync pair.
		idx := d.findSync()
		if idx < 0 {
			// Keep at most one trailing byte in case it is the first half of
			// a sync pair split across reads.
			if n := len(d.buf); n > 1 {
				d.buf = d.buf[n-1:]
			}
			return protocol.Frame{}, false
		}
		d.buf = d.buf[idx:]

		if len(d.buf) < HeaderSize {
			return protocol.Frame{}, false
		}

		var h header
		h.Sync0 = d.buf[0]
		h.Sync1 = d.buf[1]
		h.Reserved = binary.LittleEndian.Uint16(d.buf[2:4])
		h.CRC = binary.LittleEndian.Uint32(d.buf[4:8])
		h.ProtocolVersion = d.buf[8]
		h.MessageVersion = d.buf[9]
		h.MessageType = binary.LittleEndian.Uint16(d.buf[10:12])
		h.Sequence = binary.LittleEndian.Uint32(d.buf[12:16])
		h.PayloadSize = binary.LittleEndian.Uint32(d.buf[16:20])
		h.SourceID = binary.LittleEndian.Uint32(d.buf[20:24])

		if h.PayloadSize > MaxPayloadSize {
			// Corrupt header. Skip the first sync byte and rescan.
			d.buf = d.buf[1:]
			continue
		}

		total := HeaderSize + int(h.PayloadSize)
		if len(d.buf) < total {
			return protocol.Frame{}, false
		}

		raw := d.buf[:total]
		payload := raw[HeaderSize:]
		if crcOf(raw[8:HeaderSize], payload) != h.CRC {
			// Not a real message boundary. Skip one byte and rescan.
			d.buf = d.buf[1:]
			continue
		}

		msgType := MessageType(h.MessageType)
		decoded, err := decodePayload(msgType, payload)
		if err != nil {
			// Framing was valid but the payload is malformed for its type.
			// Surface the frame with a nil payload rather than dropping the
			// bytes; callers count raw bytes regardless.
			decoded = nil
		}

		rawCopy := make([]byte, total)
		copy(rawCopy, raw)
		d.buf = d.buf[total:]

		return protocol.Frame{
			Descriptor: msgType.Descriptor(),
			Payload:    decoded,
			Raw:        rawCopy,
		}, true
	}
}

func (d *Decoder) findSync() int {
	for i := 0; i+1 < len(d.buf); i++ {
		if d.buf[i] == SyncByte0 && d.buf[i+1] == SyncByte1 {
			return i
		}
	}
	return -1
}

// Package protocol defines the decoder capability consumed by the session
// orchestrator: feed raw bytes in, receive complete typed messages plus the
// exact bytes that produced each one.
//
// Concrete decoders live in the fusion, nmea, and rtcm sub-packages. All of
// them tolerate arbitrary garbage between messages and support being fed one
// byte at a time or in bulk chunks.
package protocol

// Frame is one decoded message: a descriptor identifying the message within
// its protocol, a typed payload, and the exact raw bytes of the full message
// including framing.
type Frame struct {
	Descriptor string // e.g. "fusion.pose", "nmea.GPGGA", "rtcm.1005"
	Payload    any
	Raw        []byte
}

// Decoder consumes raw bytes and produces zero or more complete frames per
// call. Implementations never fail on malformed input; unrecognized data is
// skipped, not fatal.
type Decoder interface {
	// OnData feeds bytes to the decoder and returns all frames completed by
	// this chunk, in stream order.
	OnData(data []byte) []Frame

	// Reset discards any partially accumulated frame state.
	Reset()
}

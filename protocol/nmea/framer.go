package nmea

import (
	"strconv"
	"strings"

	"github.com/c360/navrunner/protocol"
)

// Framer extracts complete, checksum-valid NMEA sentences from a mixed byte
// stream. Each returned frame's Raw is the full sentence including the $
// prefix and trailing newline; Payload is the sentence string.
type Framer struct {
	buffer string
}

// NewFramer creates a stream framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Reset discards any partially accumulated sentence bytes.
func (f *Framer) Reset() {
	f.buffer = ""
}

// OnData feeds bytes to the framer and returns all sentences completed by
// this chunk, in stream order.
func (f *Framer) OnData(data []byte) []protocol.Frame {
	buffer := f.buffer + string(data)
	candidates := strings.Split(buffer, "\n")
	f.buffer = candidates[len(candidates)-1]
	candidates = candidates[:len(candidates)-1]

	var frames []protocol.Frame
	for _, candidate := range candidates {
		sentence, ok := validate(candidate)
		if !ok {
			continue
		}
		frames = append(frames, protocol.Frame{
			Descriptor: "nmea." + SentenceID(sentence),
			Payload:    sentence,
			Raw:        []byte(sentence),
		})
	}
	return frames
}

// validate checks one newline-terminated candidate and returns the framed
// sentence (with trailing \n restored) if it is a valid NMEA string.
func validate(candidate string) (string, bool) {
	// Search for the start of a NMEA string, ignoring any content before it.
	// Characters before the last $ cannot be part of a valid sentence:
	//   bogus$GPGGA...*XX\r\n
	//        ^-- find this
	startIdx := strings.LastIndexByte(candidate, '$')
	if startIdx < 0 {
		return "", false
	}

	sentence := candidate[startIdx:] + "\n"
	body := candidate[startIdx+1:]

	// Strip trailing \r characters. Normally a sentence ends in a single \r\n
	// but some producers (RTKLIB) emit runs of \r.
	body = strings.TrimRight(body, "\r")

	// Talker+message ID (allow as small as 1 char) plus a *XX checksum.
	if len(body) < 1+3 {
		return "", false
	}

	if body[len(body)-3] != '*' {
		return "", false
	}

	expected, err := strconv.ParseUint(body[len(body)-2:], 16, 8)
	if err != nil {
		return "", false
	}
	body = body[:len(body)-3]

	if !validContents.MatchString(body) {
		return "", false
	}

	var checksum byte
	for i := 0; i < len(body); i++ {
		checksum ^= body[i]
	}
	if checksum != byte(expected) {
		return "", false
	}

	return sentence, true
}

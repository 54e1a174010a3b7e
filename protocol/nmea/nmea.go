// Package nmea implements framing, checksum validation, and sentence
// construction for NMEA 0183 style ASCII data.
package nmea

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/c360/navrunner/protocol"
)

// A NMEA payload may contain any displayable ASCII character except $ and *,
// which denote the start and end of a message. This corresponds to 0x20-0x7E
// excluding 0x24 and 0x2A.
var validContents = regexp.MustCompile(`^[\x20-\x23\x25-\x29\x2B-\x7E]+$`)

// Checksum computes the XOR checksum of a sentence body. A leading $ and any
// trailing *XX checksum are stripped before computation.
func Checksum(sentence string) byte {
	sentence = strings.TrimPrefix(sentence, "$")
	if idx := strings.LastIndexByte(sentence, '*'); idx >= 0 {
		sentence = sentence[:idx]
	}

	var checksum byte
	for i := 0; i < len(sentence); i++ {
		checksum ^= sentence[i]
	}
	return checksum
}

// AppendChecksum appends the *XX checksum trailer and CRLF terminator to a
// sentence body (with or without the leading $).
func AppendChecksum(sentence string) string {
	if !strings.HasPrefix(sentence, "$") {
		sentence = "$" + sentence
	}
	return fmt.Sprintf("%s*%02X\r\n", sentence, Checksum(sentence))
}

// SentenceID returns the talker+message identifier of a framed sentence,
// e.g. "GPGGA" for "$GPGGA,...*XX". Empty if the sentence is malformed.
func SentenceID(sentence string) string {
	sentence = strings.TrimPrefix(sentence, "$")
	end := strings.IndexByte(sentence, ',')
	if end < 0 {
		end = strings.LastIndexByte(sentence, '*')
		if end < 0 {
			return ""
		}
	}
	return sentence[:end]
}

// IsGGA reports whether the sentence is a GGA position fix from any talker.
func IsGGA(sentence string) bool {
	sentence = strings.TrimPrefix(sentence, "$")
	return len(sentence) >= 6 && sentence[2:6] == "GGA,"
}

// FormatGGA constructs a checksummed GGA sentence reporting the given
// position. The ellipsoid height is reported with a zero geoid undulation and
// fix quality 1 (standalone GNSS); satellite fields are left unpopulated.
// Base station association only needs an approximate location.
func FormatGGA(latDeg, lonDeg, heightM float64, t time.Time) string {
	t = t.UTC()
	body := fmt.Sprintf("$GPGGA,%s,%s,%s,1,,,%.2f,M,0.0,M,,",
		t.Format("150405.000000"),
		degToDDMM(latDeg, false),
		degToDDMM(lonDeg, true),
		heightM)
	return AppendChecksum(body)
}

// degToDDMM converts decimal degrees to the NMEA ddmm.mmmmmmmm,<dir> form.
func degToDDMM(angleDeg float64, isLongitude bool) string {
	var direction string
	if isLongitude {
		direction = "E"
		if angleDeg < 0 {
			direction = "W"
		}
	} else {
		direction = "N"
		if angleDeg < 0 {
			direction = "S"
		}
	}

	absDeg := math.Abs(angleDeg)
	degree := math.Floor(absDeg)
	minute := (absDeg - degree) * 60.0

	return fmt.Sprintf("%d%011.8f,%s", int(degree), minute, direction)
}

// Ensure Framer satisfies the capability interface.
var _ protocol.Decoder = (*Framer)(nil)

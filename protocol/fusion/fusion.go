// Package fusion implements framing and message codecs for the FusionEngine
// style binary protocol spoken by the positioning device.
//
// Wire format (all fields little-endian):
//
//	offset size field
//	0      1    sync0 (0x2E, '.')
//	1      1    sync1 (0x31, '1')
//	2      2    reserved
//	4      4    crc (IEEE CRC-32 over bytes 8..end of payload)
//	8      1    protocol version
//	9      1    message version
//	10     2    message type
//	12     4    sequence number
//	16     4    payload size (bytes)
//	20     4    source identifier
//	24     N    payload
package fusion

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/c360/navrunner/protocol"
)

const (
	// SyncByte0 and SyncByte1 mark the start of every message.
	SyncByte0 = 0x2E
	SyncByte1 = 0x31

	// HeaderSize is the fixed size of the message header in bytes.
	HeaderSize = 24

	// ProtocolVersion is the protocol version emitted by the encoder.
	ProtocolVersion = 2

	// MaxPayloadSize bounds the payload length accepted by the decoder.
	// Larger values indicate a corrupted header and restart the sync search.
	MaxPayloadSize = 4096
)

// MessageType identifies a FusionEngine message.
type MessageType uint16

const (
	MessageTypeInvalid           MessageType = 0
	MessageTypePose              MessageType = 10000
	MessageTypeCalibrationStatus MessageType = 10500
	MessageTypeCommandResponse   MessageType = 13000
	MessageTypeResetRequest      MessageType = 13002
	MessageTypeVersionInfo       MessageType = 13003
)

// String returns the short lowercase name used in frame descriptors.
func (t MessageType) String() string {
	switch t {
	case MessageTypePose:
		return "pose"
	case MessageTypeCalibrationStatus:
		return "calibration_status"
	case MessageTypeCommandResponse:
		return "command_response"
	case MessageTypeResetRequest:
		return "reset_request"
	case MessageTypeVersionInfo:
		return "version_info"
	default:
		return fmt.Sprintf("unknown_%d", uint16(t))
	}
}

// Descriptor returns the protocol.Frame descriptor for this message type.
func (t MessageType) Descriptor() string {
	return "fusion." + t.String()
}

// header is the fixed-size wire header.
type header struct {
	Sync0           uint8
	Sync1           uint8
	Reserved        uint16
	CRC             uint32
	ProtocolVersion uint8
	MessageVersion  uint8
	MessageType     uint16
	Sequence        uint32
	PayloadSize     uint32
	SourceID        uint32
}

// SolutionType describes the quality of a position fix.
type SolutionType uint8

const (
	SolutionInvalid     SolutionType = 0
	SolutionAutonomous  SolutionType = 1
	SolutionDGPS        SolutionType = 2
	SolutionRTKFixed    SolutionType = 4
	SolutionRTKFloat    SolutionType = 5
	SolutionIntegrate   SolutionType = 6
	SolutionDeadReckon  SolutionType = 7
	SolutionVisionAided SolutionType = 8
)

// String returns a human-readable solution type name.
func (s SolutionType) String() string {
	switch s {
	case SolutionInvalid:
		return "Invalid"
	case SolutionAutonomous:
		return "Autonomous"
	case SolutionDGPS:
		return "DGPS"
	case SolutionRTKFixed:
		return "RTKFixed"
	case SolutionRTKFloat:
		return "RTKFloat"
	case SolutionIntegrate:
		return "Integrate"
	case SolutionDeadReckon:
		return "DeadReckoning"
	case SolutionVisionAided:
		return "VisionAided"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Pose is a navigation solution epoch.
type Pose struct {
	P1TimeSec    float64
	GPSTimeSec   float64
	LatDeg       float64
	LonDeg       float64
	AltM         float64
	SolutionType SolutionType
}

// Reset masks for ResetRequest.
const (
	ResetHotStart           uint32 = 0x000000FF
	ResetWarmStart          uint32 = 0x0000FFFF
	ResetPVT                uint32 = 0x000001FF
	ResetColdStart          uint32 = 0xFFFFFFFF
	ResetDiagnosticLogReset uint32 = 0x00400000
)

// ResetRequest asks the device to restart its navigation engine.
type ResetRequest struct {
	ResetMask uint32
}

// Response codes carried by CommandResponse.
const (
	ResponseOK            uint8 = 0
	ResponseUnsupported   uint8 = 1
	ResponseValueError    uint8 = 2
	ResponseUnavailable   uint8 = 3
	ResponseIncompatible  uint8 = 4
	ResponseDataCorrupted uint8 = 5
)

// CommandResponse acknowledges a previously issued command.
type CommandResponse struct {
	SourceSequence uint32
	Response       uint8
}

// OK reports whether the command was accepted.
func (c CommandResponse) OK() bool { return c.Response == ResponseOK }

// CalibrationStatus reports sensor calibration progress.
type CalibrationStatus struct {
	Stage                uint8
	GyroPercent          float32
	AccelPercent         float32
	MountingAnglePercent float32
	YPRDeg               [3]float32
	YPRStdDevDeg         [3]float32
	TravelDistanceM      float64
}

// VersionInfo reports the software version running on the device.
type VersionInfo struct {
	EngineVersion string
}

// crcOf computes the header+payload CRC. The CRC covers everything after the
// crc field itself: header bytes 8..24 plus the payload.
func crcOf(headerTail, payload []byte) uint32 {
	crc := crc32.ChecksumIEEE(headerTail)
	return crc32.Update(crc, crc32.IEEETable, payload)
}

func decodePayload(msgType MessageType, payload []byte) (any, error) {
	r := bytes.NewReader(payload)
	switch msgType {
	case MessageTypePose:
		var p Pose
		if err := binary.Read(r, binary.LittleEndian, &p.P1TimeSec); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.GPSTimeSec); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.LatDeg); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.LonDeg); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.AltM); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.SolutionType); err != nil {
			return nil, err
		}
		return p, nil
	case MessageTypeCommandResponse:
		var c CommandResponse
		if err := binary.Read(r, binary.LittleEndian, &c.SourceSequence); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &c.Response); err != nil {
			return nil, err
		}
		return c, nil
	case MessageTypeResetRequest:
		var rr ResetRequest
		if err := binary.Read(r, binary.LittleEndian, &rr.ResetMask); err != nil {
			return nil, err
		}
		return rr, nil
	case MessageTypeCalibrationStatus:
		var cs CalibrationStatus
		if err := binary.Read(r, binary.LittleEndian, &cs); err != nil {
			return nil, err
		}
		return cs, nil
	case MessageTypeVersionInfo:
		var length uint16
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		if int(length) > r.Len() {
			return nil, fmt.Errorf("version string length %d exceeds payload", length)
		}
		buf := make([]byte, length)
		if _, err := r.Read(buf); err != nil {
			return nil, err
		}
		return VersionInfo{EngineVersion: string(buf)}, nil
	default:
		// Unrecognized types pass through with a nil payload. The raw bytes
		// are still available on the frame.
		return nil, nil
	}
}

func encodePayload(msg any) ([]byte, MessageType, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case Pose:
		for _, v := range []any{m.P1TimeSec, m.GPSTimeSec, m.LatDeg, m.LonDeg, m.AltM, m.SolutionType} {
			if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
				return nil, MessageTypeInvalid, err
			}
		}
		return buf.Bytes(), MessageTypePose, nil
	case CommandResponse:
		if err := binary.Write(&buf, binary.LittleEndian, m.SourceSequence); err != nil {
			return nil, MessageTypeInvalid, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, m.Response); err != nil {
			return nil, MessageTypeInvalid, err
		}
		return buf.Bytes(), MessageTypeCommandResponse, nil
	case ResetRequest:
		if err := binary.Write(&buf, binary.LittleEndian, m.ResetMask); err != nil {
			return nil, MessageTypeInvalid, err
		}
		return buf.Bytes(), MessageTypeResetRequest, nil
	case CalibrationStatus:
		if err := binary.Write(&buf, binary.LittleEndian, m); err != nil {
			return nil, MessageTypeInvalid, err
		}
		return buf.Bytes(), MessageTypeCalibrationStatus, nil
	case VersionInfo:
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(m.EngineVersion))); err != nil {
			return nil, MessageTypeInvalid, err
		}
		buf.WriteString(m.EngineVersion)
		return buf.Bytes(), MessageTypeVersionInfo, nil
	default:
		return nil, MessageTypeInvalid, fmt.Errorf("unsupported message type %T", msg)
	}
}

// Ensure Decoder satisfies the capability interface.
var _ protocol.Decoder = (*Decoder)(nil)

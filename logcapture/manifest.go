package logcapture

import (
	"encoding/json"
	"math"
	"os"
	"strings"
	"time"

	"github.com/c360/navrunner/errors"
)

// ManifestFilename is the manifest file name inside every session directory.
// Note: the misspelling is intentional and load-bearing; downstream tooling
// matches it exactly.
const ManifestFilename = "maniphest.json"

// gpsEpochOffsetSec is the Unix timestamp of the GPS epoch (1980-01-06 UTC).
const gpsEpochOffsetSec = 315964800

// gpsLeapSeconds is the current UTC-to-GPS leap second offset.
const gpsLeapSeconds = 18

// DeviceType identifies the hardware variant that produced a session.
type DeviceType string

const (
	DeviceTypeUnknown DeviceType = "UNKNOWN"
	DeviceTypeLG69TAP DeviceType = "LG69T_AP"
	DeviceTypeLG69TAM DeviceType = "LG69T_AM"
	DeviceTypeLG69TAH DeviceType = "LG69T_AH"
)

// DeviceTypeFromVersion deduces the device type from a software version
// string such as "lg69t-ap-v0.17.2". Unrecognized prefixes map to UNKNOWN.
func DeviceTypeFromVersion(swVersion string) DeviceType {
	switch {
	case strings.HasPrefix(swVersion, "lg69t-ap"):
		return DeviceTypeLG69TAP
	case strings.HasPrefix(swVersion, "lg69t-am"):
		return DeviceTypeLG69TAM
	case strings.HasPrefix(swVersion, "lg69t-ah"):
		return DeviceTypeLG69TAH
	default:
		return DeviceTypeUnknown
	}
}

// FloatField is a float64 that survives JSON round trips when NaN: a NaN
// value serializes as null and null parses back to NaN. encoding/json
// rejects bare NaN literals, so null is the interchange representation.
type FloatField float64

// MarshalJSON implements json.Marshaler.
func (f FloatField) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FloatField) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = FloatField(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = FloatField(v)
	return nil
}

// Manifest is the persisted projection of a session: provenance, identity,
// and the list of data channels recorded alongside it.
type Manifest struct {
	GUID     string `json:"guid"`
	PrevGUID string `json:"prev_guid"`

	LogSequenceNum  int        `json:"log_sequence_num"`
	CreationTime    FloatField `json:"creation_time"`
	CreationGPSTime FloatField `json:"creation_gps_time"`

	DeviceID         string     `json:"device_id"`
	DeviceType       DeviceType `json:"device_type"`
	DeviceVersion    string     `json:"device_version"`
	SystemConfigPath string     `json:"system_config_path"`
	SWVersion        string     `json:"sw_version"`

	Channels []string `json:"channels"`
}

// GPSTimeFromUnix converts a wall-clock time to GPS time in seconds since
// the GPS epoch, accounting for leap seconds.
func GPSTimeFromUnix(t time.Time) float64 {
	return float64(t.UnixNano())/1e9 - gpsEpochOffsetSec + gpsLeapSeconds
}

// ToJSON serializes the manifest with sorted keys and indentation.
func (m *Manifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "    ")
}

// ManifestFromJSON parses a manifest document.
func ManifestFromJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(err, "Manifest", "ManifestFromJSON", "parse manifest")
	}
	if m.DeviceType == "" {
		m.DeviceType = DeviceTypeUnknown
	}
	return &m, nil
}

// WriteManifest persists the manifest to path, replacing any existing file.
func WriteManifest(path string, m *Manifest) error {
	data, err := m.ToJSON()
	if err != nil {
		return errors.Wrap(err, "Manifest", "WriteManifest", "serialize manifest")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "Manifest", "WriteManifest", "write manifest file")
	}
	return nil
}

// ReadManifest loads the manifest at path. An absent or zero-length file is
// an error.
func ReadManifest(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "Manifest", "ReadManifest", "stat manifest file")
	}
	if info.Size() == 0 {
		return nil, errors.WrapInvalid(errors.ErrManifestEmpty, "Manifest", "ReadManifest", "check manifest size")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Manifest", "ReadManifest", "read manifest file")
	}
	return ManifestFromJSON(data)
}

// ManifestUpdate is a partial field set merged into a persisted manifest.
// Nil fields are left unchanged.
type ManifestUpdate struct {
	DeviceType       *DeviceType
	DeviceVersion    *string
	SystemConfigPath *string
	SWVersion        *string
}

// UpdateManifestFile merges update into the manifest at path via
// read-modify-write. Callers must serialize concurrent updates themselves;
// the last write wins.
func UpdateManifestFile(path string, update ManifestUpdate) error {
	m, err := ReadManifest(path)
	if err != nil {
		return err
	}

	if update.DeviceType != nil {
		m.DeviceType = *update.DeviceType
	}
	if update.DeviceVersion != nil {
		m.DeviceVersion = *update.DeviceVersion
	}
	if update.SystemConfigPath != nil {
		m.SystemConfigPath = *update.SystemConfigPath
	}
	if update.SWVersion != nil {
		m.SWVersion = *update.SWVersion
	}

	return WriteManifest(path, m)
}

package models

import "time"

// ReportKind classifies a decoded AIS message by what the target table can use from it.
type ReportKind uint8

const (
	ReportKindOther ReportKind = iota
	ReportKindPosition
	ReportKindStatic
)

// String returns the kind name used in logs and metric labels.
func (k ReportKind) String() string {
	switch k {
	case ReportKindPosition:
		return "position"
	case ReportKindStatic:
		return "static"
	default:
		return "other"
	}
}

// Tracked reports whether messages of this kind maintain a target table entry.
func (k ReportKind) Tracked() bool {
	return k == ReportKindPosition || k == ReportKindStatic
}

// Position is a WGS84 coordinate in decimal degrees.
type Position struct {
	Lat float64 `json:"lat" msgpack:"lat"`
	Lon float64 `json:"lon" msgpack:"lon"`
}

// VesselReport is one decoded AIS message. It is never modified after the
// decoder produces it, so the same pointer is shared by every session queue.
type VesselReport struct {
	MMSI       uint32
	MessageID  uint8
	Kind       ReportKind
	Position   *Position // nil when the message carries no valid position
	Name       string    // empty when the message carries no name
	Raw        string    // sentences exactly as received, re-sent verbatim
	ReceivedAt time.Time
}

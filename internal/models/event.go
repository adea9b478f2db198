package models

import "strings"

// MaxCandidates number of candidate slots the registry schema carries
const MaxCandidates = 6

// EventType kind of electoral contest; selects the region level used for rollups
type EventType string

const (
	EventPilpres   EventType = "Pilpres"   // presidential
	EventPilgub    EventType = "Pilgub"    // governor
	EventPilwalkot EventType = "Pilwalkot" // mayor
	EventPilbup    EventType = "Pilbup"    // regent
)

// RegionLevel administrative level aggregates are grouped by
type RegionLevel string

const (
	LevelProvinsi  RegionLevel = "Provinsi"
	LevelKabKota   RegionLevel = "Kab/Kota"
	LevelKecamatan RegionLevel = "Kecamatan"
)

// ParseEventType case-insensitive; ok=false for anything unknown
func ParseEventType(s string) (EventType, bool) {
	for _, t := range []EventType{EventPilpres, EventPilgub, EventPilwalkot, EventPilbup} {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, true
		}
	}
	return "", false
}

// RegionLevel presidential races roll up by province, governor races by
// regency/city, local races by district.
func (t EventType) RegionLevel() RegionLevel {
	switch t {
	case EventPilpres:
		return LevelProvinsi
	case EventPilgub:
		return LevelKabKota
	default:
		return LevelKecamatan
	}
}

// Event one contest being quick-counted
type Event struct {
	ID             string    `json:"event_id"`
	Name           string    `json:"name,omitempty"`
	Type           EventType `json:"type"`
	CandidateCount int       `json:"candidate_count"`
	// Ceiling max plausible total votes per station; 0 = service default
	Ceiling        int    `json:"ceiling,omitempty"`
	SCTOFormID     string `json:"scto_form_id,omitempty"`
	OCRProcessorID string `json:"ocr_processor_id,omitempty"`
	Active         bool   `json:"active"`
}

// NormalizeEventID event ids are matched case-insensitively
func NormalizeEventID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// NormalizeUID station UIDs are stored upper case
func NormalizeUID(uid string) string {
	return strings.ToUpper(strings.TrimSpace(uid))
}

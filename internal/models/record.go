package models

import (
	"math"
	"strings"
	"time"
)

// CountBits bit size a single vote count must fit in
const CountBits = 32

// Channel pathway a report arrived on
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSCTO     Channel = "scto"
)

// ParseChannel ok=false for unknown channels
func ParseChannel(s string) (Channel, bool) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelSMS, ChannelWhatsApp, ChannelSCTO:
		return c, true
	}
	return "", false
}

// Source report slot on a station record. SMS and WhatsApp share one slot.
type Source string

const (
	SourceSMS  Source = "sms"
	SourceSCTO Source = "scto"
)

// Source slot this channel writes
func (c Channel) Source() Source {
	if c == ChannelSCTO {
		return SourceSCTO
	}
	return SourceSMS
}

// Other the slot a report is reconciled against
func (s Source) Other() Source {
	if s == SourceSCTO {
		return SourceSMS
	}
	return SourceSCTO
}

// Status derived consistency between the two slots
type Status string

const (
	StatusEmpty       Status = "Empty"
	StatusSMSOnly     Status = "SMS Only"
	StatusSCTOOnly    Status = "SCTO Only"
	StatusVerified    Status = "Verified"
	StatusNotVerified Status = "Not Verified"
)

// OnlyStatus status when only source s has reported
func OnlyStatus(s Source) Status {
	if s == SourceSCTO {
		return StatusSCTOOnly
	}
	return StatusSMSOnly
}

// ValidatorSystem recorded when two channels agree automatically
const ValidatorSystem = "System"

// SourceMetadata identifiers carried with a channel report
type SourceMetadata struct {
	Channel         Channel `json:"channel"`
	MessageID       string  `json:"message_id,omitempty"`
	GatewayPort     int     `json:"gateway_port,omitempty"`
	GatewayID       string  `json:"gateway_id,omitempty"`
	Sender          string  `json:"sender,omitempty"`
	SurveyLink      string  `json:"survey_link,omitempty"`
	Enumerator      string  `json:"enumerator,omitempty"`
	EnumeratorPhone string  `json:"enumerator_phone,omitempty"`
	Location        string  `json:"location,omitempty"`
}

// ChannelReport the accepted tally from one slot
type ChannelReport struct {
	Votes      []int          `json:"votes"`
	Invalid    int            `json:"invalid"`
	ReceivedAt time.Time      `json:"received_at"`
	Meta       SourceMetadata `json:"meta"`
}

// Total valid votes plus invalid ballots
func (r *ChannelReport) Total() int {
	return TallyTotal(r.Votes, r.Invalid)
}

// TallyTotal sums votes and invalid, saturating at math.MaxInt so an
// oversized count can never wrap below a ceiling
func TallyTotal(votes []int, invalid int) int {
	total := invalid
	for _, v := range votes {
		if v > 0 && total > math.MaxInt-v {
			return math.MaxInt
		}
		total += v
	}
	return total
}

// SameTally element-wise equal votes and equal invalid count
func (r *ChannelReport) SameTally(o *ChannelReport) bool {
	if r == nil || o == nil {
		return false
	}
	if len(r.Votes) != len(o.Votes) || r.Invalid != o.Invalid {
		return false
	}
	for i := range r.Votes {
		if r.Votes[i] != o.Votes[i] {
			return false
		}
	}
	return true
}

// StationVoteRecord one per (event, station uid)
type StationVoteRecord struct {
	RecordID   string         `json:"record_id,omitempty"`
	UID        string         `json:"uid"`
	EventID    string         `json:"event_id"`
	Region     Region         `json:"region"`
	Active     bool           `json:"active"`
	Complete   bool           `json:"complete"`
	Status     Status         `json:"status"`
	Validator  string         `json:"validator,omitempty"`
	SMS        *ChannelReport `json:"sms,omitempty"`
	SCTO       *ChannelReport `json:"scto,omitempty"`
	TotalVotes int            `json:"total_votes"`
	// DeltaTime hours between the two slots' timestamps; nil until both exist
	DeltaTime *float64 `json:"delta_time,omitempty"`
	Note      *string  `json:"note,omitempty"`
}

// Report returns the slot for s (nil if absent)
func (r *StationVoteRecord) Report(s Source) *ChannelReport {
	if s == SourceSCTO {
		return r.SCTO
	}
	return r.SMS
}

// Region administrative location of a station
type Region struct {
	Provinsi  string `json:"provinsi,omitempty"`
	KabKota   string `json:"kab_kota,omitempty"`
	Kecamatan string `json:"kecamatan,omitempty"`
	Kelurahan string `json:"kelurahan,omitempty"`
}

// Label region name at the given level
func (r Region) Label(level RegionLevel) string {
	switch level {
	case LevelProvinsi:
		return r.Provinsi
	case LevelKabKota:
		return r.KabKota
	default:
		return r.Kecamatan
	}
}

// RecordUpdate partial update of a station record. Nil fields are left untouched.
type RecordUpdate struct {
	Active     *bool
	Complete   *bool
	Status     *Status
	Validator  *string
	TotalVotes *int
	DeltaTime  *float64
	Note       *string

	// Source selects which slot Report is written to
	Source Source
	Report *ChannelReport
}

// Empty true when the update carries no field
func (u *RecordUpdate) Empty() bool {
	return u.Active == nil && u.Complete == nil && u.Status == nil && u.Validator == nil &&
		u.TotalVotes == nil && u.DeltaTime == nil && u.Note == nil && u.Report == nil
}

// Apply writes the supplied fields onto rec
func (u *RecordUpdate) Apply(rec *StationVoteRecord) {
	if u.Active != nil {
		rec.Active = *u.Active
	}
	if u.Complete != nil {
		rec.Complete = *u.Complete
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.Validator != nil {
		rec.Validator = *u.Validator
	}
	if u.TotalVotes != nil {
		rec.TotalVotes = *u.TotalVotes
	}
	if u.DeltaTime != nil {
		d := *u.DeltaTime
		rec.DeltaTime = &d
	}
	if u.Note != nil {
		n := *u.Note
		rec.Note = &n
	}
	if u.Report != nil {
		cp := *u.Report
		cp.Votes = append([]int(nil), u.Report.Votes...)
		if u.Source == SourceSCTO {
			rec.SCTO = &cp
		} else {
			rec.SMS = &cp
		}
	}
}

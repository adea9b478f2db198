// Package parser turns gateway text into tally reports.
//
// Grammar (case-insensitive, whitespace trimmed per segment):
//
//	KK#<UID>#<EventID>#<vote_1>#...#<vote_N>#<invalid>
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

const (
	// Prefix first segment of every tally message
	Prefix    = "kk"
	Delimiter = "#"
	// HeartbeatText control message sent by the gateway check trigger
	HeartbeatText = "the gateway is active"
)

// Kind rejection category
type Kind int

const (
	UnrecognizedPrefix Kind = iota
	Unparseable
	IncompleteData
	UnknownStation
)

func (k Kind) String() string {
	switch k {
	case UnrecognizedPrefix:
		return "unrecognized_prefix"
	case Unparseable:
		return "unparseable"
	case IncompleteData:
		return "incomplete_data"
	case UnknownStation:
		return "unknown_station"
	}
	return "unknown"
}

// ErrorType audit code for the rejection
func (k Kind) ErrorType() models.ErrorType {
	switch k {
	case UnrecognizedPrefix:
		return models.ErrTypeForeign
	case IncompleteData:
		return models.ErrTypeIncomplete
	case UnknownStation:
		return models.ErrTypeUnknownUID
	}
	return models.ErrTypeUnparseable
}

// Rejection typed parse failure
type Rejection struct {
	Kind    Kind
	UID     string
	EventID string
	// Template expected message format; empty when the candidate count is unknown
	Template string
	Reason   string
}

func (r *Rejection) Error() string {
	if r.Reason != "" {
		return fmt.Sprintf("parse: %s: %s", r.Kind, r.Reason)
	}
	return fmt.Sprintf("parse: %s", r.Kind)
}

// Message header-level parse result; numeric segments are not checked yet
type Message struct {
	UID      string // upper case
	EventID  string // lower case
	Segments []string
}

// ParsedReport a fully validated tally
type ParsedReport struct {
	UID     string
	EventID string
	Votes   []int
	Invalid int
}

// Total valid plus invalid
func (p *ParsedReport) Total() int {
	return models.TallyTotal(p.Votes, p.Invalid)
}

// IsHeartbeat exact literal after trimming; not case folded
func IsHeartbeat(text string) bool {
	return strings.TrimSpace(text) == HeartbeatText
}

// Split lowercases text and splits on the delimiter, trimming each segment
func Split(text string) []string {
	parts := strings.Split(strings.ToLower(text), Delimiter)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Parse checks the prefix and extracts UID and event id
func Parse(text string) (*Message, error) {
	segs := Split(text)
	if segs[0] != Prefix {
		return nil, &Rejection{Kind: UnrecognizedPrefix}
	}
	if len(segs) < 3 || segs[1] == "" || segs[2] == "" {
		return nil, &Rejection{Kind: Unparseable, Reason: "missing uid or event id"}
	}
	return &Message{
		UID:      models.NormalizeUID(segs[1]),
		EventID:  models.NormalizeEventID(segs[2]),
		Segments: segs,
	}, nil
}

// Report validates the message against the event's candidate count and
// registered stations. Checks run in order: station, arity, numerics.
func (m *Message) Report(candidateCount int, stations map[string]struct{}) (*ParsedReport, error) {
	tmpl := FormatTemplate(candidateCount)

	if _, ok := stations[m.UID]; !ok {
		return nil, &Rejection{Kind: UnknownStation, UID: m.UID, EventID: m.EventID, Template: tmpl}
	}

	if want := candidateCount + 4; len(m.Segments) != want {
		return nil, &Rejection{
			Kind:     IncompleteData,
			UID:      m.UID,
			EventID:  m.EventID,
			Template: tmpl,
			Reason:   fmt.Sprintf("expected %d segments, got %d", want, len(m.Segments)),
		}
	}

	nums := m.Segments[3:]
	values := make([]int, len(nums))
	for i, s := range nums {
		n, err := strconv.ParseInt(s, 10, models.CountBits)
		if err != nil || n < 0 {
			return nil, &Rejection{
				Kind:     Unparseable,
				UID:      m.UID,
				EventID:  m.EventID,
				Template: tmpl,
				Reason:   fmt.Sprintf("segment %d: %q is not a non-negative integer", i+3, s),
			}
		}
		values[i] = int(n)
	}

	return &ParsedReport{
		UID:     m.UID,
		EventID: m.EventID,
		Votes:   values[:candidateCount],
		Invalid: values[candidateCount],
	}, nil
}

// FormatTemplate e.g. KK#UID#EventID#01#02#03#Rusak for n=3
func FormatTemplate(n int) string {
	var b strings.Builder
	b.WriteString("KK#UID#EventID")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "#%02d", i)
	}
	b.WriteString("#Rusak")
	return b.String()
}

// ExampleTemplate shown when nothing about the event is known
var ExampleTemplate = FormatTemplate(3)

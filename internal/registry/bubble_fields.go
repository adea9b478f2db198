package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

// Bubble data types
const (
	typeVotes           = "Votes"
	typeEvent           = "Event"
	typeAggregateRegion = "AggregateRegion"
	typeGatewayCheckSMS = "GatewayCheckSMS"
	typeGatewayCheckWA  = "GatewayCheckWA"
	typeRawSMS          = "RAW_SMS"
	typeRawWhatsApp     = "RAW_WhatsApp"
)

// bubbleTime layout of date fields returned by the Data API
const bubbleTime = "2006-01-02T15:04:05.000Z"

// bubbleVote one Votes row. Field names are the Bubble column names.
type bubbleVote struct {
	ID         string   `json:"_id"`
	UID        string   `json:"UID"`
	EventID    string   `json:"Event ID"`
	Active     bool     `json:"Active"`
	Complete   bool     `json:"Complete"`
	Status     string   `json:"Status"`
	Validator  string   `json:"Validator"`
	TotalVotes int      `json:"Total Votes"`
	DeltaTime  *float64 `json:"Delta Time"`
	Note       *string  `json:"Note"`

	Provinsi  string `json:"Provinsi"`
	KabKota   string `json:"Kab/Kota"`
	Kecamatan string `json:"Kecamatan"`
	Kelurahan string `json:"Kelurahan"`

	SMS            bool   `json:"SMS"`
	SMSVotes       []int  `json:"SMS Votes"`
	SMSInvalid     int    `json:"SMS Invalid"`
	SMSTimestamp   string `json:"SMS Timestamp"`
	SMSGatewayPort int    `json:"SMS Gateway Port"`
	SMSGatewayID   string `json:"SMS Gateway ID"`
	SMSSender      string `json:"SMS Sender"`

	SCTO          bool   `json:"SCTO"`
	SCTOVotes     []int  `json:"SCTO Votes"`
	SCTOInvalid   int    `json:"SCTO Invalid"`
	SCTOTimestamp string `json:"SCTO Timestamp"`
	SCTOEnumName  string `json:"SCTO Enum Name"`
	SCTOEnumPhone string `json:"SCTO Enum Phone"`
	SCTOAddress   string `json:"SCTO Address"`
	SurveyLink    string `json:"Survey Link"`
}

func parseBubbleTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{bubbleTime, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func formatBubbleTime(t time.Time) string {
	return t.UTC().Format(bubbleTime)
}

func (b *bubbleVote) toRecord() *models.StationVoteRecord {
	rec := &models.StationVoteRecord{
		RecordID:   b.ID,
		UID:        models.NormalizeUID(b.UID),
		EventID:    models.NormalizeEventID(b.EventID),
		Active:     b.Active,
		Complete:   b.Complete,
		Status:     models.Status(b.Status),
		Validator:  b.Validator,
		TotalVotes: b.TotalVotes,
		DeltaTime:  b.DeltaTime,
		Note:       b.Note,
		Region: models.Region{
			Provinsi:  b.Provinsi,
			KabKota:   b.KabKota,
			Kecamatan: b.Kecamatan,
			Kelurahan: b.Kelurahan,
		},
	}
	if rec.Status == "" {
		rec.Status = models.StatusEmpty
	}
	if b.SMS {
		rec.SMS = &models.ChannelReport{
			Votes:      b.SMSVotes,
			Invalid:    b.SMSInvalid,
			ReceivedAt: parseBubbleTime(b.SMSTimestamp),
			Meta: models.SourceMetadata{
				Channel:     models.ChannelSMS,
				GatewayPort: b.SMSGatewayPort,
				GatewayID:   b.SMSGatewayID,
				Sender:      b.SMSSender,
			},
		}
	}
	if b.SCTO {
		rec.SCTO = &models.ChannelReport{
			Votes:      b.SCTOVotes,
			Invalid:    b.SCTOInvalid,
			ReceivedAt: parseBubbleTime(b.SCTOTimestamp),
			Meta: models.SourceMetadata{
				Channel:         models.ChannelSCTO,
				SurveyLink:      b.SurveyLink,
				Enumerator:      b.SCTOEnumName,
				EnumeratorPhone: b.SCTOEnumPhone,
				Location:        b.SCTOAddress,
			},
		}
	}
	return rec
}

// updateFields serializes a partial update into Bubble columns. Only fields
// present in u are emitted.
func updateFields(uid, eventID string, u *models.RecordUpdate) map[string]interface{} {
	f := map[string]interface{}{
		"UID":      models.NormalizeUID(uid),
		"Event ID": models.NormalizeEventID(eventID),
	}
	if u.Active != nil {
		f["Active"] = *u.Active
	}
	if u.Complete != nil {
		f["Complete"] = *u.Complete
	}
	if u.Status != nil {
		f["Status"] = string(*u.Status)
	}
	if u.Validator != nil {
		f["Validator"] = *u.Validator
	}
	if u.TotalVotes != nil {
		f["Total Votes"] = *u.TotalVotes
	}
	if u.DeltaTime != nil {
		f["Delta Time"] = *u.DeltaTime
	}
	if u.Note != nil {
		f["Note"] = *u.Note
	}

	if r := u.Report; r != nil {
		switch u.Source {
		case models.SourceSCTO:
			f["SCTO"] = true
			f["SCTO Int"] = 1
			f["SCTO Votes"] = r.Votes
			f["SCTO Invalid"] = r.Invalid
			f["SCTO Timestamp"] = formatBubbleTime(r.ReceivedAt)
			f["SCTO Hour"] = r.ReceivedAt.Hour()
			f["SCTO Enum Name"] = r.Meta.Enumerator
			f["SCTO Enum Phone"] = r.Meta.EnumeratorPhone
			f["SCTO Address"] = r.Meta.Location
			f["Survey Link"] = r.Meta.SurveyLink
		default:
			f["SMS"] = true
			f["SMS Int"] = 1
			f["SMS Votes"] = r.Votes
			f["SMS Invalid"] = r.Invalid
			f["SMS Timestamp"] = formatBubbleTime(r.ReceivedAt)
			f["SMS Hour"] = r.ReceivedAt.Hour()
			f["SMS Gateway Port"] = r.Meta.GatewayPort
			f["SMS Gateway ID"] = r.Meta.GatewayID
			f["SMS Sender"] = r.Meta.Sender
			// dashboard columns follow the gateway tally
			slots := models.NewVoteSlots(r.Votes)
			for i, v := range slots {
				if v != nil {
					f[fmt.Sprintf("Vote%d", i+1)] = *v
				}
			}
			f["Final Votes"] = r.Votes
			f["Invalid Votes"] = r.Invalid
		}
	}
	return f
}

// bubbleEvent one Event row
type bubbleEvent struct {
	ID             string `json:"_id"`
	EventID        string `json:"Event ID"`
	Name           string `json:"Name"`
	Type           string `json:"Type"`
	NCandidate     int    `json:"N Candidate"`
	Ceiling        int    `json:"Ceiling"`
	FormID         string `json:"Form ID"`
	OCRProcessorID string `json:"Processor ID"`
	Active         bool   `json:"Active"`
}

func (b *bubbleEvent) toEvent() models.Event {
	typ, _ := models.ParseEventType(b.Type)
	return models.Event{
		ID:             models.NormalizeEventID(b.EventID),
		Name:           b.Name,
		Type:           typ,
		CandidateCount: b.NCandidate,
		Ceiling:        b.Ceiling,
		SCTOFormID:     b.FormID,
		OCRProcessorID: b.OCRProcessorID,
		Active:         b.Active,
	}
}

// bubbleAggregate one AggregateRegion row; Paslon columns hold percentages
type bubbleAggregate struct {
	ID      string   `json:"_id,omitempty"`
	EventID string   `json:"Event ID"`
	Region  string   `json:"Region"`
	Paslon1 *float64 `json:"Paslon 1,omitempty"`
	Paslon2 *float64 `json:"Paslon 2,omitempty"`
	Paslon3 *float64 `json:"Paslon 3,omitempty"`
	Paslon4 *float64 `json:"Paslon 4,omitempty"`
	Paslon5 *float64 `json:"Paslon 5,omitempty"`
	Paslon6 *float64 `json:"Paslon 6,omitempty"`
}

func newBubbleAggregate(rec models.AggregateRecord) bubbleAggregate {
	s := models.NewFloatSlots(rec.Percentages)
	return bubbleAggregate{
		EventID: rec.EventID,
		Region:  rec.Region,
		Paslon1: s[0], Paslon2: s[1], Paslon3: s[2],
		Paslon4: s[3], Paslon5: s[4], Paslon6: s[5],
	}
}

func (b *bubbleAggregate) toRecord() models.AggregateRecord {
	s := models.FloatSlots{b.Paslon1, b.Paslon2, b.Paslon3, b.Paslon4, b.Paslon5, b.Paslon6}
	n := 0
	for i, p := range s {
		if p != nil {
			n = i + 1
		}
	}
	return models.AggregateRecord{
		ID:          b.ID,
		EventID:     b.EventID,
		Region:      b.Region,
		Percentages: s.Values(n),
	}
}

// regionSums workflow response: parallel arrays, one per candidate slot
type regionSums struct {
	Regions []string `json:"regions"`
	Vote1   []int    `json:"vote 1"`
	Vote2   []int    `json:"vote 2"`
	Vote3   []int    `json:"vote 3"`
	Vote4   []int    `json:"vote 4"`
	Vote5   []int    `json:"vote 5"`
	Vote6   []int    `json:"vote 6"`
}

func (r *regionSums) toRegionVotes(n int) []models.RegionVotes {
	cols := [][]int{r.Vote1, r.Vote2, r.Vote3, r.Vote4, r.Vote5, r.Vote6}
	if n <= 0 || n > len(cols) {
		n = len(cols)
	}
	out := make([]models.RegionVotes, 0, len(r.Regions))
	for i, region := range r.Regions {
		votes := make([]int, n)
		for c := 0; c < n; c++ {
			if i < len(cols[c]) {
				votes[c] = cols[c][i]
			}
		}
		out = append(out, models.RegionVotes{Region: strings.TrimSpace(region), Votes: votes})
	}
	return out
}

func rawMessageFields(m models.RawMessage) (string, map[string]interface{}) {
	idField, typ := "SMS ID", typeRawSMS
	if m.Channel == models.ChannelWhatsApp {
		idField, typ = "WA ID", typeRawWhatsApp
	}
	f := map[string]interface{}{
		idField:        m.MessageID,
		"Receive Date": formatBubbleTime(m.ReceivedAt),
		"Sender":       m.Sender,
		"Gateway Port": m.GatewayPort,
		"Gateway ID":   m.GatewayID,
		"Message":      m.Text,
		"Status":       string(m.Status),
	}
	if m.ErrorType != nil {
		f["Error Type"] = int(*m.ErrorType)
	}
	if m.Error != "" {
		f["Error"] = m.Error
	}
	return typ, f
}

package reconcile

import (
	"fmt"
	"math"
	"strings"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

// Derivation merged state after accepting a report into one slot
type Derivation struct {
	Status    models.Status
	Validator string
	Complete  bool
	DeltaTime *float64
	Note      *string
	Update    models.RecordUpdate
}

// Derive merges incoming into rec's src slot. The status is re-evaluated
// from both slots every time, so a station can move between Verified and
// Not Verified in either direction. rec is not modified.
func Derive(rec *models.StationVoteRecord, src models.Source, incoming *models.ChannelReport) Derivation {
	other := rec.Report(src.Other())

	d := Derivation{
		Validator: rec.Validator,
		Complete:  rec.Complete || other != nil,
	}

	switch {
	case other == nil:
		d.Status = models.OnlyStatus(src)
	case incoming.SameTally(other):
		d.Status = models.StatusVerified
		d.Validator = models.ValidatorSystem
		empty := ""
		d.Note = &empty
	default:
		// a human validator's name survives an automatic mismatch
		d.Status = models.StatusNotVerified
		note := mismatchNote(src, incoming, other)
		d.Note = &note
	}

	if other != nil && !other.ReceivedAt.IsZero() && !incoming.ReceivedAt.IsZero() {
		hours := math.Abs(incoming.ReceivedAt.Sub(other.ReceivedAt).Hours())
		d.DeltaTime = &hours
	}

	active := true
	status := d.Status
	complete := d.Complete
	total := incoming.Total()
	d.Update = models.RecordUpdate{
		Active:     &active,
		Complete:   &complete,
		Status:     &status,
		TotalVotes: &total,
		DeltaTime:  d.DeltaTime,
		Note:       d.Note,
		Source:     src,
		Report:     incoming,
	}
	if d.Status == models.StatusVerified {
		v := d.Validator
		d.Update.Validator = &v
	}
	return d
}

// mismatchNote lists the slots where the two tallies differ
func mismatchNote(src models.Source, incoming, other *models.ChannelReport) string {
	var diffs []string
	n := len(incoming.Votes)
	if len(other.Votes) > n {
		n = len(other.Votes)
	}
	at := func(v []int, i int) string {
		if i < len(v) {
			return fmt.Sprint(v[i])
		}
		return "-"
	}
	for i := 0; i < n; i++ {
		a, b := at(incoming.Votes, i), at(other.Votes, i)
		if a != b {
			diffs = append(diffs, fmt.Sprintf("paslon%02d %s=%s %s=%s", i+1, src, a, src.Other(), b))
		}
	}
	if incoming.Invalid != other.Invalid {
		diffs = append(diffs, fmt.Sprintf("tidak sah %s=%d %s=%d", src, incoming.Invalid, src.Other(), other.Invalid))
	}
	return "mismatch: " + strings.Join(diffs, "; ")
}

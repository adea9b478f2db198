package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannel_Source(t *testing.T) {
	assert.Equal(t, SourceSMS, ChannelSMS.Source())
	assert.Equal(t, SourceSMS, ChannelWhatsApp.Source())
	assert.Equal(t, SourceSCTO, ChannelSCTO.Source())
	assert.Equal(t, SourceSCTO, SourceSMS.Other())
	assert.Equal(t, SourceSMS, SourceSCTO.Other())
}

func TestEventType_RegionLevel(t *testing.T) {
	assert.Equal(t, LevelProvinsi, EventPilpres.RegionLevel())
	assert.Equal(t, LevelKabKota, EventPilgub.RegionLevel())
	assert.Equal(t, LevelKecamatan, EventPilwalkot.RegionLevel())
	assert.Equal(t, LevelKecamatan, EventPilbup.RegionLevel())

	typ, ok := ParseEventType(" pilgub ")
	assert.True(t, ok)
	assert.Equal(t, EventPilgub, typ)
	_, ok = ParseEventType("pileg")
	assert.False(t, ok)
}

func TestChannelReport_SameTally(t *testing.T) {
	a := &ChannelReport{Votes: []int{10, 20, 5}, Invalid: 2}
	assert.True(t, a.SameTally(&ChannelReport{Votes: []int{10, 20, 5}, Invalid: 2}))
	assert.False(t, a.SameTally(&ChannelReport{Votes: []int{10, 19, 5}, Invalid: 2}))
	assert.False(t, a.SameTally(&ChannelReport{Votes: []int{10, 20, 5}, Invalid: 3}))
	assert.False(t, a.SameTally(nil))
	assert.Equal(t, 37, a.Total())
}

func TestRecordUpdate_Apply(t *testing.T) {
	rec := &StationVoteRecord{UID: "ABC", Validator: "alice", Status: StatusSMSOnly}
	status := StatusNotVerified
	active := true
	report := &ChannelReport{Votes: []int{1, 2}, Invalid: 0, ReceivedAt: time.Unix(0, 0)}

	u := RecordUpdate{Active: &active, Status: &status, Source: SourceSCTO, Report: report}
	assert.False(t, u.Empty())
	u.Apply(rec)

	assert.True(t, rec.Active)
	assert.Equal(t, StatusNotVerified, rec.Status)
	assert.Equal(t, "alice", rec.Validator)
	assert.Nil(t, rec.SMS)
	assert.Equal(t, []int{1, 2}, rec.SCTO.Votes)

	report.Votes[0] = 99
	assert.Equal(t, 1, rec.SCTO.Votes[0])

	assert.True(t, (&RecordUpdate{}).Empty())
}

func TestAggregateKey(t *testing.T) {
	a := AggregateRecord{EventID: " Pilpres ", Region: "JAWA BARAT "}
	assert.Equal(t, AggregateKey("pilpres", "jawa barat"), a.Key())
}

func TestVoteSlots(t *testing.T) {
	s := NewVoteSlots([]int{4, 5, 6})
	assert.Nil(t, s[3])
	assert.Equal(t, []int{4, 5, 6, 0}, s.Values(4))
	assert.Equal(t, []int{4, 5}, s.Values(2))

	f := NewFloatSlots([]float64{50, 50})
	assert.Equal(t, []float64{50, 50, 0}, f.Values(3))
}

func TestTallyTotal_Saturates(t *testing.T) {
	assert.Equal(t, 37, TallyTotal([]int{10, 20, 5}, 2))
	assert.Equal(t, 0, TallyTotal(nil, 0))
	assert.Equal(t, math.MaxInt, TallyTotal([]int{math.MaxInt, 1}, 0))
	assert.Equal(t, math.MaxInt, TallyTotal([]int{1, math.MaxInt}, 5))

	r := &ChannelReport{Votes: []int{math.MaxInt, math.MaxInt}, Invalid: 1}
	assert.Equal(t, math.MaxInt, r.Total())
}

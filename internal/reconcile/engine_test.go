package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/registry"
)

var t0 = time.Date(2024, 2, 14, 6, 0, 0, 0, time.UTC)

func setupEngine(t *testing.T) (*registry.Memory, *Engine) {
	t.Helper()
	mem := registry.NewMemory()
	mem.AddEvent(models.Event{ID: "pilpres", Type: models.EventPilpres, CandidateCount: 3, Active: true}, "ABC", "DEF")
	return mem, NewEngine(mem, 700, 16, zap.NewNop())
}

func smsMessage(text string, at time.Time) Message {
	return Message{
		Text:       text,
		ReceivedAt: at,
		Meta:       models.SourceMetadata{Channel: models.ChannelSMS, GatewayPort: 1, GatewayID: "62811", Sender: "0812"},
	}
}

func sctoReport(votes []int, invalid int, at time.Time) Report {
	return Report{
		EventID:    "pilpres",
		UID:        "ABC",
		Votes:      votes,
		Invalid:    invalid,
		ReceivedAt: at,
		Meta:       models.SourceMetadata{Channel: models.ChannelSCTO, Enumerator: "budi"},
	}
}

func getRecord(t *testing.T, mem *registry.Memory) *models.StationVoteRecord {
	t.Helper()
	rec, err := mem.GetRecord(context.Background(), "pilpres", "ABC")
	require.NoError(t, err)
	return rec
}

// scenario A
func TestHandleText_FirstReportIsChannelOnly(t *testing.T) {
	mem, engine := setupEngine(t)

	out := engine.HandleText(context.Background(), smsMessage("kk#abc#pilpres#10#20#5#2", t0))

	require.NoError(t, out.Err)
	assert.True(t, out.Accepted)
	assert.Equal(t, models.AuditAccepted, out.AuditStatus())
	assert.Contains(t, out.Reply, "total: 37")
	assert.Contains(t, out.Reply, "Berhasil diterima")
	assert.Contains(t, out.Reply, "KK#UID#EventID#01#02#03#Rusak")

	rec := getRecord(t, mem)
	assert.True(t, rec.Active)
	assert.False(t, rec.Complete)
	assert.Equal(t, models.StatusSMSOnly, rec.Status)
	assert.Equal(t, []int{10, 20, 5}, rec.SMS.Votes)
	assert.Equal(t, 37, rec.TotalVotes)
	assert.Nil(t, rec.DeltaTime)
}

// scenario B
func TestReconcile_MatchingSecondChannelVerifies(t *testing.T) {
	mem, engine := setupEngine(t)
	ctx := context.Background()

	engine.HandleText(ctx, smsMessage("kk#abc#pilpres#10#20#5#2", t0))
	res, err := engine.Reconcile(ctx, sctoReport([]int{10, 20, 5}, 2, t0.Add(90*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, res.Status)

	rec := getRecord(t, mem)
	assert.Equal(t, models.StatusVerified, rec.Status)
	assert.Equal(t, models.ValidatorSystem, rec.Validator)
	assert.True(t, rec.Complete)
	require.NotNil(t, rec.DeltaTime)
	assert.InDelta(t, 1.5, *rec.DeltaTime, 1e-9)
}

// scenario C
func TestReconcile_MismatchKeepsValidator(t *testing.T) {
	mem, engine := setupEngine(t)
	ctx := context.Background()

	validator := "alice"
	require.NoError(t, mem.UpsertRecord(ctx, "pilpres", "ABC", &models.RecordUpdate{Validator: &validator}))

	engine.HandleText(ctx, smsMessage("kk#abc#pilpres#10#20#5#2", t0))
	res, err := engine.Reconcile(ctx, sctoReport([]int{10, 19, 5}, 2, t0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotVerified, res.Status)

	rec := getRecord(t, mem)
	assert.Equal(t, models.StatusNotVerified, rec.Status)
	assert.Equal(t, "alice", rec.Validator)
	assert.True(t, rec.Complete)
	require.NotNil(t, rec.Note)
	assert.Contains(t, *rec.Note, "paslon02")
}

// scenario D
func TestHandleText_CeilingExceeded(t *testing.T) {
	mem, engine := setupEngine(t)

	out := engine.HandleText(context.Background(), smsMessage("kk#abc#pilpres#300#300#100#1", t0))

	require.NoError(t, out.Err)
	assert.False(t, out.Accepted)
	require.NotNil(t, out.ErrorType)
	assert.Equal(t, models.ErrTypeCeiling, *out.ErrorType)
	assert.Contains(t, out.Reply, "total: 701")
	assert.Contains(t, out.Reply, "Jumlah suara melebihi 700")
	assert.Equal(t, 0, mem.Writes())
	assert.Equal(t, models.StatusEmpty, getRecord(t, mem).Status)
}

func TestHandleText_OversizedCountIsNotStored(t *testing.T) {
	mem, engine := setupEngine(t)

	out := engine.HandleText(context.Background(), smsMessage("kk#abc#pilpres#9223372036854775807#1#0#0", t0))

	require.NoError(t, out.Err)
	assert.False(t, out.Accepted)
	require.NotNil(t, out.ErrorType)
	assert.Equal(t, models.ErrTypeUnparseable, *out.ErrorType)
	assert.NotContains(t, out.Reply, "Berhasil diterima")
	assert.Equal(t, 0, mem.Writes())
	assert.Equal(t, models.StatusEmpty, getRecord(t, mem).Status)
}

func TestHandleText_LargeCountsHitCeiling(t *testing.T) {
	mem, engine := setupEngine(t)

	out := engine.HandleText(context.Background(), smsMessage("kk#abc#pilpres#2147483647#2147483647#2147483647#2147483647", t0))

	require.NoError(t, out.Err)
	assert.False(t, out.Accepted)
	require.NotNil(t, out.ErrorType)
	assert.Equal(t, models.ErrTypeCeiling, *out.ErrorType)
	assert.Contains(t, out.Reply, "total: 8589934588")
	assert.NotContains(t, out.Reply, "total: -")
	assert.Equal(t, 0, mem.Writes())
}

func TestReconcile_OverflowingTallyHitsCeiling(t *testing.T) {
	mem, engine := setupEngine(t)

	_, err := engine.Reconcile(context.Background(), sctoReport([]int{math.MaxInt, 1, 0}, 0, t0))

	var ce *CeilingError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, math.MaxInt, ce.Total)
	assert.Equal(t, 700, ce.Ceiling)
	assert.Equal(t, 0, mem.Writes())
}

func TestReconcile_NegativeCountRejected(t *testing.T) {
	mem, engine := setupEngine(t)

	_, err := engine.Reconcile(context.Background(), sctoReport([]int{math.MinInt, 10, 0}, 0, t0))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCeilingExceeded)

	_, err = engine.Reconcile(context.Background(), sctoReport([]int{1, 2, 3}, -5, t0))
	require.Error(t, err)
	assert.Equal(t, 0, mem.Writes())
}

func TestHandleText_EventCeilingOverridesDefault(t *testing.T) {
	mem := registry.NewMemory()
	mem.AddEvent(models.Event{ID: "pilkada", Type: models.EventPilbup, CandidateCount: 2, Ceiling: 300, Active: true}, "ABC")
	engine := NewEngine(mem, 700, 4, zap.NewNop())

	out := engine.HandleText(context.Background(), smsMessage("kk#abc#pilkada#200#100#1", t0))
	require.NotNil(t, out.ErrorType)
	assert.Equal(t, models.ErrTypeCeiling, *out.ErrorType)
	assert.Contains(t, out.Reply, "melebihi 300")
}

// scenario E
func TestHandleText_UnknownStation(t *testing.T) {
	mem, engine := setupEngine(t)

	out := engine.HandleText(context.Background(), smsMessage("kk#zzz#pilpres#10#20#5#2", t0))

	require.NoError(t, out.Err)
	require.NotNil(t, out.ErrorType)
	assert.Equal(t, models.ErrTypeUnknownUID, *out.ErrorType)
	assert.Equal(t, models.AuditRejected, out.AuditStatus())
	assert.Equal(t, "UID \"ZZZ\" tidak terdaftar, cek & kirim ulang dgn format:\nKK#UID#EventID#01#02#03#Rusak", out.Reply)
	assert.Equal(t, 0, mem.Writes())
}

func TestHandleText_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		errType   models.ErrorType
		reply     string
		noReply   bool
		isForeign bool
	}{
		{name: "foreign", text: "promo pulsa murah", errType: models.ErrTypeForeign, noReply: true, isForeign: true},
		{name: "incomplete", text: "kk#abc#pilpres#10#20#2", errType: models.ErrTypeIncomplete,
			reply: "Data tidak lengkap, cek & kirim ulang dgn format:\nKK#UID#EventID#01#02#03#Rusak"},
		{name: "non numeric", text: "kk#abc#pilpres#10#x#5#2", errType: models.ErrTypeUnparseable, reply: ReplyUnrecognized},
		{name: "event not configured", text: "kk#abc#pileg#10#20#5#2", errType: models.ErrTypeUnparseable, reply: ReplyUnrecognized},
		{name: "header only", text: "kk#abc", errType: models.ErrTypeUnparseable, reply: ReplyUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, engine := setupEngine(t)
			out := engine.HandleText(context.Background(), smsMessage(tt.text, t0))

			require.NoError(t, out.Err)
			require.NotNil(t, out.ErrorType)
			assert.Equal(t, tt.errType, *out.ErrorType)
			assert.Equal(t, tt.isForeign, out.Foreign)
			if tt.noReply {
				assert.Empty(t, out.Reply)
			} else {
				assert.Equal(t, tt.reply, out.Reply)
			}
			assert.Equal(t, 0, mem.Writes())
		})
	}
}

func TestHandleText_Heartbeat(t *testing.T) {
	mem, engine := setupEngine(t)

	out := engine.HandleText(context.Background(), smsMessage("the gateway is active", t0))

	assert.True(t, out.Heartbeat)
	assert.Empty(t, out.Reply)
	assert.Nil(t, out.ErrorType)
	assert.Equal(t, models.AuditCheckGateway, out.AuditStatus())

	hb, ok := mem.Gateway(models.ChannelSMS, "62811")
	require.True(t, ok)
	assert.Equal(t, 1, hb.GatewayPort)
	assert.Equal(t, t0, hb.LastCheck)
	assert.Equal(t, 0, mem.Writes())
}

func TestHandleText_IdempotentResubmission(t *testing.T) {
	mem, engine := setupEngine(t)
	ctx := context.Background()

	engine.HandleText(ctx, smsMessage("kk#abc#pilpres#10#20#5#2", t0))
	once := getRecord(t, mem)
	engine.HandleText(ctx, smsMessage("kk#abc#pilpres#10#20#5#2", t0))
	twice := getRecord(t, mem)

	assert.Equal(t, once, twice)
}

func TestReconcile_CorrectionFlipsStatus(t *testing.T) {
	mem, engine := setupEngine(t)
	ctx := context.Background()

	engine.HandleText(ctx, smsMessage("kk#abc#pilpres#10#20#5#2", t0))
	_, err := engine.Reconcile(ctx, sctoReport([]int{10, 20, 5}, 2, t0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusVerified, getRecord(t, mem).Status)

	// gateway correction disagrees with the survey tally
	engine.HandleText(ctx, smsMessage("kk#abc#pilpres#10#21#5#2", t0.Add(time.Hour)))
	rec := getRecord(t, mem)
	assert.Equal(t, models.StatusNotVerified, rec.Status)
	assert.Equal(t, models.ValidatorSystem, rec.Validator)

	// survey correction resolves it
	_, err = engine.Reconcile(ctx, sctoReport([]int{10, 21, 5}, 2, t0.Add(2*time.Hour)))
	require.NoError(t, err)
	rec = getRecord(t, mem)
	assert.Equal(t, models.StatusVerified, rec.Status)
	require.NotNil(t, rec.Note)
	assert.Empty(t, *rec.Note)
}

func TestReconcile_SurveyFirst(t *testing.T) {
	mem, engine := setupEngine(t)

	res, err := engine.Reconcile(context.Background(), sctoReport([]int{1, 2, 3}, 0, t0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSCTOOnly, res.Status)
	assert.Equal(t, "budi", getRecord(t, mem).SCTO.Meta.Enumerator)
}

func TestReconcile_WrongArity(t *testing.T) {
	_, engine := setupEngine(t)
	_, err := engine.Reconcile(context.Background(), sctoReport([]int{1, 2}, 0, t0))
	assert.Error(t, err)
}

// failingRegistry fails every record read
type failingRegistry struct {
	*registry.Memory
}

func (f *failingRegistry) GetRecord(ctx context.Context, eventID, uid string) (*models.StationVoteRecord, error) {
	return nil, errors.New("registry unavailable")
}

func TestHandleText_RegistryFailureIsIsolated(t *testing.T) {
	mem, _ := setupEngine(t)
	engine := NewEngine(&failingRegistry{Memory: mem}, 700, 4, zap.NewNop())

	out := engine.HandleText(context.Background(), smsMessage("kk#abc#pilpres#10#20#5#2", t0))

	require.Error(t, out.Err)
	assert.False(t, out.Accepted)
	require.NotNil(t, out.ErrorType)
	assert.Equal(t, models.ErrTypeProcessing, *out.ErrorType)
	assert.Equal(t, ReplyUnrecognized, out.Reply)
	assert.Equal(t, models.AuditRejected, out.AuditStatus())
}

func TestReconcile_ConcurrentChannelsConverge(t *testing.T) {
	mem, engine := setupEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			engine.HandleText(ctx, smsMessage("kk#abc#pilpres#10#20#5#2", t0))
		}()
		go func() {
			defer wg.Done()
			_, _ = engine.Reconcile(ctx, sctoReport([]int{10, 20, 5}, 2, t0))
		}()
	}
	wg.Wait()

	rec := getRecord(t, mem)
	assert.Equal(t, models.StatusVerified, rec.Status, fmt.Sprintf("%+v", rec))
	assert.Equal(t, 40, mem.Writes())
}

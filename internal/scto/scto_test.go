package scto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/ocr"
	"github.com/surveikedaikopi/sms-ocr-server/internal/reconcile"
	"github.com/surveikedaikopi/sms-ocr-server/internal/registry"
	"github.com/surveikedaikopi/sms-ocr-server/internal/store"
)

func TestClient_Submissions(t *testing.T) {
	since := time.Date(2024, 2, 14, 6, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ops", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/api/v2/forms/data/wide/json/qc_pilpres", r.URL.Path)
		assert.Equal(t, "1707890400", r.URL.Query().Get("date"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"KEY":"uuid:k1","UID":"abc","SubmissionDate":"Feb 14, 2024 6:02:03 AM","suara_01":"10","suara_02":20,"suara_03":"5","suara_rusak":"2"}]`))
	}))
	defer srv.Close()

	c := NewClient("kedaikopi", "ops", "secret", time.Second, zap.NewNop())
	c.httpClient.SetBaseURL(srv.URL).SetRetryCount(0)

	subs, err := c.Submissions(context.Background(), "qc_pilpres", since)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	sub := subs[0]
	assert.Equal(t, "ABC", sub.UID())
	assert.Equal(t, "uuid:k1", sub.Key())

	at, err := sub.SubmittedAt()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 14, 6, 2, 3, 0, time.UTC), at)

	votes, invalid, ok := sub.FormVotes(3)
	require.True(t, ok)
	assert.Equal(t, []int{10, 20, 5}, votes)
	assert.Equal(t, 2, invalid)
}

func TestClient_SubmissionsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("kedaikopi", "ops", "bad", time.Second, zap.NewNop())
	c.httpClient.SetBaseURL(srv.URL).SetRetryCount(0)

	_, err := c.Submissions(context.Background(), "qc", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestClient_SurveyLink(t *testing.T) {
	c := NewClient("kedaikopi", "", "", time.Second, zap.NewNop())
	want := "https://kedaikopi.surveycto.com/view/submission.html?uuid=uuid%3Ak1"
	assert.Equal(t, want, c.SurveyLink("uuid:k1"))
	assert.Equal(t, want, c.SurveyLink("k1"))
}

func TestSubmission_Fields(t *testing.T) {
	sub := Submission{
		"selected_provinsi": "DKI_Jakarta",
		"selected_kabkota":  "Jakarta-Selatan",
		"no. hp":            "0812",
		"alamat":            "Jl. Kenanga",
		"rt":                "01",
		"rw":                "02",
		"no_tps":            float64(7),
		"foto_jumlah_suara": "https://files/c1.jpg",
		"suara_01":          "x",
	}

	assert.Equal(t, "DKI Jakarta", sub.Region().Provinsi)
	assert.Equal(t, "Jakarta Selatan", sub.Region().KabKota)
	assert.Equal(t, "0812", sub.first("no_hp", "no. hp"))
	assert.Equal(t, "https://files/c1.jpg", sub.Attachment())
	assert.Equal(t, "Jl. Kenanga, RT 01, RW 02, TPS 7", location(sub))

	_, _, ok := sub.FormVotes(2)
	assert.False(t, ok)
}

func TestSubmission_FormVotesRejectsOversizedCounts(t *testing.T) {
	sub := Submission{
		"suara_01":    "9223372036854775807",
		"suara_02":    "1",
		"suara_rusak": "0",
	}
	_, _, ok := sub.FormVotes(2)
	assert.False(t, ok)

	sub["suara_01"] = "2147483647"
	votes, _, ok := sub.FormVotes(2)
	require.True(t, ok)
	assert.Equal(t, []int{2147483647, 1}, votes)
}

type fakeSource struct {
	mu    sync.Mutex
	subs  map[string][]Submission
	since []time.Time
}

func (f *fakeSource) Submissions(ctx context.Context, formID string, since time.Time) ([]Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	return f.subs[formID], nil
}

func (f *fakeSource) SurveyLink(key string) string { return "link/" + key }

type fakeReader struct {
	mu    sync.Mutex
	calls int
	got   string
}

func (f *fakeReader) ReadFormOrZero(ctx context.Context, attachmentURL string, n int, processorID string) ocr.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = processorID
	return ocr.Reading{Votes: []int{7, 8, 9}, Invalid: 1}
}

var now = time.Date(2024, 2, 14, 7, 0, 0, 0, time.UTC)

func setupPoller(t *testing.T, subs []Submission, seen store.KV) (*registry.Memory, *Poller, *fakeSource, *fakeReader) {
	t.Helper()
	mem := registry.NewMemory()
	mem.AddEvent(models.Event{ID: "pilpres", Type: models.EventPilpres, CandidateCount: 3, SCTOFormID: "qc_pilpres", OCRProcessorID: "proc-1", Active: true}, "ABC", "DEF", "GHI")
	mem.AddEvent(models.Event{ID: "pilgub", Type: models.EventPilgub, CandidateCount: 2, Active: true}, "ABC")

	engine := reconcile.NewEngine(mem, 700, 8, zap.NewNop())
	src := &fakeSource{subs: map[string][]Submission{"qc_pilpres": subs}}
	reader := &fakeReader{}

	p := NewPoller(src, reader, mem, engine, seen, 5*time.Minute, 4, zap.NewNop())
	p.now = func() time.Time { return now }
	return mem, p, src, reader
}

func TestPoller_PollOnce(t *testing.T) {
	subs := []Submission{
		{"KEY": "uuid:1", "UID": "abc", "SubmissionDate": "Feb 14, 2024 6:58:00 AM", "nama": "budi",
			"suara_01": "10", "suara_02": "20", "suara_03": "5", "suara_rusak": "2"},
		{"KEY": "uuid:2", "UID": "def", "SubmissionDate": "Feb 14, 2024 6:59:00 AM", "formulir_c1_a4": "https://files/c1.jpg"},
		{"KEY": "uuid:3", "UID": "ghi", "SubmissionDate": "Feb 14, 2024 6:59:30 AM"},
		{"KEY": "uuid:4", "UID": "zzz", "SubmissionDate": "Feb 14, 2024 6:59:30 AM"},
	}
	mem, p, src, reader := setupPoller(t, subs, nil)

	stats := p.PollOnce(context.Background())
	assert.Equal(t, PollStats{Events: 1, Fetched: 4, Accepted: 3, Failed: 1}, stats)

	// window overlaps the previous one by a second
	require.Len(t, src.since, 1)
	assert.Equal(t, now.Add(-5*time.Minute-time.Second), src.since[0])

	ctx := context.Background()

	rec, err := mem.GetRecord(ctx, "pilpres", "ABC")
	require.NoError(t, err)
	require.NotNil(t, rec.SCTO)
	assert.Equal(t, []int{10, 20, 5}, rec.SCTO.Votes)
	assert.Equal(t, 2, rec.SCTO.Invalid)
	assert.Equal(t, time.Date(2024, 2, 14, 6, 58, 0, 0, time.UTC), rec.SCTO.ReceivedAt)
	assert.Equal(t, "link/uuid:1", rec.SCTO.Meta.SurveyLink)
	assert.Equal(t, "budi", rec.SCTO.Meta.Enumerator)
	assert.Equal(t, models.StatusSCTOOnly, rec.Status)

	rec, err = mem.GetRecord(ctx, "pilpres", "DEF")
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8, 9}, rec.SCTO.Votes)
	assert.Equal(t, 1, reader.calls)
	assert.Equal(t, "proc-1", reader.got)

	rec, err = mem.GetRecord(ctx, "pilpres", "GHI")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, rec.SCTO.Votes)
}

func TestPoller_SkipsSeenSubmissions(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	kv := store.NewRedisKV(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	subs := []Submission{
		{"KEY": "uuid:1", "UID": "abc", "SubmissionDate": "Feb 14, 2024 6:58:00 AM",
			"suara_01": "1", "suara_02": "2", "suara_03": "3", "suara_rusak": "0"},
	}
	mem, p, _, _ := setupPoller(t, subs, kv)

	first := p.PollOnce(context.Background())
	assert.Equal(t, 1, first.Accepted)
	writes := mem.Writes()

	second := p.PollOnce(context.Background())
	assert.Equal(t, 0, second.Accepted)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, writes, mem.Writes())
	assert.True(t, mr.Exists(seenKeyPrefix+"uuid:1"))
}

func TestPoller_CeilingRejected(t *testing.T) {
	subs := []Submission{
		{"KEY": "uuid:1", "UID": "abc", "SubmissionDate": "Feb 14, 2024 6:58:00 AM",
			"suara_01": "500", "suara_02": "200", "suara_03": "5", "suara_rusak": "0"},
	}
	mem, p, _, _ := setupPoller(t, subs, nil)

	stats := p.PollOnce(context.Background())
	assert.Equal(t, 1, stats.Failed)

	rec, err := mem.GetRecord(context.Background(), "pilpres", "ABC")
	require.NoError(t, err)
	assert.Nil(t, rec.SCTO)
}

func TestPoller_StartStop(t *testing.T) {
	_, p, src, _ := setupPoller(t, nil, nil)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	assert.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.since) == 1
	}, time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
}

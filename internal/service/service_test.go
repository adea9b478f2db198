package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/config"
	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/parser"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLease(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewLease(client, "leader", time.Minute)
	b := NewLease(client, "leader", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// renewal by the holder
	mr.FastForward(30 * time.Second)
	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("leader"))

	// a non-holder cannot release
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("leader"))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("leader"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduler_RunsImmediatelyAndGuardsStart(t *testing.T) {
	var runs int32
	s := NewScheduler("test", func(ctx context.Context) { atomic.AddInt32(&runs, 1) }, time.Hour, nil, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerRunning)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
	s.Stop(context.Background())
	s.Stop(context.Background())

	// restartable after Stop
	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 2 }, time.Second, 5*time.Millisecond)
	s.Stop(context.Background())
}

func TestScheduler_OnlyLeaseHolderRuns(t *testing.T) {
	mr, client := setupTestRedis(t)

	var a, b int32
	sa := NewScheduler("a", func(ctx context.Context) { atomic.AddInt32(&a, 1) }, 20*time.Millisecond, NewLease(client, "leader", time.Minute), zap.NewNop())
	sb := NewScheduler("b", func(ctx context.Context) { atomic.AddInt32(&b, 1) }, 20*time.Millisecond, NewLease(client, "leader", time.Minute), zap.NewNop())

	require.NoError(t, sa.Start(context.Background()))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&a) >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sb.Start(context.Background()))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&a) >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&b))

	// leadership moves once the holder steps down
	sa.Stop(context.Background())
	assert.False(t, mr.Exists("leader"))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&b) >= 1 }, time.Second, 5*time.Millisecond)
	sb.Stop(context.Background())
}

// MockSender channel.Sender backed by testify/mock
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, port int, to, text string) error {
	args := m.Called(ctx, port, to, text)
	return args.Error(0)
}

func TestGatewayChecker(t *testing.T) {
	numbers := heartbeatNumbers([]string{"0811", " ", "0813"})
	assert.Equal(t, map[int]string{1: "0811", 3: "0813"}, numbers)

	sms := new(MockSender)
	sms.On("Send", mock.Anything, 1, "0811", parser.HeartbeatText).Return(nil)
	sms.On("Send", mock.Anything, 3, "0813", parser.HeartbeatText).Return(nil)
	wa := new(MockSender)
	wa.On("Send", mock.Anything, 2, "62812", parser.HeartbeatText).Return(errors.New("gateway offline"))

	g, err := NewGatewayChecker("@every 1h", map[models.Channel]GatewayTarget{
		models.ChannelSMS:      {Sender: sms, Numbers: numbers},
		models.ChannelWhatsApp: {Sender: wa, Numbers: map[int]string{2: "62812"}},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, g.Trigger(context.Background()))
	sms.AssertExpectations(t)
	wa.AssertExpectations(t)

	g.Start()
	g.Stop()

	_, err = NewGatewayChecker("not a schedule", map[models.Channel]GatewayTarget{
		models.ChannelSMS: {Sender: sms, Numbers: numbers},
	}, zap.NewNop())
	assert.Error(t, err)

	// nothing reachable
	_, err = NewGatewayChecker("@every 1h", map[models.Channel]GatewayTarget{
		models.ChannelWhatsApp: {Sender: nil, Numbers: numbers},
		models.ChannelSMS:      {Sender: sms},
	}, zap.NewNop())
	assert.Error(t, err)
}

func TestApp_WhatsAppGatewayCheck(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer gw.Close()

	mr, _ := setupTestRedis(t)
	t.Setenv("REGISTRY_BACKEND", "memory")
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("RESULTS_EXPORT_DIR", t.TempDir())
	t.Setenv("URL_SEND_WA", gw.URL+"/wa")
	t.Setenv("WA_GATEWAYS", "1:6281100000001,2:6281100000002")
	t.Setenv("GATEWAY_CHECK_SCHEDULE", "@every 1h")
	t.Setenv("GATEWAY_CHECK_WA_NUMBERS", "6289900000001,6289900000002")

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := NewApp(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, app.gateways)
	defer app.close()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gateways/whatsapp/check", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sent":2`)

	// no SMS sender configured
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/gateways/sms/check", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mu.Lock()
	assert.Len(t, hits, 2)
	mu.Unlock()
}

func TestApp_MemoryBackend(t *testing.T) {
	mr, _ := setupTestRedis(t)
	t.Setenv("REGISTRY_BACKEND", "memory")
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("RESULTS_EXPORT_DIR", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)

	app, err := NewApp(cfg, zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)
	assert.Contains(t, rec.Body.String(), `"registry":"memory"`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	require.NoError(t, app.Stop(ctx))
}

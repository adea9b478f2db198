package scto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
	"github.com/surveikedaikopi/sms-ocr-server/internal/ocr"
	"github.com/surveikedaikopi/sms-ocr-server/internal/reconcile"
	"github.com/surveikedaikopi/sms-ocr-server/internal/registry"
	"github.com/surveikedaikopi/sms-ocr-server/internal/store"
)

const seenKeyPrefix = "quickcount:scto:seen:"

// Source of submissions
type Source interface {
	Submissions(ctx context.Context, formID string, since time.Time) ([]Submission, error)
	SurveyLink(key string) string
}

// Reader tally sheet recognition
type Reader interface {
	ReadFormOrZero(ctx context.Context, attachmentURL string, n int, processorID string) ocr.Reading
}

// Reconciler accepts survey reports
type Reconciler interface {
	Reconcile(ctx context.Context, r reconcile.Report) (*reconcile.Result, error)
}

// PollStats one poll cycle
type PollStats struct {
	Events   int
	Fetched  int
	Accepted int
	Skipped  int
	Failed   int
}

// Poller fetches recent submissions per active event and reconciles them
type Poller struct {
	source   Source
	reader   Reader
	catalog  registry.Catalog
	engine   Reconciler
	seen     store.KV
	interval time.Duration
	workers  int
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoller reader and seen may be nil: without a reader submissions lacking
// form votes count as zero, without seen every window is reprocessed.
func NewPoller(source Source, reader Reader, catalog registry.Catalog, engine Reconciler, seen store.KV, interval time.Duration, workers int, logger *zap.Logger) *Poller {
	if workers <= 0 {
		workers = 1
	}
	return &Poller{
		source:   source,
		reader:   reader,
		catalog:  catalog,
		engine:   engine,
		seen:     seen,
		interval: interval,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
	}
}

// Start polls immediately and then every interval until Stop or ctx ends
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("scto poller already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("Starting survey poller", zap.Duration("interval", p.interval))

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.PollOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PollOnce(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the running cycle to finish
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("Survey poller stopped")
}

// PollOnce one cycle over every active event with a survey form. Failures are
// isolated per event and per submission.
func (p *Poller) PollOnce(ctx context.Context) PollStats {
	var stats PollStats

	events, err := p.catalog.ActiveEvents(ctx)
	if err != nil {
		p.logger.Error("Failed to load active events", zap.Error(err))
		return stats
	}

	// overlap by a second so nothing falls between windows
	since := p.now().Add(-p.interval - time.Second)

	var accepted, skipped, failed int64
	for _, ev := range events {
		if ev.SCTOFormID == "" {
			continue
		}
		stats.Events++

		subs, err := p.source.Submissions(ctx, ev.SCTOFormID, since)
		if err != nil {
			p.logger.Error("Failed to fetch submissions",
				zap.String("event_id", ev.ID),
				zap.String("form_id", ev.SCTOFormID),
				zap.Error(err),
			)
			continue
		}
		stats.Fetched += len(subs)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)
		for _, sub := range subs {
			sub := sub
			ev := ev
			g.Go(func() error {
				switch err := p.process(gctx, ev, sub); {
				case err == nil:
					atomic.AddInt64(&accepted, 1)
				case errors.Is(err, errSeen):
					atomic.AddInt64(&skipped, 1)
				default:
					atomic.AddInt64(&failed, 1)
					p.logger.Warn("Submission not accepted",
						zap.String("event_id", ev.ID),
						zap.String("uid", sub.UID()),
						zap.String("key", sub.Key()),
						zap.Error(err),
					)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	stats.Accepted = int(accepted)
	stats.Skipped = int(skipped)
	stats.Failed = int(failed)

	p.logger.Info("Survey poll completed",
		zap.Int("events", stats.Events),
		zap.Int("fetched", stats.Fetched),
		zap.Int("accepted", stats.Accepted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
	)
	return stats
}

var errSeen = errors.New("submission already processed")

func (p *Poller) process(ctx context.Context, ev models.Event, sub Submission) error {
	key := sub.Key()
	uid := sub.UID()
	if uid == "" {
		return fmt.Errorf("submission %s has no UID", key)
	}
	if p.seen != nil && key != "" {
		if _, err := p.seen.Get(ctx, seenKeyPrefix+key); err == nil {
			return errSeen
		}
	}

	receivedAt, err := sub.SubmittedAt()
	if err != nil {
		p.logger.Debug("Unparsable submission date, using now",
			zap.String("key", key),
			zap.String("value", sub.Field("SubmissionDate")),
		)
		receivedAt = p.now().UTC()
	}

	votes, invalid := p.tally(ctx, ev, sub)

	report := reconcile.Report{
		EventID:    ev.ID,
		UID:        uid,
		Votes:      votes,
		Invalid:    invalid,
		ReceivedAt: receivedAt,
		Meta: models.SourceMetadata{
			Channel:         models.ChannelSCTO,
			MessageID:       key,
			SurveyLink:      p.source.SurveyLink(key),
			Enumerator:      sub.Field("nama"),
			EnumeratorPhone: sub.first("no_hp", "no. hp"),
			Location:        location(sub),
		},
	}
	if _, err := p.engine.Reconcile(ctx, report); err != nil {
		return err
	}

	if p.seen != nil && key != "" {
		if err := p.seen.Set(ctx, seenKeyPrefix+key, uid, 24*time.Hour); err != nil {
			p.logger.Warn("Failed to mark submission processed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// tally form fields first, then the tally sheet photo, else zeros
func (p *Poller) tally(ctx context.Context, ev models.Event, sub Submission) ([]int, int) {
	n := ev.CandidateCount
	if votes, invalid, ok := sub.FormVotes(n); ok {
		return votes, invalid
	}
	if p.reader != nil && ev.OCRProcessorID != "" {
		if att := sub.Attachment(); att != "" {
			r := p.reader.ReadFormOrZero(ctx, att, n, ev.OCRProcessorID)
			return r.Votes, r.Invalid
		}
	}
	return make([]int, n), 0
}

// location address plus RT/RW and polling station number
func location(sub Submission) string {
	parts := make([]string, 0, 5)
	if v := sub.Field("alamat"); v != "" {
		parts = append(parts, v)
	}
	if v := sub.Field("rt"); v != "" {
		parts = append(parts, "RT "+v)
	}
	if v := sub.Field("rw"); v != "" {
		parts = append(parts, "RW "+v)
	}
	if v := sub.Field("no_tps"); v != "" {
		parts = append(parts, "TPS "+v)
	}
	if v := sub.Field("koordinat"); v != "" {
		parts = append(parts, v)
	}
	return strings.Join(parts, ", ")
}

package audit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/magickw/linkdao-riskmod/riskmod/countstore"
	"github.com/magickw/linkdao-riskmod/riskmod/model"
	"github.com/magickw/linkdao-riskmod/riskmod/trust"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testRecord(id, contentID string, action model.Action) *Record {
	cat := model.CategorySpam
	dur := time.Hour
	d := &model.Decision{
		ID:               id,
		ContentID:        contentID,
		Action:           action,
		Category:         &cat,
		Confidence:       0.6,
		ThresholdApplied: 0.52,
		Duration:         &dur,
		Reasoning:        []string{"spam 0.60 >= threshold 0.52"},
		DecidedAt:        time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		PolicyVersion:    "balanced@1",
	}
	req := &model.ModerationRequest{ContentID: contentID, ContentType: model.ContentPost, SubmitterID: "alice"}
	uc := &model.UserContext{SubmitterID: "alice", ReputationScore: 80, WalletRiskFlags: model.NewWalletRiskFlags()}
	adj := []model.ThresholdAdjustment{{Category: cat, Multiplier: 0.8, ContributingFactors: []string{"reputation>=70:x0.80"}}}
	return NewRecord(req, d, uc, adj, map[model.Category]float64{cat: 0.6}, d.DecidedAt)
}

func TestNewRecordCopies(t *testing.T) {
	assert := assert.New(t)

	cat := model.CategoryScam
	d := &model.Decision{ID: "d1", ContentID: "c1", Action: model.ActionBlock, Category: &cat, Reasoning: []string{"a"}}
	uc := &model.UserContext{SubmitterID: "alice", WalletRiskFlags: model.NewWalletRiskFlags(model.WalletNewWallet)}
	adj := []model.ThresholdAdjustment{{Category: cat, Multiplier: 1, ContributingFactors: []string{"x"}}}
	scores := map[model.Category]float64{cat: 0.9}

	rec := NewRecord(&model.ModerationRequest{SubmitterID: "alice", ContentType: model.ContentListing}, d, uc, adj, scores, time.Now())

	d.Reasoning[0] = "changed"
	cat = model.CategoryHate
	uc.WalletRiskFlags[0] = model.WalletNone
	adj[0].ContributingFactors[0] = "changed"
	scores[model.CategoryScam] = 0.1

	assert.Equal("a", rec.Decision.Reasoning[0])
	assert.Equal(model.CategoryScam, *rec.Decision.Category)
	assert.Equal(model.WalletNewWallet, rec.Context.WalletRiskFlags[0])
	assert.Equal("x", rec.Adjustments[0].ContributingFactors[0])
	assert.Equal(0.9, rec.Scores[model.CategoryScam])
	assert.Equal("alice", rec.SubmitterID)
	assert.Equal(model.ContentListing, rec.ContentType)
}

type failingSink struct{ err error }

func (s failingSink) Append(ctx context.Context, rec *Record) error { return s.err }

func TestMultiSink(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	p := filepath.Join(t.TempDir(), "audit.jsonl")
	jl, err := NewJSONLSink(p)
	require.NoError(t, err)
	defer jl.Close()

	boom := errors.New("boom")
	ms := MultiSink{failingSink{err: boom}, jl, LogSink{}}
	err = ms.Append(ctx, testRecord("d1", "c1", model.ActionLimit))
	assert.ErrorIs(err, boom)

	// later sinks still ran
	recs, err := jl.ByContentID(ctx, "c1")
	assert.NoError(err)
	assert.Len(recs, 1)
}

func TestJSONLSink(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	p := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	s, err := NewJSONLSink(p)
	require.NoError(err)

	require.NoError(s.Append(ctx, testRecord("d1", "c1", model.ActionLimit)))
	require.NoError(s.Append(ctx, testRecord("d2", "c2", model.ActionAllow)))
	require.NoError(s.Append(ctx, testRecord("d3", "c1", model.ActionBlock)))

	recs, err := s.ByContentID(ctx, "c1")
	require.NoError(err)
	require.Len(recs, 2)
	assert.Equal("d1", recs[0].DecisionID)
	assert.Equal("d3", recs[1].DecisionID)
	assert.Equal(model.CategorySpam, *recs[0].Decision.Category)
	assert.Equal(time.Hour, *recs[0].Decision.Duration)
	assert.Equal(0.8, recs[0].Adjustments[0].Multiplier)

	require.NoError(s.Close())
	assert.Error(s.Append(ctx, testRecord("d4", "c1", model.ActionLimit)))

	_, err = NewJSONLSink("")
	assert.Error(err)
}

func TestGormSink(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "audit.sqlite")), &gorm.Config{})
	require.NoError(err)
	s, err := NewGormSink(db)
	require.NoError(err)

	rec := testRecord("d1", "c1", model.ActionLimit)
	require.NoError(s.Append(ctx, rec))
	// retried append is idempotent
	require.NoError(s.Append(ctx, rec))
	require.NoError(s.Append(ctx, testRecord("d2", "c1", model.ActionReview)))

	recs, err := s.ByContentID(ctx, "c1")
	require.NoError(err)
	require.Len(recs, 2)
	assert.Equal("d1", recs[0].DecisionID)
	assert.Equal("balanced@1", recs[0].PolicyVersion)
	assert.Equal(80.0, recs[0].Context.ReputationScore)

	var count int64
	require.NoError(db.Model(&AuditRecordRow{}).Count(&count).Error)
	assert.Equal(int64(2), count)
}

func TestSlackNotifier(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	assert.NoError(n.Append(ctx, testRecord("d1", "c1", model.ActionAllow)))
	assert.NoError(n.Append(ctx, testRecord("d2", "c2", model.ActionLimit)))
	assert.NoError(n.Append(ctx, testRecord("d3", "c3", model.ActionBlock)))
	assert.NoError(n.Append(ctx, testRecord("d4", "c4", model.ActionReview)))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(bodies, 2)
	assert.True(strings.Contains(bodies[0], "c3"))
	assert.True(strings.Contains(bodies[1], "Review"))
}

// fails the first n appends
type flakySink struct {
	mu       sync.Mutex
	failures int
	records  []*Record
	calls    atomic.Int32
}

func (s *flakySink) Append(ctx context.Context, rec *Record) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink temporarily unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []ReputationEvent
}

func (p *memPublisher) Publish(ctx context.Context, ev ReputationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func fastDispatcherConfig() DispatcherConfig {
	cfg := DefaultDispatcherConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxElapsed = 2 * time.Second
	cfg.Workers = 2
	return cfg
}

func TestDispatcherDelivers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	sink := &flakySink{failures: 2}
	pub := &memPublisher{}
	counts := countstore.NewMemCountStore()
	d := NewDispatcher(sink, pub, counts, fastDispatcherConfig())

	rec := testRecord("d1", "c1", model.ActionLimit)
	require.NoError(d.Emit([]Outbound{
		AuditAppend{Record: rec},
		ReputationEvent{DecisionID: "d1", SubmitterID: "alice", ContentID: "c1", Action: model.ActionLimit},
		ViolationRecorded{DecisionID: "d1", SubmitterID: "alice", Action: model.ActionLimit},
	}))
	require.NoError(d.Close(ctx))

	assert.Len(sink.records, 1)
	assert.Equal(int32(3), sink.calls.Load())
	assert.Len(pub.events, 1)
	n, err := counts.GetCount(ctx, trust.ViolationCounter, "alice", countstore.PeriodMonth)
	assert.NoError(err)
	assert.Equal(1, n)

	assert.ErrorIs(d.Emit([]Outbound{AuditAppend{Record: rec}}), ErrDispatcherClosed)
	assert.NoError(d.Close(ctx))
}

// blocks every append until released
type blockingSink struct {
	release chan struct{}
}

func (s blockingSink) Append(ctx context.Context, rec *Record) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	assert := assert.New(t)

	sink := blockingSink{release: make(chan struct{})}
	cfg := fastDispatcherConfig()
	cfg.Workers = 1
	cfg.QueueSize = 2
	d := NewDispatcher(sink, nil, nil, cfg)

	rec := testRecord("d1", "c1", model.ActionLimit)
	items := []Outbound{AuditAppend{Record: rec}, AuditAppend{Record: rec}, AuditAppend{Record: rec}, AuditAppend{Record: rec}, AuditAppend{Record: rec}}

	start := time.Now()
	err := d.Emit(items)
	// never blocks, even with a stuck sink
	assert.Less(time.Since(start), time.Second)
	assert.ErrorIs(err, ErrQueueFull)

	close(sink.release)
	assert.NoError(d.Close(context.Background()))
	assert.Equal(0, d.Pending())
}

func TestDispatcherCloseTimeout(t *testing.T) {
	assert := assert.New(t)

	sink := blockingSink{release: make(chan struct{})}
	d := NewDispatcher(sink, nil, nil, fastDispatcherConfig())
	assert.NoError(d.Emit([]Outbound{AuditAppend{Record: testRecord("d1", "c1", model.ActionBlock)}}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	assert.ErrorIs(err, context.DeadlineExceeded)
}

func TestDispatcherRetriesSinksSeparately(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	jl, err := NewJSONLSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(err)
	defer jl.Close()
	flaky := &flakySink{failures: 2}

	d := NewDispatcher(MultiSink{jl, MultiSink{flaky}, nil}, nil, nil, fastDispatcherConfig())
	require.NoError(d.Emit([]Outbound{AuditAppend{Record: testRecord("d1", "c1", model.ActionBlock)}}))
	require.NoError(d.Close(ctx))

	// the flaky member was retried, the file was written once
	recs, err := jl.ByContentID(ctx, "c1")
	require.NoError(err)
	assert.Len(recs, 1)
	assert.Len(flaky.records, 1)
	assert.Equal(int32(3), flaky.calls.Load())
}

func TestSplitSinks(t *testing.T) {
	assert := assert.New(t)

	assert.Empty(splitSinks(nil))
	ls := LogSink{}
	assert.Equal([]Sink{ls}, splitSinks(ls))
	assert.Len(splitSinks(MultiSink{ls, MultiSink{ls, ls}}), 3)
}

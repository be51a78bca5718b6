package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/uo277440/go-notify-backend/internal/config"
	"github.com/uo277440/go-notify-backend/internal/domain"
	"github.com/uo277440/go-notify-backend/internal/repo"
	"github.com/uo277440/go-notify-backend/internal/upstream"
)

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000;")
	if err := db.AutoMigrate(&domain.Request{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func fastPipelineCfg() config.PipelineConfig {
	return config.PipelineConfig{
		MaxConcurrent:  4,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	}
}

// fakeExtractor replays scripted outcomes, one per call.
type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	replies []string // consumed in order; last one repeats
	errs    []error  // parallel to replies; nil entry means success
}

func (f *fakeExtractor) Extract(ctx context.Context, userInput string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	return f.replies[i], nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDispatcher counts calls and can fail a scripted number of times first.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    int
	failN    int   // fail the first N calls with failErr
	failErr  error // error to fail with
	provider string
}

func (f *fakeDispatcher) Notify(ctx context.Context, intent domain.Intent) (*upstream.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return nil, f.failErr
	}
	id := f.provider
	if id == "" {
		id = "p-1234"
	}
	return &upstream.Ack{Status: "delivered", ProviderID: id}, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const goodReply = `{"to": "feda@test.com", "message": "hola", "type": "email"}`

func seedQueued(t *testing.T, db *gorm.DB, input string) *domain.Request {
	t.Helper()
	r, err := repo.CreateRequest(context.Background(), db, input)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return r
}

func TestProcess_HappyPath(t *testing.T) {
	db := newSvcDB(t)
	ex := &fakeExtractor{replies: []string{goodReply}}
	disp := &fakeDispatcher{provider: "p-77"}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "Manda un mail a feda@test.com diciendo hola")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := repo.GetRequest(context.Background(), db, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != domain.StatusSent {
		t.Fatalf("expected sent, got %q (reason=%q)", got.Status, got.FailureReason)
	}
	in := got.Intent()
	if in == nil || in.To != "feda@test.com" || in.Message != "hola" || in.Type != "email" {
		t.Fatalf("unexpected intent: %+v", in)
	}
	if got.ProviderID != "p-77" {
		t.Fatalf("expected provider id recorded, got %q", got.ProviderID)
	}
}

func TestProcess_TerminalIsIdempotent(t *testing.T) {
	db := newSvcDB(t)
	ex := &fakeExtractor{replies: []string{goodReply}}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "x")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	if disp.callCount() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", disp.callCount())
	}
	got, _ := repo.GetRequest(context.Background(), db, r.ID)
	if got.Status != domain.StatusSent {
		t.Fatalf("terminal status overwritten: %q", got.Status)
	}
}

func TestProcess_UnknownID(t *testing.T) {
	db := newSvcDB(t)
	svc := NewPipelineService(db, &fakeExtractor{replies: []string{goodReply}}, &fakeDispatcher{}, fastPipelineCfg())
	if err := svc.Process(context.Background(), "missing"); err != ErrRequestNotFound {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestProcess_ExtractTransientErrors_RetriedThenSent(t *testing.T) {
	db := newSvcDB(t)
	transient := &upstream.UpstreamError{Op: "extract", StatusCode: 500}
	ex := &fakeExtractor{
		replies: []string{"", "", goodReply},
		errs:    []error{transient, transient, nil},
	}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "x")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := repo.GetRequest(context.Background(), db, r.ID)
	if got.Status != domain.StatusSent {
		t.Fatalf("expected sent after retries, got %q (reason=%q)", got.Status, got.FailureReason)
	}
	if ex.callCount() != 3 {
		t.Fatalf("expected 3 extract attempts, got %d", ex.callCount())
	}
}

func TestProcess_ExtractPermanentError_FailsWithoutRetry(t *testing.T) {
	db := newSvcDB(t)
	permanent := &upstream.UpstreamError{Op: "extract", StatusCode: 401}
	ex := &fakeExtractor{replies: []string{""}, errs: []error{permanent}}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "x")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := repo.GetRequest(context.Background(), db, r.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.HasPrefix(got.FailureReason, "upstream_error: ") {
		t.Fatalf("unexpected failure reason: %q", got.FailureReason)
	}
	if ex.callCount() != 1 {
		t.Fatalf("permanent error must not be retried, got %d attempts", ex.callCount())
	}
	if disp.callCount() != 0 {
		t.Fatalf("dispatcher must not run after extract failure")
	}
}

func TestProcess_MalformedThenValid_ReExtractsOnce(t *testing.T) {
	db := newSvcDB(t)
	ex := &fakeExtractor{replies: []string{"I cannot process the request.", goodReply}}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "x")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := repo.GetRequest(context.Background(), db, r.ID)
	if got.Status != domain.StatusSent {
		t.Fatalf("expected sent after re-extraction, got %q (reason=%q)", got.Status, got.FailureReason)
	}
	if ex.callCount() != 2 {
		t.Fatalf("expected exactly 2 extract calls, got %d", ex.callCount())
	}
}

func TestProcess_MalformedTwice_FailsMalformed(t *testing.T) {
	db := newSvcDB(t)
	ex := &fakeExtractor{replies: []string{"no json here", "still no json"}}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "x")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := repo.GetRequest(context.Background(), db, r.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.HasPrefix(got.FailureReason, "malformed_response: ") {
		t.Fatalf("unexpected failure reason: %q", got.FailureReason)
	}
	if got.Intent() != nil {
		t.Fatalf("failed request must not carry an intent")
	}
	if ex.callCount() != 2 {
		t.Fatalf("expected exactly 2 extract calls, got %d", ex.callCount())
	}
	if disp.callCount() != 0 {
		t.Fatalf("dispatcher must not run on malformed output")
	}
}

func TestProcess_SchemaViolationTwice_FailsSchema(t *testing.T) {
	db := newSvcDB(t)
	noType := `{"to": "a@b.com", "message": "hi"}`
	ex := &fakeExtractor{replies: []string{noType, noType}}
	svc := NewPipelineService(db, ex, &fakeDispatcher{}, fastPipelineCfg())

	r := seedQueued(t, db, "x")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := repo.GetRequest(context.Background(), db, r.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.HasPrefix(got.FailureReason, "schema_violation: ") {
		t.Fatalf("unexpected failure reason: %q", got.FailureReason)
	}
	if !strings.Contains(got.FailureReason, "type") {
		t.Fatalf("failure reason should name the field: %q", got.FailureReason)
	}
}

// Dispatch keeps timing out until attempts run out: the request must settle
// in failed, never stay stuck in processing.
func TestProcess_DispatchTimeouts_SettleToFailed(t *testing.T) {
	db := newSvcDB(t)
	timeout := &upstream.UpstreamError{Op: "notify", Err: context.DeadlineExceeded}
	ex := &fakeExtractor{replies: []string{goodReply}}
	disp := &fakeDispatcher{failN: 99, failErr: timeout}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "x")
	if err := svc.Process(context.Background(), r.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := repo.GetRequest(context.Background(), db, r.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.HasPrefix(got.FailureReason, "upstream_error: ") {
		t.Fatalf("unexpected failure reason: %q", got.FailureReason)
	}
	if disp.callCount() != 3 {
		t.Fatalf("expected 3 dispatch attempts, got %d", disp.callCount())
	}
}

func TestProcess_SameID_Concurrent_SingleDispatch(t *testing.T) {
	db := newSvcDB(t)
	ex := &fakeExtractor{replies: []string{goodReply}}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	r := seedQueued(t, db, "x")

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Process(context.Background(), r.ID); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}
	wg.Wait()

	if disp.callCount() != 1 {
		t.Fatalf("expected a single dispatch across %d racers, got %d", n, disp.callCount())
	}
}

func TestProcess_ManyRequests_IndependentOutcomes(t *testing.T) {
	db := newSvcDB(t)
	// Odd-numbered replies are unusable, so roughly half the requests fail.
	ex := &replyByInputExtractor{}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	const n = 20
	ids := make([]string, 0, n)
	wantSent := 0
	for i := 0; i < n; i++ {
		input := "ok"
		if i%2 == 1 {
			input = "bad"
		} else {
			wantSent++
		}
		r := seedQueued(t, db, input)
		ids = append(ids, r.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := svc.Process(context.Background(), id); err != nil {
				t.Errorf("Process(%s): %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	sent, failed := 0, 0
	for _, id := range ids {
		got, err := repo.GetRequest(context.Background(), db, id)
		if err != nil {
			t.Fatalf("GetRequest(%s): %v", id, err)
		}
		switch got.Status {
		case domain.StatusSent:
			sent++
		case domain.StatusFailed:
			failed++
		default:
			t.Fatalf("request %s not terminal: %q", id, got.Status)
		}
	}
	if sent != wantSent || failed != n-wantSent {
		t.Fatalf("expected %d sent / %d failed, got %d / %d", wantSent, n-wantSent, sent, failed)
	}
}

// replyByInputExtractor answers per user input so concurrent tests stay
// deterministic regardless of call ordering.
type replyByInputExtractor struct{}

func (replyByInputExtractor) Extract(ctx context.Context, userInput string) (string, error) {
	if userInput == "bad" {
		return "nothing useful", nil
	}
	return goodReply, nil
}

func TestSchedule(t *testing.T) {
	db := newSvcDB(t)
	ex := &fakeExtractor{replies: []string{goodReply}}
	disp := &fakeDispatcher{}
	svc := NewPipelineService(db, ex, disp, fastPipelineCfg())

	t.Run("unknown id", func(t *testing.T) {
		_, _, err := svc.Schedule(context.Background(), "missing")
		if err != ErrRequestNotFound {
			t.Fatalf("expected ErrRequestNotFound, got %v", err)
		}
	})

	t.Run("queued request is scheduled and settles", func(t *testing.T) {
		r := seedQueued(t, db, "x")
		scheduled, _, err := svc.Schedule(context.Background(), r.ID)
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if !scheduled {
			t.Fatalf("expected scheduled=true for queued request")
		}
		svc.Wait()

		got, _ := repo.GetRequest(context.Background(), db, r.ID)
		if got.Status != domain.StatusSent {
			t.Fatalf("expected sent, got %q", got.Status)
		}
	})

	t.Run("terminal request is not rescheduled", func(t *testing.T) {
		r := seedQueued(t, db, "x")
		if err := svc.Process(context.Background(), r.ID); err != nil {
			t.Fatalf("Process: %v", err)
		}
		before := disp.callCount()

		scheduled, status, err := svc.Schedule(context.Background(), r.ID)
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		if scheduled {
			t.Fatalf("terminal request must not be scheduled")
		}
		if status != domain.StatusSent {
			t.Fatalf("expected reported status sent, got %q", status)
		}
		svc.Wait()
		if disp.callCount() != before {
			t.Fatalf("terminal request was dispatched again")
		}
	})
}

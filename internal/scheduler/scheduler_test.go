package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/events"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fired chan string
	err   func(n int) error
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan string, 16)}
}

func (r *recorder) execute(ctx context.Context, jobID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, jobID)
	n := len(r.calls)
	errFn := r.err
	r.mu.Unlock()

	r.fired <- jobID
	if errFn != nil {
		return errFn(n)
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFired(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
		return ""
	}
}

func startScheduler(t *testing.T, store *Store, bus *events.Bus, exec ExecuteFunc, cfg Config) *Scheduler {
	t.Helper()
	s := New(nil, store, bus, exec, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestSchedule_Fires(t *testing.T) {
	rec := newRecorder()
	s := startScheduler(t, nil, nil, rec.execute, Config{})

	s.Schedule("cfg-1", time.Now().Add(20*time.Millisecond))
	if id := waitFired(t, rec.fired); id != "cfg-1" {
		t.Errorf("fired %q, want cfg-1", id)
	}
}

func TestSchedule_PastTimeFiresImmediately(t *testing.T) {
	rec := newRecorder()
	s := startScheduler(t, nil, nil, rec.execute, Config{})

	s.Schedule("cfg-1", time.Now().Add(-time.Hour))
	waitFired(t, rec.fired)
}

func TestSchedule_ReplacesPending(t *testing.T) {
	rec := newRecorder()
	s := startScheduler(t, nil, nil, rec.execute, Config{})

	s.Schedule("cfg-1", time.Now().Add(time.Hour))
	s.Schedule("cfg-1", time.Now().Add(10*time.Millisecond))

	if got := len(s.Pending()); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	waitFired(t, rec.fired)

	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("executed %d times, want 1", got)
	}
	if _, ok := s.Next("cfg-1"); ok {
		t.Error("job still pending after firing")
	}
}

func TestCancel(t *testing.T) {
	rec := newRecorder()
	s := startScheduler(t, nil, nil, rec.execute, Config{})

	s.Schedule("cfg-1", time.Now().Add(30*time.Millisecond))
	s.Cancel("cfg-1")

	time.Sleep(80 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Errorf("cancelled job executed %d times", got)
	}
}

func TestSchedule_NotRunning(t *testing.T) {
	rec := newRecorder()
	s := New(nil, nil, nil, rec.execute, Config{})

	s.Schedule("cfg-1", time.Now())
	if _, ok := s.Next("cfg-1"); ok {
		t.Error("job scheduled on a stopped scheduler")
	}
}

func TestNextAndPending(t *testing.T) {
	s := startScheduler(t, nil, nil, nil, Config{})

	later := time.Now().Add(2 * time.Hour)
	sooner := time.Now().Add(time.Hour)
	s.Schedule("b", later)
	s.Schedule("a", sooner)

	at, ok := s.Next("b")
	if !ok || !at.Equal(later) {
		t.Errorf("Next(b) = %v, %v; want %v, true", at, ok, later)
	}

	pending := s.Pending()
	if len(pending) != 2 || pending[0].JobID != "a" || pending[1].JobID != "b" {
		t.Errorf("Pending = %+v, want a then b", pending)
	}

	stats := s.Stats()
	if stats["active_timers"] != 2 || stats["running"] != true {
		t.Errorf("Stats = %v", stats)
	}
}

func TestRun_RetriesWithBackoff(t *testing.T) {
	store := newTestStore(t)
	rec := newRecorder()
	rec.err = func(n int) error {
		if n < 3 {
			return errors.New("upstream unavailable")
		}
		return nil
	}
	s := startScheduler(t, store, nil, rec.execute, Config{Backoff: 5 * time.Millisecond})

	s.Schedule("cfg-1", time.Now())
	for range 3 {
		waitFired(t, rec.fired)
	}

	run := waitForRun(t, store, "cfg-1")
	if run.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if run.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", run.Attempts)
	}
}

func TestRun_FailsAfterMaxAttempts(t *testing.T) {
	store := newTestStore(t)
	rec := newRecorder()
	rec.err = func(int) error { return errors.New("token endpoint down") }
	s := startScheduler(t, store, nil, rec.execute, Config{MaxAttempts: 2, Backoff: time.Millisecond})

	s.Schedule("cfg-1", time.Now())
	waitFired(t, rec.fired)
	waitFired(t, rec.fired)

	run := waitForRun(t, store, "cfg-1")
	if run.Status != StatusFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if run.Result != "token endpoint down" {
		t.Errorf("result = %q", run.Result)
	}
	if got := rec.count(); got != 2 {
		t.Errorf("executed %d times, want 2", got)
	}
}

func TestRun_JobTimeout(t *testing.T) {
	done := make(chan error, 1)
	exec := func(ctx context.Context, _ string) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}
	s := startScheduler(t, nil, nil, exec, Config{JobTimeout: 20 * time.Millisecond, MaxAttempts: 1})

	s.Schedule("cfg-1", time.Now())
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("ctx err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not cancelled by its timeout")
	}
}

func TestStop_WaitsForRunningJob(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	exec := func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}
	s := New(nil, nil, nil, exec, Config{MaxAttempts: 1})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.Schedule("cfg-1", time.Now())
	<-started
	s.Stop()

	if !finished.Load() {
		t.Error("Stop returned before the running job finished")
	}
}

func TestStart_MarksInterruptedRuns(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	if err := store.CreateRun(&Run{JobID: "cfg-1", ScheduledAt: now, StartedAt: now, Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}

	startScheduler(t, store, nil, nil, Config{})

	runs, err := store.ListRuns("cfg-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != StatusInterrupted {
		t.Errorf("runs = %+v, want one interrupted", runs)
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	s := startScheduler(t, nil, bus, func(context.Context, string) error { return nil }, Config{})
	s.Schedule("cfg-1", time.Now())

	want := []string{events.KindJobFired, events.KindJobComplete}
	for _, kind := range want {
		select {
		case ev := <-ch:
			if ev.Source != events.SourceScheduler || ev.Kind != kind {
				t.Errorf("event = %s/%s, want %s/%s", ev.Source, ev.Kind, events.SourceScheduler, kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", kind)
		}
	}
}

func waitForRun(t *testing.T, store *Store, jobID string) *Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := store.ListRuns(jobID, 1)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) == 1 && runs[0].Status != StatusRunning {
			return runs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run for %s did not complete", jobID)
	return nil
}

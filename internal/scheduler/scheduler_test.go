package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeIngester struct {
	mu      sync.Mutex
	ticks   map[string]int
	block   chan struct{}
	running atomic.Int32
	overlap atomic.Bool
}

func newFakeIngester() *fakeIngester {
	return &fakeIngester{ticks: make(map[string]int)}
}

func (f *fakeIngester) Tick(ctx context.Context, site string) error {
	if f.running.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.running.Add(-1)

	f.mu.Lock()
	f.ticks[site]++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeIngester) count(site string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks[site]
}

type fakeArchiver struct{ runs atomic.Int32 }

func (f *fakeArchiver) Run(ctx context.Context) error {
	f.runs.Add(1)
	return nil
}

type fakeLister struct{ sites []string }

func (f *fakeLister) Sites(ctx context.Context) ([]string, error) { return f.sites, nil }

func TestStartTicksConfiguredSites(t *testing.T) {
	ing := newFakeIngester()
	s := New(ing, &fakeArchiver{}, nil, Options{
		Sites:           []string{"plant-a", "plant-b"},
		IngestInterval:  time.Hour,
		ArchiveInterval: time.Hour,
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ing.count("plant-a") >= 1 && ing.count("plant-b") >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("initial ticks never ran: a=%d b=%d", ing.count("plant-a"), ing.count("plant-b"))
}

func TestStartDiscoversSites(t *testing.T) {
	ing := newFakeIngester()
	s := New(ing, &fakeArchiver{}, &fakeLister{sites: []string{"found"}}, Options{
		IngestInterval:  time.Hour,
		ArchiveInterval: time.Hour,
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ing.count("found") >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("discovered site never ticked")
}

func TestTriggerIngestSingleFlight(t *testing.T) {
	ing := newFakeIngester()
	ing.block = make(chan struct{})
	s := New(ing, &fakeArchiver{}, nil, Options{
		IngestInterval:  time.Hour,
		ArchiveInterval: time.Hour,
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.TriggerIngest(context.Background(), "plant-a")
		}()
	}

	// Let the joiners pile onto the in-flight call, then release it.
	time.Sleep(50 * time.Millisecond)
	close(ing.block)
	wg.Wait()

	if ing.overlap.Load() {
		t.Fatal("ticks for the same site overlapped")
	}
	if got := ing.count("plant-a"); got != 1 {
		t.Fatalf("expected concurrent triggers collapsed to 1 tick, got %d", got)
	}
}

func TestTriggerArchive(t *testing.T) {
	arch := &fakeArchiver{}
	s := New(newFakeIngester(), arch, nil, Options{
		IngestInterval:  time.Hour,
		ArchiveInterval: time.Hour,
	})
	if err := s.TriggerArchive(context.Background()); err != nil {
		t.Fatalf("TriggerArchive: %v", err)
	}
	if arch.runs.Load() != 1 {
		t.Fatalf("archive runs = %d, want 1", arch.runs.Load())
	}
}

func TestStopWaitsForLoops(t *testing.T) {
	ing := newFakeIngester()
	s := New(ing, &fakeArchiver{}, nil, Options{
		Sites:           []string{"plant-a"},
		IngestInterval:  10 * time.Millisecond,
		ArchiveInterval: time.Hour,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

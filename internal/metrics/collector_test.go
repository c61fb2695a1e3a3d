package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCollectorCounters(t *testing.T) {
	var read atomic.Int64
	c := NewCollector(time.Second, zap.NewNop())
	c.Track("changesets", read.Load)

	if c.Last() != nil {
		t.Fatal("Last() before first sample should be nil")
	}

	read.Store(10)
	first := c.Sample()
	if first.Counters["changesets"] != 10 {
		t.Errorf("counter = %d, want 10", first.Counters["changesets"])
	}
	if _, ok := first.Rates["changesets"]; ok {
		t.Error("first sample should have no rate")
	}

	time.Sleep(20 * time.Millisecond)
	read.Store(30)
	second := c.Sample()
	if second.Rates["changesets"] <= 0 {
		t.Errorf("rate = %v, want > 0", second.Rates["changesets"])
	}
	if c.Last() != second {
		t.Error("Last() does not return the latest sample")
	}
}

func TestCollectorShortIntervalFallsBack(t *testing.T) {
	c := NewCollector(10*time.Millisecond, zap.NewNop())
	if c.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", c.interval)
	}
}

func TestCollectorLogsCounters(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := NewCollector(time.Second, zap.New(core))
	c.Track("inserted", func() int64 { return 7 })

	c.log(c.Sample())

	entries := logs.FilterMessage("Metrics").All()
	if len(entries) != 1 {
		t.Fatalf("got %d metrics entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["inserted"] != int64(7) {
		t.Errorf("inserted field = %v, want 7", fields["inserted"])
	}
	if _, ok := fields["inserted_rate"]; !ok {
		t.Error("missing inserted_rate field")
	}
}

func TestCollectorStartStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewCollector(time.Second, zap.NewNop()).Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

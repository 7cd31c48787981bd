package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"tickflow/cleaner"
	"tickflow/collector"
	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/parser"
)

type stubAdapter struct {
	mu   sync.Mutex
	tag  string
	ev   collector.Events
	dead bool
}

func (a *stubAdapter) SourceTag() string { return a.tag }

func (a *stubAdapter) Connect(ctx context.Context, ev collector.Events) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dead {
		return errors.New("unreachable")
	}
	a.ev = ev
	ev.OnConnected()
	return nil
}

func (a *stubAdapter) Login(ctx context.Context, creds collector.Credentials) error {
	a.mu.Lock()
	ev := a.ev
	a.mu.Unlock()
	ev.OnLoginResponse(true, nil)
	return nil
}

func (a *stubAdapter) Subscribe(ctx context.Context, contracts []string) error {
	a.mu.Lock()
	ev := a.ev
	a.mu.Unlock()
	for _, c := range contracts {
		ev.OnSubscribeResponse(c, true, nil)
	}
	return nil
}

func (a *stubAdapter) Close() error { return nil }

func (a *stubAdapter) ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ev != nil
}

func (a *stubAdapter) emit(payload []byte) {
	a.mu.Lock()
	ev := a.ev
	a.mu.Unlock()
	if ev != nil {
		ev.OnMarketData(models.RawRecord{SourceTag: a.tag, Payload: payload, Received: time.Now()})
	}
}

type captureSink struct {
	mu      sync.Mutex
	batches []models.TickBatch
	failing bool
}

func (s *captureSink) Save(ctx context.Context, batch models.TickBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) all() []models.TickBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TickBatch(nil), s.batches...)
}

func (s *captureSink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func ctpPayload(contract string, price float64, clock string, ms int) []byte {
	return []byte(fmt.Sprintf(
		`{"InstrumentID": %q, "ExchangeID": "SHFE", "ActionDay": "20260830", "TradingDay": "20260830", "UpdateTime": %q, "UpdateMillisec": %d, "LastPrice": %g}`,
		contract, clock, ms, price))
}

func testDispatcher(sink Sink, adapters ...collector.Adapter) *Dispatcher {
	ccfg := config.CollectorConfig{
		ConnectTimeout:   200 * time.Millisecond,
		LoginTimeout:     200 * time.Millisecond,
		SubscribeTimeout: 200 * time.Millisecond,
		QueueSize:        256,
		OverflowPolicy:   "drop_oldest",
		SubscribesPerSec: 1000,
		Retry: config.RetryConfig{
			MaxAttempts: 0,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
			Factor:      2,
		},
	}
	var sources []*collector.Lifecycle
	for _, a := range adapters {
		sources = append(sources, collector.NewLifecycle(a, collector.Credentials{}, []string{"rb2610"}, ccfg))
	}
	dcfg := config.DispatcherConfig{
		CycleInterval: 10 * time.Millisecond,
		MaxBatch:      1000,
		CloseTimeout:  time.Second,
	}
	return New(dcfg, sources, parser.NewWithDefaults(), cleaner.New(500*time.Millisecond), nil, sink)
}

func waitBatches(t *testing.T, sink *captureSink, want int) []models.TickBatch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.all(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d batches, got %d", want, len(sink.all()))
	return nil
}

func TestDispatcherEndToEnd(t *testing.T) {
	healthy := &stubAdapter{tag: "ctp"}
	sink := &captureSink{}
	d := testDispatcher(sink, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !healthy.ready() {
		time.Sleep(time.Millisecond)
	}

	payload := ctpPayload("rb2610", 3521, "09:30:15", 500)
	healthy.emit(payload)
	healthy.emit(payload) // exact duplicate collapses in the cleaner
	healthy.emit(ctpPayload("rb2610", 3522, "09:30:16", 0))

	batches := waitBatches(t, sink, 1)
	total := 0
	for _, b := range batches {
		total += b.RecordCount
		if b.BatchID == "" {
			t.Error("batch id missing")
		}
	}
	// Give any trailing cycle time to flush the rest.
	time.Sleep(50 * time.Millisecond)
	total = 0
	for _, b := range sink.all() {
		total += b.RecordCount
	}
	if total != 2 {
		t.Fatalf("expected 2 unique ticks across batches, got %d", total)
	}
}

func TestDispatcherIsolatesStuckSource(t *testing.T) {
	healthy := &stubAdapter{tag: "ctp"}
	stuck := &stubAdapter{tag: "zy", dead: true}
	sink := &captureSink{}
	d := testDispatcher(sink, healthy, stuck)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !healthy.ready() {
		time.Sleep(time.Millisecond)
	}
	healthy.emit(ctpPayload("rb2610", 3521, "09:30:15", 500))

	batches := waitBatches(t, sink, 1)
	if batches[0].Ticks[0].ContractID != "rb2610" {
		t.Errorf("unexpected tick %+v", batches[0].Ticks[0])
	}

	states := d.Status()
	if len(states) != 2 {
		t.Fatalf("expected 2 source statuses, got %d", len(states))
	}
}

func TestDispatcherSurvivesSinkFailure(t *testing.T) {
	healthy := &stubAdapter{tag: "ctp"}
	sink := &captureSink{}
	sink.setFailing(true)
	d := testDispatcher(sink, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !healthy.ready() {
		time.Sleep(time.Millisecond)
	}
	healthy.emit(ctpPayload("rb2610", 3521, "09:30:15", 500))
	time.Sleep(50 * time.Millisecond)

	sink.setFailing(false)
	healthy.emit(ctpPayload("rb2610", 3525, "09:30:17", 0))
	waitBatches(t, sink, 1)
}

func TestDispatcherReportsMetrics(t *testing.T) {
	healthy := &stubAdapter{tag: "ctp"}
	sink := &captureSink{}
	d := testDispatcher(sink, healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !healthy.ready() {
		time.Sleep(time.Millisecond)
	}
	healthy.emit(ctpPayload("rb2610", 3521, "09:30:15", 500))
	waitBatches(t, sink, 1)

	var buf bytes.Buffer
	log := logger.GetLogger()
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	d.reportMetrics()

	out := buf.String()
	for _, metric := range []string{"ticks_collected", "ticks_rejected", "batches_saved", "queued_records"} {
		if !strings.Contains(out, `"metric":"`+metric+`"`) {
			t.Errorf("metric %s not reported", metric)
		}
	}
	if !strings.Contains(out, `"batches_saved":1`) {
		t.Errorf("throughput line missing saved count: %s", out)
	}
}

func TestDispatcherDoubleStart(t *testing.T) {
	d := testDispatcher(&captureSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()
	if err := d.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}
}

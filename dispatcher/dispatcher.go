// Package dispatcher drives the collect-normalize-clean-scan-save cycle
// over every configured source.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tickflow/anomaly"
	"tickflow/cleaner"
	"tickflow/collector"
	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/parser"
)

// Sink persists one cleaned batch. Implementations decide durability;
// the dispatcher only guarantees a single in-flight batch at a time.
type Sink interface {
	Save(ctx context.Context, batch models.TickBatch) error
}

// Dispatcher owns the source lifecycles and the pipeline stages. Cycles
// run sequentially on one goroutine, so a slow sink naturally
// back-pressures collection into the per-source queues.
type Dispatcher struct {
	cfg     config.DispatcherConfig
	sources []*collector.Lifecycle
	parser  *parser.Parser
	cleaner *cleaner.Cleaner
	engine  *anomaly.Engine
	sink    Sink
	log     *logger.Entry

	cycles       atomic.Uint64
	ticksSeen    atomic.Uint64
	batchesSaved atomic.Uint64

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg config.DispatcherConfig, sources []*collector.Lifecycle, p *parser.Parser, c *cleaner.Cleaner, e *anomaly.Engine, sink Sink) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		sources: sources,
		parser:  p,
		cleaner: c,
		engine:  e,
		sink:    sink,
		log:     logger.GetLogger().WithComponent("dispatcher"),
	}
}

// Start launches every source lifecycle and the cycle loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	for _, src := range d.sources {
		d.wg.Add(1)
		go func(l *collector.Lifecycle) {
			defer d.wg.Done()
			l.Run(runCtx)
		}(src)
	}

	d.wg.Add(1)
	go d.runLoop(runCtx)

	d.wg.Add(1)
	go d.metricsReporter(runCtx)

	d.log.WithFields(logger.Fields{
		"sources":        len(d.sources),
		"cycle_interval": d.cfg.CycleInterval.String(),
	}).Info("dispatcher started")
	return nil
}

func (d *Dispatcher) runLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final sweep so queued records are not lost on shutdown.
			d.runCycle(context.Background())
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// runCycle drains every source once and pushes the merged batch through
// the pipeline. Sink failures are logged and the batch dropped; the
// next cycle proceeds regardless.
func (d *Dispatcher) runCycle(ctx context.Context) {
	n := d.cycles.Add(1)
	start := time.Now()

	var ticks []models.CanonicalTick
	for _, src := range d.sources {
		raws := src.CollectData(d.cfg.MaxBatch)
		for _, raw := range raws {
			if tick, ok := d.parser.Normalize(raw); ok {
				ticks = append(ticks, *tick)
			}
		}
	}
	if len(ticks) == 0 {
		return
	}
	d.ticksSeen.Add(uint64(len(ticks)))

	cleaned := d.cleaner.Clean(ticks)
	if d.engine != nil {
		d.engine.Scan(cleaned)
	}
	if len(cleaned) == 0 || d.sink == nil {
		return
	}

	batch := models.TickBatch{
		BatchID:     uuid.New().String(),
		Cycle:       n,
		Ticks:       cleaned,
		RecordCount: len(cleaned),
		Collected:   time.Now(),
	}
	if err := d.sink.Save(ctx, batch); err != nil {
		d.log.WithError(err).WithFields(logger.Fields{
			"batch_id": batch.BatchID,
			"records":  batch.RecordCount,
		}).Error("batch save failed")
		return
	}
	metrics.BatchesSaved.Inc()
	d.batchesSaved.Add(1)
	logger.LogDataFlowEntry(d.log, "cleaner", "storage_sink", batch.RecordCount, "tick_batch")
	logger.LogPerformanceEntry(d.log, "dispatcher", "run_cycle", time.Since(start), logger.Fields{
		"records": batch.RecordCount,
	})
}

// Stop closes every source within the configured timeout, then waits
// for the cycle loop to finish its final sweep.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	closed := make(chan struct{})
	go func() {
		for _, src := range d.sources {
			src.Close()
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(d.cfg.CloseTimeout):
		d.log.Warn("close timeout exceeded, shutdown is partial")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.CloseTimeout):
		d.log.Warn("workers did not drain before timeout")
	}
	d.log.Info("dispatcher stopped")
}

// Status snapshots every source for the dashboard.
func (d *Dispatcher) Status() []collector.Status {
	out := make([]collector.Status, 0, len(d.sources))
	for _, src := range d.sources {
		out = append(out, src.Status())
	}
	return out
}

// Cycles returns the number of completed dispatch cycles.
func (d *Dispatcher) Cycles() uint64 {
	return d.cycles.Load()
}

func (d *Dispatcher) metricsReporter(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reportMetrics()
		}
	}
}

// reportMetrics publishes the pipeline counters, which also sends them
// to CloudWatch when the client is configured.
func (d *Dispatcher) reportMetrics() {
	queued := 0
	for _, st := range d.Status() {
		queued += st.QueueLen
	}
	collected := d.ticksSeen.Load()
	rejected := d.parser.Failures()
	saved := d.batchesSaved.Load()

	d.log.LogMetric("dispatcher", "ticks_collected", int64(collected), "counter", logger.Fields{})
	d.log.LogMetric("dispatcher", "ticks_rejected", int64(rejected), "counter", logger.Fields{})
	d.log.LogMetric("dispatcher", "batches_saved", int64(saved), "counter", logger.Fields{})
	d.log.LogMetric("dispatcher", "queued_records", queued, "gauge", logger.Fields{})

	d.log.WithFields(logger.Fields{
		"cycles":        d.cycles.Load(),
		"ticks_seen":    collected,
		"queued":        queued,
		"norm_failed":   rejected,
		"batches_saved": saved,
	}).Info("pipeline throughput")
}

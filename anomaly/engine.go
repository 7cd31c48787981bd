// Package anomaly runs pluggable data-quality detectors over cleaned
// tick batches. Detections are recorded, never raised: a detector that
// panics is isolated and the scan continues.
package anomaly

import (
	"fmt"
	"time"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// Detector inspects a cleaned batch and returns zero or more anomaly
// records. Detectors may keep per-contract state across calls; the
// engine invokes them sequentially.
type Detector interface {
	Name() string
	Detect(ticks []models.CanonicalTick) []models.AnomalyRecord
}

// Sink receives every anomaly record the engine produces. Record must
// not block the scan.
type Sink interface {
	Record(rec models.AnomalyRecord)
}

// Builder constructs a named detector from the anomaly configuration.
type Builder func(cfg config.AnomalyConfig) Detector

var builders = map[string]Builder{}

// RegisterBuilder makes a detector constructible by name. Registering
// a nil builder or an empty name is a programmer error.
func RegisterBuilder(name string, b Builder) {
	if name == "" || b == nil {
		panic("anomaly: invalid builder registration")
	}
	builders[name] = b
}

// Engine owns the configured detectors and fans detections out to the
// sinks.
type Engine struct {
	detectors []Detector
	sinks     []Sink
	log       *logger.Entry
}

// NewEngine builds the detectors named in cfg.Detectors. An unknown
// name panics, since it can only come from a wiring mistake.
func NewEngine(cfg config.AnomalyConfig, sinks ...Sink) *Engine {
	e := &Engine{
		sinks: sinks,
		log:   logger.GetLogger().WithComponent("anomaly"),
	}
	for _, name := range cfg.Detectors {
		b, ok := builders[name]
		if !ok {
			panic(fmt.Sprintf("anomaly: no detector registered under %q", name))
		}
		e.detectors = append(e.detectors, b(cfg))
	}
	return e
}

// Scan runs every detector over the batch. A panicking detector is
// logged and skipped for this batch; the remaining detectors still run.
func (e *Engine) Scan(ticks []models.CanonicalTick) {
	if len(ticks) == 0 {
		return
	}
	for _, d := range e.detectors {
		e.runDetector(d, ticks)
	}
}

func (e *Engine) runDetector(d Detector, ticks []models.CanonicalTick) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logger.Fields{"detector": d.Name(), "panic": fmt.Sprint(r)}).Error("detector panicked, batch skipped")
		}
	}()
	records := d.Detect(ticks)
	for _, rec := range records {
		if rec.Detected.IsZero() {
			rec.Detected = time.Now()
		}
		metrics.AnomaliesDetected.WithLabelValues(rec.Detector).Inc()
		for _, s := range e.sinks {
			s.Record(rec)
		}
	}
}

// LogSink writes anomaly records to the structured log. It is always
// wired in so detections are visible even with no external sink.
type LogSink struct {
	log *logger.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger().WithComponent("anomaly")}
}

func (s *LogSink) Record(rec models.AnomalyRecord) {
	fields := logger.Fields{
		"detector": rec.Detector,
		"severity": string(rec.Severity),
		"contract": rec.ContractID,
		"exchange": rec.ExchangeID,
		"source":   rec.SourceTag,
		"tick_time": rec.TickTime.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Evidence {
		fields[k] = v
	}
	s.log.WithFields(fields).Warn("data quality anomaly")
}

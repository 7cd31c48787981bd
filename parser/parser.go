// Package parser turns raw vendor records into canonical ticks. One
// decoder is registered per source tag; decoders are total over
// malformed input and only an unregistered tag panics.
package parser

import (
	"fmt"
	"sync/atomic"

	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// DecodeFunc converts one raw record into a canonical tick. A non-nil
// error means the record is malformed and should be dropped.
type DecodeFunc func(raw models.RawRecord) (*models.CanonicalTick, error)

// Parser dispatches raw records to format-specific decoders by source
// tag. Rejected records are optionally routed to a reject channel for
// offline inspection.
type Parser struct {
	decoders map[string]DecodeFunc
	rejects  chan<- models.RawRecord
	failures atomic.Uint64
	log      *logger.Entry
}

func New() *Parser {
	return &Parser{
		decoders: make(map[string]DecodeFunc),
		log:      logger.GetLogger().WithComponent("parser"),
	}
}

// NewWithDefaults returns a parser with every built-in vendor decoder
// registered under its conventional tag.
func NewWithDefaults() *Parser {
	p := New()
	p.Register("ctp", DecodeCTP)
	p.Register("zy", DecodeZY)
	p.Register("gfex", DecodeGFEX)
	return p
}

// Register binds a decoder to a source tag, replacing any previous one.
func (p *Parser) Register(tag string, fn DecodeFunc) {
	if fn == nil {
		panic(fmt.Sprintf("parser: nil decoder for tag %q", tag))
	}
	p.decoders[tag] = fn
}

// SetRejectChannel routes undecodable records to ch. Sends are
// non-blocking; a full channel just drops the reject.
func (p *Parser) SetRejectChannel(ch chan<- models.RawRecord) {
	p.rejects = ch
}

// Normalize decodes one raw record. It returns (nil, false) for
// malformed input and panics if the record's tag has no registered
// decoder, since that is a wiring bug rather than bad data.
func (p *Parser) Normalize(raw models.RawRecord) (*models.CanonicalTick, bool) {
	fn, ok := p.decoders[raw.SourceTag]
	if !ok {
		panic(fmt.Sprintf("parser: no decoder registered for source tag %q", raw.SourceTag))
	}
	tick, err := fn(raw)
	if err != nil || tick == nil || !tick.Valid() {
		p.failures.Add(1)
		metrics.NormalizationFailures.WithLabelValues(raw.SourceTag).Inc()
		if err != nil {
			p.log.WithFields(logger.Fields{"source": raw.SourceTag}).WithError(err).Debug("record rejected")
		}
		if p.rejects != nil {
			select {
			case p.rejects <- raw:
			default:
			}
		}
		return nil, false
	}
	tick.SourceTag = raw.SourceTag
	tick.Received = raw.Received
	return tick, true
}

// Failures returns the count of records rejected since creation.
func (p *Parser) Failures() uint64 {
	return p.failures.Load()
}

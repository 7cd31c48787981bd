// Package cleaner validates, deduplicates and back-fills normalized
// ticks before they reach the anomaly engine and sinks.
package cleaner

import (
	"time"

	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// seenLimit bounds the cross-batch dedup set so a long session cannot
// grow it without bound.
const seenLimit = 10000

// Cleaner applies the batch cleaning passes in a fixed order: validity,
// dedup, watermark regression, field fill. It keeps per-contract
// watermarks across batches, so one Cleaner serves one pipeline.
type Cleaner struct {
	tolerance  time.Duration
	seen       map[models.TickKey]struct{}
	watermarks map[string]time.Time
	log        *logger.Entry
}

func New(tolerance time.Duration) *Cleaner {
	return &Cleaner{
		tolerance:  tolerance,
		seen:       make(map[models.TickKey]struct{}),
		watermarks: make(map[string]time.Time),
		log:        logger.GetLogger().WithComponent("cleaner"),
	}
}

// Clean returns the surviving ticks in input order. Dropped ticks are
// counted, never reordered or mutated in place.
func (c *Cleaner) Clean(ticks []models.CanonicalTick) []models.CanonicalTick {
	if len(ticks) == 0 {
		return nil
	}
	out := make([]models.CanonicalTick, 0, len(ticks))
	for _, t := range ticks {
		if t.LastPrice == 0 {
			continue
		}

		key := t.Key()
		if _, dup := c.seen[key]; dup {
			metrics.DuplicatesDropped.Inc()
			continue
		}

		wkey := t.ContractID + "." + t.ExchangeID
		if wm, ok := c.watermarks[wkey]; ok {
			if lag := wm.Sub(t.UpdateTime); lag > c.tolerance {
				metrics.RegressionsDropped.Inc()
				c.log.WithFields(logger.Fields{
					"contract": t.ContractID,
					"lag_ms":   lag.Milliseconds(),
				}).Debug("tick behind watermark dropped")
				continue
			}
			if t.UpdateTime.After(wm) {
				c.watermarks[wkey] = t.UpdateTime
			}
		} else {
			c.watermarks[wkey] = t.UpdateTime
		}

		if len(c.seen) >= seenLimit {
			c.seen = make(map[models.TickKey]struct{}, seenLimit)
		}
		c.seen[key] = struct{}{}

		c.fill(&t)
		out = append(out, t)
	}
	return out
}

// fill populates the day fields a vendor frame omits from the tick's
// own timestamp.
func (c *Cleaner) fill(t *models.CanonicalTick) {
	if t.TradingDay == "" {
		t.TradingDay = t.UpdateTime.Format("20060102")
	}
	if t.ActionDay == "" {
		t.ActionDay = t.TradingDay
	}
}

// Watermark exposes the current per-contract high-water mark, mainly
// for tests and the dashboard.
func (c *Cleaner) Watermark(contractID, exchangeID string) (time.Time, bool) {
	wm, ok := c.watermarks[contractID+"."+exchangeID]
	return wm, ok
}

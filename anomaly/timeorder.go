package anomaly

import (
	"time"

	"tickflow/config"
	"tickflow/models"
)

func init() {
	RegisterBuilder("time_order", func(cfg config.AnomalyConfig) Detector {
		return NewTimeOrderDetector()
	})
}

// TimeOrderDetector flags ticks whose exchange timestamp moved
// backwards relative to the previous tick of the same contract. The
// cleaner already drops regressions beyond its tolerance, so anything
// flagged here slipped in under that tolerance.
type TimeOrderDetector struct {
	prev map[string]time.Time
}

func NewTimeOrderDetector() *TimeOrderDetector {
	return &TimeOrderDetector{prev: make(map[string]time.Time)}
}

func (d *TimeOrderDetector) Name() string { return "time_order" }

func (d *TimeOrderDetector) Detect(ticks []models.CanonicalTick) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	for _, t := range ticks {
		key := t.ContractID + "." + t.ExchangeID
		prev, ok := d.prev[key]
		if !ok {
			d.prev[key] = t.UpdateTime
			continue
		}
		if t.UpdateTime.Before(prev) {
			out = append(out, models.AnomalyRecord{
				Detector:   d.Name(),
				Severity:   models.SeverityInfo,
				ContractID: t.ContractID,
				ExchangeID: t.ExchangeID,
				SourceTag:  t.SourceTag,
				TickTime:   t.UpdateTime,
				Evidence: map[string]float64{
					"regression_ms": float64(prev.Sub(t.UpdateTime).Milliseconds()),
				},
			})
			continue
		}
		d.prev[key] = t.UpdateTime
	}
	return out
}

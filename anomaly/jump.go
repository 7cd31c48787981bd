package anomaly

import (
	"math"

	"tickflow/config"
	"tickflow/models"
)

func init() {
	RegisterBuilder("jump", func(cfg config.AnomalyConfig) Detector {
		return NewJumpDetector(cfg.JumpThreshold)
	})
}

// JumpDetector flags ticks whose last price moved more than the
// configured fraction from the previous tick of the same contract. The
// first tick of a contract only seeds the reference price.
type JumpDetector struct {
	threshold float64
	prev      map[string]float64
}

func NewJumpDetector(threshold float64) *JumpDetector {
	return &JumpDetector{
		threshold: threshold,
		prev:      make(map[string]float64),
	}
}

func (d *JumpDetector) Name() string { return "jump" }

func (d *JumpDetector) Detect(ticks []models.CanonicalTick) []models.AnomalyRecord {
	var out []models.AnomalyRecord
	for _, t := range ticks {
		key := t.ContractID + "." + t.ExchangeID
		prev, ok := d.prev[key]
		d.prev[key] = t.LastPrice
		if !ok || prev == 0 {
			continue
		}
		ratio := math.Abs(t.LastPrice-prev) / prev
		if ratio <= d.threshold {
			continue
		}
		out = append(out, models.AnomalyRecord{
			Detector:   d.Name(),
			Severity:   models.SeverityWarning,
			ContractID: t.ContractID,
			ExchangeID: t.ExchangeID,
			SourceTag:  t.SourceTag,
			TickTime:   t.UpdateTime,
			Evidence: map[string]float64{
				"prev_price":   prev,
				"price":        t.LastPrice,
				"change_ratio": ratio,
			},
		})
	}
	return out
}

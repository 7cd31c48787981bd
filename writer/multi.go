package writer

import (
	"context"
	"errors"

	"tickflow/models"
)

// batchSink matches dispatcher.Sink without importing the package.
type batchSink interface {
	Save(ctx context.Context, batch models.TickBatch) error
}

// MultiSink fans one batch out to several sinks. Every sink sees the
// batch even when an earlier one fails; the errors are joined.
type MultiSink struct {
	sinks []batchSink
}

func NewMultiSink(sinks ...batchSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Add appends a sink after construction.
func (m *MultiSink) Add(sink batchSink) {
	m.sinks = append(m.sinks, sink)
}

func (m *MultiSink) Save(ctx context.Context, batch models.TickBatch) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Save(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

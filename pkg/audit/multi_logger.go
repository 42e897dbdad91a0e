package audit

import (
	"context"
	"errors"
)

// MultiRecorder records to several recorders in order
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder creates a recorder fanning out to recorders
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

// Record writes entry to every recorder. A failing recorder does not stop the
// others; all failures are returned joined.
func (m *MultiRecorder) Record(ctx context.Context, entry *Entry) error {
	var errs []error
	for _, r := range m.recorders {
		if err := r.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package history

import (
	"context"

	"github.com/ent0n29/voxpipe/internal/policy"
)

// Redacting masks PII in the free-text fields of every record before
// handing it to the wrapped store.
type Redacting struct {
	Store
}

func NewRedacting(s Store) *Redacting { return &Redacting{Store: s} }

func (r *Redacting) SaveRun(ctx context.Context, record RunRecord) error {
	return r.Store.SaveRun(ctx, Redact(record))
}

// Redact returns record with transcript and response text scrubbed.
func Redact(record RunRecord) RunRecord {
	var changed bool
	for _, field := range []*string{&record.Transcript, &record.Response, &record.Error} {
		out, c := policy.RedactPII(*field)
		*field = out
		changed = changed || c
	}
	record.PIIRedacted = record.PIIRedacted || changed
	return record
}

package extraction

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
)

// Options tunes the scheduler, its worker pool and the processing sweep.
// Zero fields take the default from the struct tag.
type Options struct {
	// MaxSubmitRetries bounds how often Submit re-reads after losing a state race.
	MaxSubmitRetries int `default:"3"`
	// ExtractionTimeout caps a single extractor call.
	ExtractionTimeout time.Duration `default:"2m"`
	// MaxBlobBytes caps how much of a stored file is read into memory.
	MaxBlobBytes int64 `default:"52428800"`
	// ProcessingTimeout is how long a record may stay processing before the
	// sweep fails it.
	ProcessingTimeout time.Duration `default:"10m"`
	SweepInterval     time.Duration `default:"1m"`
	SweepBatch        int           `default:"100"`
	Workers           int           `default:"4"`
	QueueSize         int           `default:"256"`
}

func (o *Options) setDefaults() error {
	if err := defaults.Set(o); err != nil {
		return fmt.Errorf("extraction options: %w", err)
	}
	if o.ProcessingTimeout <= o.ExtractionTimeout {
		return fmt.Errorf("extraction options: processing timeout %s must exceed extraction timeout %s", o.ProcessingTimeout, o.ExtractionTimeout)
	}
	return nil
}

// Package progress defines the term lifecycle events emitted by the workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTermStart Stage = "TERM_START"
	StagePageDone  Stage = "PAGE_DONE"
	StageTermDone  Stage = "TERM_DONE"
	StageTermError Stage = "TERM_ERROR"
)

// Event captures a single step of a collection run.
type Event struct {
	// RunID identifies the collection run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Worker is the index of the emitting worker.
	Worker int
	// Term is the search term being processed. The empty string is a valid term.
	Term string
	// Page is the page index for PAGE_DONE, or the number of non-empty pages
	// for TERM_DONE.
	Page int
	// Records counts records fetched (per page, or per term on completion).
	Records int
	// Admitted counts records the ledger accepted.
	Admitted int
	// Dur captures page latency or total term runtime.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTermStart, StageTermDone, StageTermError:
	case StagePageDone:
		if e.Page < 1 {
			return errors.New("page done requires a page index")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Records < 0 || e.Admitted < 0 {
		return errors.New("counts must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

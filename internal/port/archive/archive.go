package archive

import (
	"context"

	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
)

// Writer persists batches of sequenced events. Events are keyed by the run
// that produced them, since sequence numbers restart with the process.
// [ISP] The archiver only writes; readers depend on Reader.
type Writer interface {
	Append(ctx context.Context, runID uuid.UUID, events []event.Event) error
	LastSequence(ctx context.Context, runID uuid.UUID) (uint64, error)
}

type Reader interface {
	ListSince(ctx context.Context, runID uuid.UUID, fromSeq uint64, limit int) ([]event.Event, error)
}

type Archive interface {
	Writer
	Reader
}

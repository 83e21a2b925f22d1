package eventarchive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	portarchive "github.com/alanyang/agent-coordinator/internal/port/archive"
)

var _ portarchive.Archive = (*Archive)(nil)

// Archive stores events in Postgres and re-announces each one with NOTIFY on
// its domain channel so external listeners can follow without polling.
type Archive struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// Append inserts the batch and notifies in one transaction; notifications are
// only delivered if the insert commits. Re-appending an archived seq is a no-op.
func (a *Archive) Append(ctx context.Context, runID uuid.UUID, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range events {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		batch.Queue(`
			INSERT INTO coordinator_events (run_id, seq, ts, type, subject_id, payload)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			ON CONFLICT (run_id, seq) DO NOTHING`,
			runID, int64(e.Seq), e.Timestamp, string(e.Type), e.SubjectID, payload,
		)

		note, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling event %d: %w", e.Seq, err)
		}
		batch.Queue("SELECT pg_notify($1, $2)", ChannelName(event.ChannelFor(e.Type)), string(note))
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archiving %d events: %w", len(events), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// LastSequence returns the highest archived seq for the run, or 0.
func (a *Archive) LastSequence(ctx context.Context, runID uuid.UUID) (uint64, error) {
	var last int64
	err := a.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM coordinator_events WHERE run_id = $1`, runID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("querying last archived seq: %w", err)
	}
	return uint64(last), nil
}

func (a *Archive) ListSince(ctx context.Context, runID uuid.UUID, fromSeq uint64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := a.pool.Query(ctx, `
		SELECT seq, ts, type, subject_id, payload
		FROM coordinator_events
		WHERE run_id = $1 AND seq >= $2
		ORDER BY seq
		LIMIT $3`,
		runID, int64(fromSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing archived events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			e       event.Event
			seq     int64
			typ     string
			payload []byte
		)
		if err := rows.Scan(&seq, &e.Timestamp, &typ, &e.SubjectID, &payload); err != nil {
			return nil, fmt.Errorf("scanning archived event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Type = event.Type(typ)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ChannelName converts a domain Channel to a safe Postgres channel identifier.
func ChannelName(ch event.Channel) string {
	return "agent_coordinator_" + string(ch)
}

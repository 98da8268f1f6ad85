package postgresrepo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository"
)

const queueColumns = `id, event_id, user_id, device_id, position, state, joined_at,
	called_at, admit_deadline, converted_at, reservation_id`

type QueueRepo struct {
	store *Store
}

func scanQueueEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var (
		q     domain.QueueEntry
		state string
	)

	if err := row.Scan(
		&q.ID,
		&q.EventID,
		&q.UserID,
		&q.DeviceID,
		&q.Position,
		&state,
		&q.JoinedAt,
		&q.CalledAt,
		&q.AdmitDeadline,
		&q.ConvertedAt,
		&q.ReservationID,
	); err != nil {
		return nil, err
	}

	q.State = domain.QueueState(state)

	return &q, nil
}

func collectQueueEntries(rows pgx.Rows) ([]domain.QueueEntry, error) {
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		q, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}

	return out, rows.Err()
}

// Join bumps the event cursor, which row-locks it until commit, and stamps
// joined_at while holding that lock. Positions and join times therefore
// agree across concurrent joiners.
func (r *QueueRepo) Join(
	ctx context.Context,
	e *domain.QueueEntry,
	now func() time.Time,
) (*domain.QueueEntry, error) {
	const op = "postgresrepo.QueueRepo.Join"

	var out *domain.QueueEntry
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		var position int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO queue_cursors (event_id, next_position)
			 VALUES ($1, 1)
			 ON CONFLICT (event_id) DO UPDATE
			 	SET next_position = queue_cursors.next_position + 1
			 RETURNING next_position`,
			e.EventID,
		).Scan(&position); err != nil {
			return wrapDBErr(op, err)
		}

		entry := *e
		entry.Position = position
		entry.JoinedAt = now()
		entry.CalledAt = nil
		if entry.State == domain.QueueCalled {
			at := entry.JoinedAt
			entry.CalledAt = &at
		}

		q, err := scanQueueEntry(tx.QueryRow(ctx,
			`INSERT INTO queue_entries
			 	(id, event_id, user_id, device_id, position, state, joined_at, called_at, admit_deadline)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+queueColumns,
			entry.ID, entry.EventID, entry.UserID, entry.DeviceID, entry.Position,
			string(entry.State), entry.JoinedAt, entry.CalledAt, entry.AdmitDeadline,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = q
		return nil
	})

	return out, err
}

func (r *QueueRepo) Get(ctx context.Context, id uuid.UUID) (*domain.QueueEntry, error) {
	const op = "postgresrepo.QueueRepo.Get"

	q, err := scanQueueEntry(r.store.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM queue_entries WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return q, nil
}

func (r *QueueRepo) FindOpen(ctx context.Context, eventID, userID string) (*domain.QueueEntry, error) {
	const op = "postgresrepo.QueueRepo.FindOpen"

	q, err := scanQueueEntry(r.store.pool.QueryRow(ctx,
		`SELECT `+queueColumns+`
		 FROM queue_entries
		 WHERE event_id = $1 AND user_id = $2 AND state IN ('waiting', 'called')
		 ORDER BY position
		 LIMIT 1`,
		eventID, userID,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return q, nil
}

// lockCursor takes the per-event row lock shared with Join.
func lockCursor(ctx context.Context, tx DB, eventID string) error {
	_, err := tx.Exec(ctx,
		`SELECT next_position FROM queue_cursors WHERE event_id = $1 FOR UPDATE`,
		eventID,
	)
	return err
}

func (r *QueueRepo) CallNext(
	ctx context.Context,
	eventID string,
	n int,
	now, deadline time.Time,
) ([]domain.QueueEntry, error) {
	const op = "postgresrepo.QueueRepo.CallNext"

	if n <= 0 {
		return nil, nil
	}

	var out []domain.QueueEntry
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		if err := lockCursor(ctx, tx, eventID); err != nil {
			return wrapDBErr(op, err)
		}

		rows, err := tx.Query(ctx,
			`UPDATE queue_entries
			 SET state = 'called', called_at = $3, admit_deadline = $4
			 WHERE id IN (
			 	SELECT id FROM queue_entries
			 	WHERE event_id = $1 AND state = 'waiting'
			 	ORDER BY position
			 	LIMIT $2
			 )
			 RETURNING `+queueColumns,
			eventID, n, now, deadline,
		)
		if err != nil {
			return wrapDBErr(op, err)
		}

		called, err := collectQueueEntries(rows)
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = called
		return nil
	})

	return out, err
}

func (r *QueueRepo) ExpireCalled(ctx context.Context, eventID string, now time.Time) ([]domain.QueueEntry, error) {
	const op = "postgresrepo.QueueRepo.ExpireCalled"

	var out []domain.QueueEntry
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		if err := lockCursor(ctx, tx, eventID); err != nil {
			return wrapDBErr(op, err)
		}

		rows, err := tx.Query(ctx,
			`UPDATE queue_entries
			 SET state = 'expired'
			 WHERE event_id = $1 AND state = 'called' AND admit_deadline <= $2
			 RETURNING `+queueColumns,
			eventID, now,
		)
		if err != nil {
			return wrapDBErr(op, err)
		}

		expired, err := collectQueueEntries(rows)
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = expired
		return nil
	})

	return out, err
}

// Convert consumes the admission of a called entry. An entry found past its
// deadline is expired in the same transaction and ErrQueueExpired returned
// after commit.
func (r *QueueRepo) Convert(
	ctx context.Context,
	id uuid.UUID,
	reservationID uuid.UUID,
	now time.Time,
) (*domain.QueueEntry, error) {
	const op = "postgresrepo.QueueRepo.Convert"

	var (
		out     *domain.QueueEntry
		outcome error
	)

	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		out, outcome = nil, nil

		q, err := scanQueueEntry(tx.QueryRow(ctx,
			`SELECT `+queueColumns+` FROM queue_entries WHERE id = $1 FOR UPDATE`,
			id,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}

		switch q.State {
		case domain.QueueWaiting:
			return fmt.Errorf("%s: %w", op, repository.ErrQueueNotCalled)
		case domain.QueueExpired:
			return fmt.Errorf("%s: %w", op, repository.ErrQueueExpired)
		case domain.QueueConverted:
			return fmt.Errorf("%s: %w", op, repository.ErrConflict)
		}

		if !q.AdmissionOpen(now) {
			if _, err := tx.Exec(ctx,
				`UPDATE queue_entries SET state = 'expired' WHERE id = $1`,
				id,
			); err != nil {
				return wrapDBErr(op, err)
			}
			outcome = fmt.Errorf("%s: %w", op, repository.ErrQueueExpired)
			return nil
		}

		converted, err := scanQueueEntry(tx.QueryRow(ctx,
			`UPDATE queue_entries
			 SET state = 'converted', converted_at = $2, reservation_id = $3
			 WHERE id = $1
			 RETURNING `+queueColumns,
			id, now, reservationID,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = converted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}

	return out, nil
}

func (r *QueueRepo) CountAhead(ctx context.Context, eventID string, position int64) (int64, error) {
	const op = "postgresrepo.QueueRepo.CountAhead"

	var n int64
	if err := r.store.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_entries
		 WHERE event_id = $1 AND state = 'waiting' AND position < $2`,
		eventID, position,
	).Scan(&n); err != nil {
		return 0, wrapDBErr(op, err)
	}

	return n, nil
}

func (r *QueueRepo) Stats(ctx context.Context, eventID string) (domain.QueueStats, error) {
	const op = "postgresrepo.QueueRepo.Stats"

	st := domain.QueueStats{EventID: eventID}
	if err := r.store.pool.QueryRow(ctx,
		`SELECT
		 	count(*) FILTER (WHERE state = 'waiting'),
		 	count(*) FILTER (WHERE state = 'called')
		 FROM queue_entries
		 WHERE event_id = $1`,
		eventID,
	).Scan(&st.Waiting, &st.Called); err != nil {
		return st, wrapDBErr(op, err)
	}

	return st, nil
}

func (r *QueueRepo) ActiveEvents(ctx context.Context) ([]string, error) {
	const op = "postgresrepo.QueueRepo.ActiveEvents"

	rows, err := r.store.pool.Query(ctx,
		`SELECT DISTINCT event_id FROM queue_entries
		 WHERE state IN ('waiting', 'called')
		 ORDER BY event_id`,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

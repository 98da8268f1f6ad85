package postgresrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository"
)

const reservationColumns = `id, event_id, user_id, queue_entry_id, items, status, released,
	created_at, expires_at, resolved_at`

type ReservationRepo struct {
	store *Store
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		r      domain.Reservation
		items  []byte
		status string
	)

	if err := row.Scan(
		&r.ID,
		&r.EventID,
		&r.UserID,
		&r.QueueEntryID,
		&items,
		&status,
		&r.Released,
		&r.CreatedAt,
		&r.ExpiresAt,
		&r.ResolvedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}

	r.Status = domain.ReservationStatus(status)

	return &r, nil
}

// Create inserts a new reservation.
//
// Returns:
//   - error: repository.ErrConflict if the id is already taken.
func (r *ReservationRepo) Create(ctx context.Context, res *domain.Reservation) error {
	const op = "postgresrepo.ReservationRepo.Create"

	items, err := json.Marshal(res.Items)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO reservations
			 	(id, event_id, user_id, queue_entry_id, items, status, released, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8)`,
			res.ID, res.EventID, res.UserID, res.QueueEntryID, items,
			string(res.Status), res.CreatedAt, res.ExpiresAt,
		); err != nil {
			return wrapDBErr(op, err)
		}
		return nil
	})
}

func (r *ReservationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	const op = "postgresrepo.ReservationRepo.Get"

	res, err := scanReservation(r.store.pool.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return res, nil
}

// Confirm flips an active reservation to confirmed under a row lock.
//
// Returns:
//   - error: repository.ErrReservationExpired if expires_at has passed or the
//     sweep already expired it.
//   - error: repository.ErrAlreadyResolved for confirmed/released reservations.
func (r *ReservationRepo) Confirm(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Reservation, error) {
	const op = "postgresrepo.ReservationRepo.Confirm"

	var out *domain.Reservation
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		cur, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`,
			id,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}

		switch {
		case cur.Status == domain.ReservationExpired:
			return fmt.Errorf("%s: %w", op, repository.ErrReservationExpired)
		case cur.Status != domain.ReservationActive:
			return fmt.Errorf("%s: %w", op, repository.ErrAlreadyResolved)
		case cur.IsExpired(now):
			return fmt.Errorf("%s: %w", op, repository.ErrReservationExpired)
		}

		res, err := scanReservation(tx.QueryRow(ctx,
			`UPDATE reservations
			 SET status = 'confirmed', resolved_at = $2
			 WHERE id = $1
			 RETURNING `+reservationColumns,
			id, now,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = res
		return nil
	})

	return out, err
}

// Release moves an active reservation to status and flips released. A
// cancel that arrives past the deadline is recorded as expired. Only the call
// that flips the flag gets true back.
func (r *ReservationRepo) Release(
	ctx context.Context,
	id uuid.UUID,
	status domain.ReservationStatus,
	now time.Time,
) (*domain.Reservation, bool, error) {
	const op = "postgresrepo.ReservationRepo.Release"

	var (
		out     *domain.Reservation
		flipped bool
	)

	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		flipped = false

		cur, err := scanReservation(tx.QueryRow(ctx,
			`SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`,
			id,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}

		if cur.Status != domain.ReservationActive || cur.Released {
			out = cur
			return nil
		}

		next := status
		if next == domain.ReservationReleased && cur.IsExpired(now) {
			next = domain.ReservationExpired
		}

		res, err := scanReservation(tx.QueryRow(ctx,
			`UPDATE reservations
			 SET status = $2, released = TRUE, resolved_at = $3
			 WHERE id = $1
			 RETURNING `+reservationColumns,
			id, string(next), now,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}

		out, flipped = res, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return out, flipped, nil
}

func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	const op = "postgresrepo.ReservationRepo.ListExpired"

	rows, err := r.store.pool.Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE status = 'active' AND expires_at <= $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

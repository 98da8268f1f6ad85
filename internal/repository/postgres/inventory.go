package postgresrepo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository"
)

const counterColumns = `event_id, tier_id, capacity, held, sold, updated_at`

type InventoryRepo struct {
	store *Store
}

func scanCounter(row pgx.Row) (*domain.InventoryCounter, error) {
	var c domain.InventoryCounter
	if err := row.Scan(&c.EventID, &c.TierID, &c.Capacity, &c.Held, &c.Sold, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// Upsert sets the capacity of a tier.
//
// Returns:
//   - error: repository.ErrCapacityBelowUse if capacity < held+sold.
func (r *InventoryRepo) Upsert(
	ctx context.Context,
	eventID, tierID string,
	capacity int64,
) (*domain.InventoryCounter, error) {
	const op = "postgresrepo.InventoryRepo.Upsert"

	var out *domain.InventoryCounter
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		c, err := scanCounter(tx.QueryRow(ctx,
			`INSERT INTO inventory_counters (event_id, tier_id, capacity)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (event_id, tier_id) DO UPDATE
			 	SET capacity = EXCLUDED.capacity, updated_at = now()
			 	WHERE inventory_counters.held + inventory_counters.sold <= EXCLUDED.capacity
			 RETURNING `+counterColumns,
			eventID, tierID, capacity,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s: %w", op, repository.ErrCapacityBelowUse)
		}
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = c
		return nil
	})

	return out, err
}

func (r *InventoryRepo) Get(ctx context.Context, eventID, tierID string) (*domain.InventoryCounter, error) {
	const op = "postgresrepo.InventoryRepo.Get"

	c, err := scanCounter(r.store.pool.QueryRow(ctx,
		`SELECT `+counterColumns+`
		 FROM inventory_counters
		 WHERE event_id = $1 AND tier_id = $2`,
		eventID, tierID,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return c, nil
}

func (r *InventoryRepo) ListByEvent(ctx context.Context, eventID string) ([]domain.InventoryCounter, error) {
	const op = "postgresrepo.InventoryRepo.ListByEvent"

	rows, err := r.store.pool.Query(ctx,
		`SELECT `+counterColumns+`
		 FROM inventory_counters
		 WHERE event_id = $1
		 ORDER BY tier_id`,
		eventID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	defer rows.Close()

	var out []domain.InventoryCounter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, wrapDBErr(op, err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// TryHold adds qty to held in a single conditional UPDATE. The row lock
// taken by the UPDATE serializes concurrent holds on the same tier.
//
// Returns:
//   - error: repository.ErrCapacityExceeded if fewer than qty units are free.
//   - error: repository.ErrNotFound if the tier has no counter.
func (r *InventoryRepo) TryHold(
	ctx context.Context,
	eventID, tierID string,
	qty int64,
) (*domain.InventoryCounter, error) {
	const op = "postgresrepo.InventoryRepo.TryHold"

	var out *domain.InventoryCounter
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		c, err := scanCounter(tx.QueryRow(ctx,
			`UPDATE inventory_counters
			 SET held = held + $3, updated_at = now()
			 WHERE event_id = $1 AND tier_id = $2 AND capacity - held - sold >= $3
			 RETURNING `+counterColumns,
			eventID, tierID, qty,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM inventory_counters WHERE event_id = $1 AND tier_id = $2)`,
				eventID, tierID,
			).Scan(&exists); err != nil {
				return wrapDBErr(op, err)
			}
			if !exists {
				return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
			}
			return fmt.Errorf("%s: %w", op, repository.ErrCapacityExceeded)
		}
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = c
		return nil
	})

	return out, err
}

func (r *InventoryRepo) Release(
	ctx context.Context,
	eventID, tierID string,
	qty int64,
) (*domain.InventoryCounter, error) {
	return r.update(ctx, "postgresrepo.InventoryRepo.Release",
		`UPDATE inventory_counters
		 SET held = GREATEST(held - $3, 0), updated_at = now()
		 WHERE event_id = $1 AND tier_id = $2
		 RETURNING `+counterColumns,
		eventID, tierID, qty,
	)
}

func (r *InventoryRepo) Commit(
	ctx context.Context,
	eventID, tierID string,
	qty int64,
) (*domain.InventoryCounter, error) {
	return r.update(ctx, "postgresrepo.InventoryRepo.Commit",
		`UPDATE inventory_counters
		 SET held = held - LEAST($3, held), sold = sold + LEAST($3, held), updated_at = now()
		 WHERE event_id = $1 AND tier_id = $2
		 RETURNING `+counterColumns,
		eventID, tierID, qty,
	)
}

func (r *InventoryRepo) update(
	ctx context.Context,
	op, sql string,
	eventID, tierID string,
	qty int64,
) (*domain.InventoryCounter, error) {
	var out *domain.InventoryCounter
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		c, err := scanCounter(tx.QueryRow(ctx, sql, eventID, tierID, qty))
		if err != nil {
			return wrapDBErr(op, err)
		}

		out = c
		return nil
	})

	return out, err
}

package postgresrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/turnstile/internal/domain"
	"github.com/kirinyoku/turnstile/internal/repository"
)

const entitlementColumns = `id, event_id, order_id, unit_index, reservation_id, owner_user_id, tier_id,
	ticket_type, gender_constraint, scan_count_allowed, scan_count_used, state,
	issued_at, activated_at, consumed_at, revoked_at, valid_until, couple_key, metadata`

type EntitlementRepo struct {
	store *Store
}

func scanEntitlement(row pgx.Row) (*domain.Entitlement, error) {
	var (
		e                         domain.Entitlement
		ticketType, gender, state string
		metadata                  []byte
	)

	if err := row.Scan(
		&e.ID,
		&e.EventID,
		&e.OrderID,
		&e.UnitIndex,
		&e.ReservationID,
		&e.OwnerUserID,
		&e.TierID,
		&ticketType,
		&gender,
		&e.ScanCountAllowed,
		&e.ScanCountUsed,
		&state,
		&e.IssuedAt,
		&e.ActivatedAt,
		&e.ConsumedAt,
		&e.RevokedAt,
		&e.ValidUntil,
		&e.CoupleKey,
		&metadata,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	e.TicketType = domain.TicketType(ticketType)
	e.GenderConstraint = domain.Gender(gender)
	e.State = domain.EntitlementState(state)

	return &e, nil
}

func collectEntitlements(rows pgx.Rows) ([]domain.Entitlement, error) {
	defer rows.Close()

	var out []domain.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}

	return out, rows.Err()
}

func insertEntitlement(ctx context.Context, tx DB, e *domain.Entitlement) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO entitlements (`+entitlementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.EventID, e.OrderID, e.UnitIndex, e.ReservationID, e.OwnerUserID, e.TierID,
		string(e.TicketType), string(e.GenderConstraint), e.ScanCountAllowed, e.ScanCountUsed, string(e.State),
		e.IssuedAt, e.ActivatedAt, e.ConsumedAt, e.RevokedAt, e.ValidUntil, e.CoupleKey, metadata,
	)

	return err
}

// saveEntitlement writes the mutable columns of e back to its row.
func saveEntitlement(ctx context.Context, tx DB, e *domain.Entitlement) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE entitlements
		 SET owner_user_id = $2,
		 	scan_count_used = $3,
		 	state = $4,
		 	activated_at = $5,
		 	consumed_at = $6,
		 	revoked_at = $7,
		 	valid_until = $8,
		 	metadata = $9
		 WHERE id = $1`,
		e.ID, e.OwnerUserID, e.ScanCountUsed, string(e.State),
		e.ActivatedAt, e.ConsumedAt, e.RevokedAt, e.ValidUntil, metadata,
	)

	return err
}

func lockEntitlement(ctx context.Context, tx DB, id uuid.UUID) (*domain.Entitlement, error) {
	return scanEntitlement(tx.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1 FOR UPDATE`,
		id,
	))
}

// IssueBatch serializes issuance per order with a transaction-scoped advisory
// lock, so concurrent retries of the same order observe each other.
func (r *EntitlementRepo) IssueBatch(
	ctx context.Context,
	orderID string,
	ents []domain.Entitlement,
) ([]domain.Entitlement, bool, error) {
	const op = "postgresrepo.EntitlementRepo.IssueBatch"

	var (
		out     []domain.Entitlement
		created bool
	)

	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		out, created = nil, false

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "order:"+orderID); err != nil {
			return wrapDBErr(op, err)
		}

		rows, err := tx.Query(ctx,
			`SELECT `+entitlementColumns+` FROM entitlements WHERE order_id = $1 ORDER BY unit_index`,
			orderID,
		)
		if err != nil {
			return wrapDBErr(op, err)
		}

		existing, err := collectEntitlements(rows)
		if err != nil {
			return wrapDBErr(op, err)
		}
		if len(existing) > 0 {
			out = existing
			return nil
		}

		for i := range ents {
			if err := insertEntitlement(ctx, tx, &ents[i]); err != nil {
				return wrapDBErr(op, err)
			}
		}

		out = append([]domain.Entitlement(nil), ents...)
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return out, created, nil
}

func (r *EntitlementRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Entitlement, error) {
	const op = "postgresrepo.EntitlementRepo.Get"

	e, err := scanEntitlement(r.store.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`,
		id,
	))
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return e, nil
}

func (r *EntitlementRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.Entitlement, error) {
	const op = "postgresrepo.EntitlementRepo.ListByOrder"

	rows, err := r.store.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE order_id = $1 ORDER BY unit_index`,
		orderID,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collectEntitlements(rows)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func (r *EntitlementRepo) Update(
	ctx context.Context,
	id uuid.UUID,
	fn repository.EntitlementMutator,
) (*domain.Entitlement, error) {
	const op = "postgresrepo.EntitlementRepo.Update"

	var out *domain.Entitlement
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		e, err := lockEntitlement(ctx, tx, id)
		if err != nil {
			return wrapDBErr(op, err)
		}

		if err := fn(e); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if err := saveEntitlement(ctx, tx, e); err != nil {
			return wrapDBErr(op, err)
		}

		out = e
		return nil
	})

	return out, err
}

// Scan holds the row lock across the decision, the ledger insert and the
// counter update, so concurrent scans of a multi-use ticket never exceed
// scan_count_allowed.
func (r *EntitlementRepo) Scan(
	ctx context.Context,
	id uuid.UUID,
	decide repository.ScanDecider,
) (*domain.Entitlement, *domain.ScanLedgerEntry, error) {
	const op = "postgresrepo.EntitlementRepo.Scan"

	var (
		out   *domain.Entitlement
		entry domain.ScanLedgerEntry
	)

	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		e, err := lockEntitlement(ctx, tx, id)
		if err != nil {
			return wrapDBErr(op, err)
		}

		before := *e
		entry = decide(e)

		if err := insertScanEntry(ctx, tx, &entry); err != nil {
			return wrapDBErr(op, err)
		}

		if entry.Result != domain.ScanGranted && e.State == before.State {
			out = &before
			return nil
		}

		if err := saveEntitlement(ctx, tx, e); err != nil {
			return wrapDBErr(op, err)
		}

		out = e
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return out, &entry, nil
}

func (r *EntitlementRepo) Link(
	ctx context.Context,
	a, b uuid.UUID,
) (*domain.Entitlement, *domain.Entitlement, error) {
	const op = "postgresrepo.EntitlementRepo.Link"

	if a == b {
		return nil, nil, fmt.Errorf("%s: %w", op, repository.ErrConflict)
	}

	var outA, outB *domain.Entitlement
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		var err error
		outA, outB, err = linkPair(ctx, tx, a, b)
		if err != nil {
			return wrapDBErr(op, err)
		}
		return nil
	})

	return outA, outB, err
}

// linkPair locks both rows in id order and sets the partner ids.
func linkPair(ctx context.Context, tx DB, a, b uuid.UUID) (*domain.Entitlement, *domain.Entitlement, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE id = ANY($1)
		 ORDER BY id
		 FOR UPDATE`,
		[]uuid.UUID{a, b},
	)
	if err != nil {
		return nil, nil, err
	}

	locked, err := collectEntitlements(rows)
	if err != nil {
		return nil, nil, err
	}
	if len(locked) != 2 {
		return nil, nil, repository.ErrNotFound
	}

	ea, eb := &locked[0], &locked[1]
	if ea.ID != a {
		ea, eb = eb, ea
	}

	if !domain.CanPair(ea, eb) {
		return nil, nil, repository.ErrConflict
	}

	ea.Metadata.CouplePartnerID = &eb.ID
	eb.Metadata.CouplePartnerID = &ea.ID

	if err := saveEntitlement(ctx, tx, ea); err != nil {
		return nil, nil, err
	}
	if err := saveEntitlement(ctx, tx, eb); err != nil {
		return nil, nil, err
	}

	return ea, eb, nil
}

// Rendezvous serializes on (event, couple key) with an advisory lock held
// until commit, then links with the oldest unlinked candidate.
func (r *EntitlementRepo) Rendezvous(
	ctx context.Context,
	id uuid.UUID,
) (*domain.Entitlement, *domain.Entitlement, error) {
	const op = "postgresrepo.EntitlementRepo.Rendezvous"

	var self, partner *domain.Entitlement
	err := r.store.RunTx(ctx, readCommitted, func(ctx context.Context, tx DB) error {
		self, partner = nil, nil

		e, err := scanEntitlement(tx.QueryRow(ctx,
			`SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1`,
			id,
		))
		if err != nil {
			return wrapDBErr(op, err)
		}
		if e.TicketType != domain.TicketCouple || e.CoupleKey == "" {
			return fmt.Errorf("%s: %w", op, repository.ErrConflict)
		}

		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1))`,
			"couple:"+e.EventID+":"+e.CoupleKey,
		); err != nil {
			return wrapDBErr(op, err)
		}

		if e, err = lockEntitlement(ctx, tx, id); err != nil {
			return wrapDBErr(op, err)
		}

		if pid := e.Metadata.CouplePartnerID; pid != nil {
			p, err := lockEntitlement(ctx, tx, *pid)
			if err != nil {
				return wrapDBErr(op, err)
			}
			self, partner = e, p
			return nil
		}

		var candidate uuid.UUID
		err = tx.QueryRow(ctx,
			`SELECT id
			 FROM entitlements
			 WHERE event_id = $1
			 	AND couple_key = $2
			 	AND ticket_type = 'couple'
			 	AND id <> $3
			 	AND state IN ('ISSUED', 'ACTIVE')
			 	AND NOT (metadata ? 'couple_partner_id')
			 ORDER BY issued_at, unit_index
			 LIMIT 1`,
			e.EventID, e.CoupleKey, e.ID,
		).Scan(&candidate)
		if errors.Is(err, pgx.ErrNoRows) {
			self = e
			return nil
		}
		if err != nil {
			return wrapDBErr(op, err)
		}

		self, partner, err = linkPair(ctx, tx, e.ID, candidate)
		if err != nil {
			return wrapDBErr(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return self, partner, nil
}

func (r *EntitlementRepo) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Entitlement, error) {
	const op = "postgresrepo.EntitlementRepo.ListExpirable"

	rows, err := r.store.pool.Query(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE state IN ('ISSUED', 'ACTIVE') AND valid_until <= $1
		 ORDER BY valid_until
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collectEntitlements(rows)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

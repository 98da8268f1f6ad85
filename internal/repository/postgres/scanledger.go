package postgresrepo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kirinyoku/turnstile/internal/domain"
)

const scanColumns = `scan_id, entitlement_id, event_id, scanner_id, ts, result, reason_code, prior_state, credential_hash`

type ScanLedgerRepo struct {
	store *Store
}

func insertScanEntry(ctx context.Context, tx DB, e *domain.ScanLedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO scan_ledger (`+scanColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ScanID, e.EntitlementID, e.EventID, e.ScannerID, e.Timestamp,
		string(e.Result), string(e.ReasonCode), string(e.PriorState), e.CredentialHash,
	)

	return err
}

func scanLedgerEntry(row pgx.Row) (*domain.ScanLedgerEntry, error) {
	var (
		e                     domain.ScanLedgerEntry
		result, reason, prior string
	)

	if err := row.Scan(
		&e.ScanID,
		&e.EntitlementID,
		&e.EventID,
		&e.ScannerID,
		&e.Timestamp,
		&result,
		&reason,
		&prior,
		&e.CredentialHash,
	); err != nil {
		return nil, err
	}

	e.Result = domain.ScanResult(result)
	e.ReasonCode = domain.ReasonCode(reason)
	e.PriorState = domain.EntitlementState(prior)

	return &e, nil
}

func (r *ScanLedgerRepo) Append(ctx context.Context, e *domain.ScanLedgerEntry) error {
	const op = "postgresrepo.ScanLedgerRepo.Append"

	if err := insertScanEntry(ctx, r.store.pool, e); err != nil {
		return wrapDBErr(op, err)
	}

	return nil
}

func (r *ScanLedgerRepo) ListByEntitlement(ctx context.Context, id uuid.UUID) ([]domain.ScanLedgerEntry, error) {
	const op = "postgresrepo.ScanLedgerRepo.ListByEntitlement"

	rows, err := r.store.pool.Query(ctx,
		`SELECT `+scanColumns+` FROM scan_ledger WHERE entitlement_id = $1 ORDER BY ts, scan_id`,
		id,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collectScanEntries(rows)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

// ListByEvent returns the most recent entries of the event, newest first.
func (r *ScanLedgerRepo) ListByEvent(ctx context.Context, eventID string, limit int) ([]domain.ScanLedgerEntry, error) {
	const op = "postgresrepo.ScanLedgerRepo.ListByEvent"

	rows, err := r.store.pool.Query(ctx,
		`SELECT `+scanColumns+` FROM scan_ledger WHERE event_id = $1 ORDER BY ts DESC LIMIT $2`,
		eventID, limit,
	)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	out, err := collectScanEntries(rows)
	if err != nil {
		return nil, wrapDBErr(op, err)
	}

	return out, nil
}

func collectScanEntries(rows pgx.Rows) ([]domain.ScanLedgerEntry, error) {
	defer rows.Close()

	var out []domain.ScanLedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}

	return out, rows.Err()
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openpension/batch-dispatch/internal/helpers"
	"github.com/openpension/batch-dispatch/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DuplicateKeyValue string = "23505"
)

var (
	ErrDuplicateKeyValue = errors.New("duplicate key value")
)

type Postgres struct {
	pg          *pgxpool.Pool
	pingTimeout time.Duration
	log         *slog.Logger
}

func New(pool *pgxpool.Pool, pingTimeout time.Duration) *Postgres {
	return &Postgres{
		pg:          pool,
		pingTimeout: pingTimeout,
		log:         slog.With("component", "db"),
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	ticker := time.NewTicker(p.pingTimeout)
	defer ticker.Stop()

	var err error
	// three attempts before declaring the store unreachable
	for i := 1; i <= 3; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
		err = p.pg.Ping(pingCtx)
		cancel()

		if err == nil {
			return nil
		}

		p.log.Info("ping attempt was not successful", "attempt", i)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return err
}

func (p *Postgres) CreateBatch(ctx context.Context, currency, initiatedBy string,
	instructions []types.PaymentInstruction) (types.Batch, error) {

	// same normalization the validator applies to instruction currencies
	currency = strings.ToUpper(strings.TrimSpace(currency))

	seen := make(map[string]bool, len(instructions))
	dispatchable := 0

	for _, instr := range instructions {
		if seen[instr.ID] {
			return types.Batch{}, types.ErrDuplicateInstruction
		}
		seen[instr.ID] = true

		if instr.Status != types.InstructionInvalid && instr.Currency != currency {
			return types.Batch{}, types.ErrCurrencyMismatch
		}
		if instr.Status == types.InstructionReady {
			dispatchable++
		}
	}

	if dispatchable == 0 {
		return types.Batch{}, types.ErrEmptyBatch
	}

	id := uuid.New().String()
	code := helpers.BatchCode(id)
	now := time.Now().UTC()

	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return types.Batch{}, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO batch (uuid, batch_code, currency, status, initiated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, code, currency, types.BatchPending, initiatedBy, now,
	)
	if err != nil {
		return types.Batch{}, mapPgError("insert batch", err)
	}

	fields := []string{
		"batch_uuid", "id", "seq", "payer_ref", "payee_id_type", "payee_id_value",
		"amount", "currency", "note", "status", "attempt", "error_code",
		"error_message", "created_at", "updated_at",
	}
	rows := make([][]any, len(instructions))
	for i, instr := range instructions {
		rows[i] = []any{
			id, instr.ID, i, instr.PayerRef, instr.PayeeIDType, instr.PayeeIDValue,
			instr.Amount, instr.Currency, instr.Note, instr.Status, instr.Attempt,
			instr.ErrorCode, instr.ErrorMessage, now, now,
		}
	}

	inserted, err := tx.CopyFrom(ctx, pgx.Identifier{"instruction"}, fields,
		pgx.CopyFromRows(rows))
	if err != nil {
		return types.Batch{}, mapPgError("copy instructions", err)
	}
	if inserted != int64(len(instructions)) {
		return types.Batch{}, fmt.Errorf("persist batch %s: inserted %d of %d rows",
			id, inserted, len(instructions))
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Batch{}, fmt.Errorf("commit batch tx: %w", err)
	}

	return p.GetBatch(ctx, id)
}

// UpdateInstructionStatus performs the conditional write the scheduler's
// state machine depends on. The status predicate is part of the UPDATE, so
// the check and the write are one atomic statement, not read-then-write.
// Rows entering ready or success carry no error: stale failure details from
// an earlier run are cleared, not merged.
func (p *Postgres) UpdateInstructionStatus(ctx context.Context, batchID string,
	instrID string, from, to types.InstructionStatus,
	update types.InstructionUpdate) (bool, error) {

	tag, err := p.pg.Exec(ctx, `
		UPDATE instruction SET
			status = $1,
			attempt = COALESCE($2, attempt),
			gateway_ref = COALESCE($3, gateway_ref),
			error_code = CASE WHEN $1 IN ('ready', 'success')
				THEN $4 ELSE COALESCE($4, error_code) END,
			error_message = CASE WHEN $1 IN ('ready', 'success')
				THEN $5 ELSE COALESCE($5, error_message) END,
			updated_at = now()
		WHERE batch_uuid = $6 AND id = $7 AND status = $8`,
		to, update.Attempt, update.GatewayRef, update.ErrorCode,
		update.ErrorMessage, batchID, instrID, from,
	)
	if err != nil {
		return false, mapPgError("update instruction status", err)
	}

	return tag.RowsAffected() > 0, nil
}

const instructionColumns = `
	id, seq, payer_ref, payee_id_type, payee_id_value, amount, currency, note,
	status, attempt, gateway_ref, error_code, error_message, created_at,
	updated_at`

func (p *Postgres) ListInstructions(ctx context.Context, batchID string,
	status *types.InstructionStatus) ([]types.PaymentInstruction, error) {

	query := `SELECT` + instructionColumns + `
		FROM instruction WHERE batch_uuid = $1`
	args := []any{batchID}

	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}

	// input order is the audit order; ids are text and sort wrong past 9
	query += ` ORDER BY seq`

	rows, err := p.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError("list instructions", err)
	}
	defer rows.Close()

	var out []types.PaymentInstruction
	for rows.Next() {
		var instr types.PaymentInstruction
		err := rows.Scan(
			&instr.ID, &instr.Seq, &instr.PayerRef, &instr.PayeeIDType, &instr.PayeeIDValue,
			&instr.Amount, &instr.Currency, &instr.Note, &instr.Status,
			&instr.Attempt, &instr.GatewayRef, &instr.ErrorCode,
			&instr.ErrorMessage, &instr.CreatedAt, &instr.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, instr)
	}

	return out, rows.Err()
}

func (p *Postgres) GetBatch(ctx context.Context, batchID string) (types.Batch, error) {
	var b types.Batch
	err := p.pg.QueryRow(ctx, `
		SELECT b.uuid, b.batch_code, b.currency, b.status, b.initiated_by,
			b.created_at,
			count(i.id),
			count(i.id) FILTER (WHERE i.status = 'success'),
			count(i.id) FILTER (WHERE i.status = 'failed'),
			count(i.id) FILTER (WHERE i.status = 'invalid')
		FROM batch b
		LEFT JOIN instruction i ON i.batch_uuid = b.uuid
		WHERE b.uuid = $1
		GROUP BY b.uuid`,
		batchID,
	).Scan(&b.ID, &b.BatchCode, &b.Currency, &b.Status, &b.InitiatedBy,
		&b.CreatedAt, &b.TotalCount, &b.SuccessCount, &b.FailedCount,
		&b.InvalidCount)

	if err == pgx.ErrNoRows {
		return types.Batch{}, types.ErrBatchNotFound
	}
	if err != nil {
		return types.Batch{}, mapPgError("get batch", err)
	}

	return b, nil
}

func (p *Postgres) ListBatches(ctx context.Context, filter types.BatchFilter) (
	[]types.Batch, error) {

	query := `
		SELECT b.uuid, b.batch_code, b.currency, b.status, b.initiated_by,
			b.created_at,
			count(i.id),
			count(i.id) FILTER (WHERE i.status = 'success'),
			count(i.id) FILTER (WHERE i.status = 'failed'),
			count(i.id) FILTER (WHERE i.status = 'invalid')
		FROM batch b
		LEFT JOIN instruction i ON i.batch_uuid = b.uuid
		WHERE 1=1`
	var args []any

	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND b.status = $%d", len(args))
	}
	if filter.InitiatedBy != nil {
		args = append(args, *filter.InitiatedBy)
		query += fmt.Sprintf(" AND b.initiated_by = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND b.created_at >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND b.created_at <= $%d", len(args))
	}

	query += ` GROUP BY b.uuid ORDER BY b.created_at DESC`

	rows, err := p.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError("list batches", err)
	}
	defer rows.Close()

	var out []types.Batch
	for rows.Next() {
		var b types.Batch
		err := rows.Scan(&b.ID, &b.BatchCode, &b.Currency, &b.Status,
			&b.InitiatedBy, &b.CreatedAt, &b.TotalCount, &b.SuccessCount,
			&b.FailedCount, &b.InvalidCount)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}

	return out, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context, batchID string) (
	types.StatusCounts, error) {

	rows, err := p.pg.Query(ctx, `
		SELECT status, count(*) FROM instruction
		WHERE batch_uuid = $1 GROUP BY status`,
		batchID,
	)
	if err != nil {
		return types.StatusCounts{}, mapPgError("count instructions", err)
	}
	defer rows.Close()

	var counts types.StatusCounts
	for rows.Next() {
		var status types.InstructionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return types.StatusCounts{}, fmt.Errorf("scan counts: %w", err)
		}

		counts.Total += n
		switch status {
		case types.InstructionReady:
			counts.Ready = n
		case types.InstructionProcessing:
			counts.Processing = n
		case types.InstructionSuccess:
			counts.Success = n
		case types.InstructionFailed:
			counts.Failed = n
		case types.InstructionInvalid:
			counts.Invalid = n
		}
	}

	return counts, rows.Err()
}

func (p *Postgres) UpdateBatchStatus(ctx context.Context, batchID string,
	status types.BatchStatus) error {

	tag, err := p.pg.Exec(ctx,
		`UPDATE batch SET status = $1 WHERE uuid = $2`, status, batchID)
	if err != nil {
		return mapPgError("update batch status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrBatchNotFound
	}
	return nil
}

func (p *Postgres) ListUnreceipted(ctx context.Context, limit int) (
	[]types.ReceiptJob, error) {

	rows, err := p.pg.Query(ctx, `
		SELECT b.uuid, b.batch_code, b.currency,
			i.id, i.seq, i.payer_ref, i.payee_id_type, i.payee_id_value,
			i.amount, i.currency, i.note, i.status, i.attempt, i.gateway_ref,
			i.error_code, i.error_message, i.created_at, i.updated_at
		FROM instruction i
		JOIN batch b ON b.uuid = i.batch_uuid
		WHERE i.status = 'success' AND NOT i.receipted
		ORDER BY i.updated_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, mapPgError("list unreceipted", err)
	}
	defer rows.Close()

	var out []types.ReceiptJob
	for rows.Next() {
		var job types.ReceiptJob
		instr := &job.Instruction
		err := rows.Scan(
			&job.BatchID, &job.BatchCode, &job.Currency,
			&instr.ID, &instr.Seq, &instr.PayerRef, &instr.PayeeIDType,
			&instr.PayeeIDValue,
			&instr.Amount, &instr.Currency, &instr.Note, &instr.Status,
			&instr.Attempt, &instr.GatewayRef, &instr.ErrorCode,
			&instr.ErrorMessage, &instr.CreatedAt, &instr.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan receipt job: %w", err)
		}
		out = append(out, job)
	}

	return out, rows.Err()
}

func (p *Postgres) MarkReceipted(ctx context.Context, batchID string,
	instrIDs []string) error {

	_, err := p.pg.Exec(ctx, `
		UPDATE instruction SET receipted = true
		WHERE batch_uuid = $1 AND id = ANY($2)`,
		batchID, instrIDs,
	)
	if err != nil {
		return mapPgError("mark receipted", err)
	}
	return nil
}

func mapPgError(op string, err error) error {
	if pgErr, ok := err.(*pgconn.PgError); ok {
		if pgErr.Code == DuplicateKeyValue {
			return ErrDuplicateKeyValue
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

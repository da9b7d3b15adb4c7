package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
)

type DatabaseService struct {
	Pool *pgxpool.Pool
}

func NewDatabaseService(ctx context.Context, databaseURL string) (*DatabaseService, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	log.Info("Database connected successfully")
	return &DatabaseService{Pool: pool}, nil
}

func (db *DatabaseService) Close() {
	db.Pool.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS payment_submissions (
		reference_id           TEXT PRIMARY KEY,
		transaction_id         TEXT NOT NULL DEFAULT '',
		idempotency_key        TEXT NOT NULL UNIQUE,
		flow_id                TEXT NOT NULL,
		association_short_name TEXT NOT NULL,
		matric_number          TEXT NOT NULL,
		amount_paid            NUMERIC(14, 2) NOT NULL,
		state                  TEXT NOT NULL,
		receipt_id             TEXT NOT NULL DEFAULT '',
		result                 JSONB,
		submitted_at           TIMESTAMPTZ NOT NULL,
		checked_at             TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS payment_submissions_state_idx
		ON payment_submissions (state, checked_at);
`

func (db *DatabaseService) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}

func (db *DatabaseService) RecordSubmission(ctx context.Context, record api.SubmissionRecord) error {
	query := `
		INSERT INTO payment_submissions (
			reference_id, transaction_id, idempotency_key, flow_id,
			association_short_name, matric_number, amount_paid, state,
			receipt_id, result, submitted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	var result []byte
	if record.Result != nil {
		var err error
		if result, err = json.Marshal(record.Result); err != nil {
			return errors.Wrap(err, "encode submission result")
		}
	}

	_, err := db.Pool.Exec(ctx, query,
		record.ReferenceID,
		record.TransactionID,
		record.IdempotencyKey,
		record.FlowID,
		record.AssociationShortName,
		record.MatricNumber,
		record.AmountPaid.StringFixed(2),
		string(record.State),
		record.ReceiptID,
		result,
		record.SubmittedAt,
	)
	return errors.Wrapf(err, "record submission %s", record.ReferenceID)
}

const selectSubmission = `
	SELECT reference_id, transaction_id, idempotency_key, flow_id,
	       association_short_name, matric_number, amount_paid::text, state,
	       receipt_id, result, submitted_at, checked_at
	FROM payment_submissions
`

func (db *DatabaseService) FindByIdempotencyKey(ctx context.Context, key string) (*api.SubmissionRecord, error) {
	record, err := scanSubmission(db.Pool.QueryRow(ctx, selectSubmission+` WHERE idempotency_key = $1`, key))
	return record, errors.Wrap(err, "find submission by idempotency key")
}

func (db *DatabaseService) GetSubmission(ctx context.Context, referenceID string) (*api.SubmissionRecord, error) {
	record, err := scanSubmission(db.Pool.QueryRow(ctx, selectSubmission+` WHERE reference_id = $1`, referenceID))
	return record, errors.Wrapf(err, "get submission %s", referenceID)
}

// scanSubmission returns nil, nil when the row does not exist.
func scanSubmission(row pgx.Row) (*api.SubmissionRecord, error) {
	var (
		record    api.SubmissionRecord
		amount    string
		state     string
		result    []byte
		checkedAt *time.Time
	)
	err := row.Scan(
		&record.ReferenceID,
		&record.TransactionID,
		&record.IdempotencyKey,
		&record.FlowID,
		&record.AssociationShortName,
		&record.MatricNumber,
		&amount,
		&state,
		&record.ReceiptID,
		&result,
		&record.SubmittedAt,
		&checkedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if record.AmountPaid, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	record.State = api.PollState(state)
	record.CheckedAt = checkedAt
	if len(result) > 0 {
		record.Result = &api.SubmissionResult{}
		if err := json.Unmarshal(result, record.Result); err != nil {
			return nil, err
		}
	}
	return &record, nil
}

func (db *DatabaseService) UpdateSubmissionState(ctx context.Context, referenceID string, state api.PollState, receiptID string, checkedAt time.Time) error {
	query := `
		UPDATE payment_submissions
		SET state = $2,
		    receipt_id = CASE WHEN $3::text = '' THEN receipt_id ELSE $3::text END,
		    checked_at = $4
		WHERE reference_id = $1
	`

	_, err := db.Pool.Exec(ctx, query, referenceID, string(state), receiptID, checkedAt)
	return errors.Wrapf(err, "update submission %s", referenceID)
}

// ListPendingReferences returns submissions from the last week that are not
// verified and were last checked before checkedBefore, oldest first.
func (db *DatabaseService) ListPendingReferences(ctx context.Context, checkedBefore time.Time, limit int) ([]string, error) {
	query := `
		SELECT reference_id
		FROM payment_submissions
		WHERE state <> $1
		  AND COALESCE(checked_at, submitted_at) < $2
		  AND submitted_at > $2 - INTERVAL '7 days'
		ORDER BY COALESCE(checked_at, submitted_at)
		LIMIT $3
	`

	rows, err := db.Pool.Query(ctx, query, string(api.StateVerified), checkedBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pending submissions")
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return refs, errors.Wrap(err, "list pending submissions")
}

func (db *DatabaseService) Stats(ctx context.Context) (*api.SubmissionStats, error) {
	query := `
		SELECT state, COUNT(*), COALESCE(SUM(amount_paid), 0)::text
		FROM payment_submissions
		GROUP BY state
	`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "submission stats")
	}
	defer rows.Close()

	stats := &api.SubmissionStats{ByState: make(map[api.PollState]int64), AmountVerified: decimal.Zero}
	for rows.Next() {
		var (
			state  string
			count  int64
			amount string
		)
		if err := rows.Scan(&state, &count, &amount); err != nil {
			return nil, errors.Wrap(err, "submission stats")
		}
		stats.ByState[api.PollState(state)] = count
		stats.Total += count
		if api.PollState(state) == api.StateVerified {
			if stats.AmountVerified, err = decimal.NewFromString(amount); err != nil {
				return nil, err
			}
		}
	}
	return stats, errors.Wrap(rows.Err(), "submission stats")
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellar/go/support/db"
	"github.com/stellar/go/support/log"

	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/daemon/interfaces"
	"github.com/confirmkit/confirm-rpc/cmd/confirm-rpc/internal/ledger"
)

const confirmationTableName = "confirmations"

var (
	ErrNoConfirmation = errors.New("no confirmation recorded for this signature")
	// ErrBlockHeightOutOfRange is returned for heights sqlite cannot store
	// as a signed 64 bit integer.
	ErrBlockHeightOutOfRange = errors.New("last valid block height out of range")
)

// Confirmation is one recorded confirmation attempt. Outcome is empty while
// the attempt is in flight.
type Confirmation struct {
	ID                   string         `db:"id"`
	Signature            string         `db:"signature"`
	Commitment           string         `db:"commitment"`
	Lifetime             string         `db:"lifetime"`
	LastValidBlockHeight sql.NullInt64  `db:"last_valid_block_height"`
	NonceAccount         sql.NullString `db:"nonce_account"`
	ExpectedNonce        sql.NullString `db:"expected_nonce"`
	Outcome              sql.NullString `db:"outcome"`
	Error                sql.NullString `db:"error"`
	StartedAt            int64          `db:"started_at"`
	FinishedAt           sql.NullInt64  `db:"finished_at"`
}

func (c Confirmation) StartTime() time.Time {
	return time.Unix(0, c.StartedAt).UTC()
}

// Attempt describes a confirmation wait about to start.
type Attempt struct {
	Signature  ledger.Signature
	Commitment ledger.Commitment
	Lifetime   ledger.LifetimeConstraint
}

// ConfirmationWriter records confirmation attempts and their outcomes.
type ConfirmationWriter interface {
	RecordStart(ctx context.Context, attempt Attempt) (string, error)
	RecordOutcome(ctx context.Context, id string, outcome string, cause error) error
}

// ConfirmationReader provides all the public ways to read from the journal.
type ConfirmationReader interface {
	// GetConfirmation returns the latest attempt for sig.
	GetConfirmation(ctx context.Context, sig ledger.Signature) (Confirmation, error)
	CountConfirmations(ctx context.Context) (int, error)
}

type Journal struct {
	log *log.Entry
	db  db.SessionInterface
	now func() time.Time

	durationMetric *prometheus.SummaryVec
}

func NewJournal(log *log.Entry, db *DB, daemon interfaces.Daemon) *Journal {
	durationMetric := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: daemon.MetricsNamespace(), Subsystem: "journal",
		Name:       "operation_duration_seconds",
		Help:       "confirmation journal operation durations, sliding window = 10m",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"operation"})
	daemon.MetricsRegistry().MustRegister(durationMetric)
	return &Journal{
		log:            log.WithField("subservice", "journal"),
		db:             db,
		now:            time.Now,
		durationMetric: durationMetric,
	}
}

func (j *Journal) observe(operation string, start time.Time) {
	j.durationMetric.With(prometheus.Labels{"operation": operation}).
		Observe(time.Since(start).Seconds())
}

func (j *Journal) RecordStart(ctx context.Context, attempt Attempt) (string, error) {
	defer j.observe("record_start", time.Now())

	id := uuid.NewString()
	columns := map[string]any{
		"id":         id,
		"signature":  attempt.Signature.String(),
		"commitment": attempt.Commitment.String(),
		"started_at": j.now().UnixNano(),
	}
	switch lifetime := attempt.Lifetime.(type) {
	case ledger.BlockhashLifetime:
		columns["lifetime"] = string(lifetime.Kind())
		if lifetime.LastValidBlockHeight > math.MaxInt64 {
			return "", fmt.Errorf("%w: %d", ErrBlockHeightOutOfRange, lifetime.LastValidBlockHeight)
		}
		columns["last_valid_block_height"] = int64(lifetime.LastValidBlockHeight)
	case ledger.NonceLifetime:
		columns["lifetime"] = string(lifetime.Kind())
		columns["nonce_account"] = lifetime.NonceAccount.String()
		columns["expected_nonce"] = lifetime.ExpectedNonce.String()
	default:
		return "", fmt.Errorf("unsupported lifetime constraint %T", attempt.Lifetime)
	}

	if _, err := j.db.Exec(ctx, sq.Insert(confirmationTableName).SetMap(columns)); err != nil {
		return "", fmt.Errorf("could not record confirmation of %s: %w", attempt.Signature, err)
	}
	return id, nil
}

func (j *Journal) RecordOutcome(ctx context.Context, id string, outcome string, cause error) error {
	defer j.observe("record_outcome", time.Now())

	errorColumn := sql.NullString{}
	if cause != nil {
		errorColumn = sql.NullString{String: cause.Error(), Valid: true}
	}
	query := sq.Update(confirmationTableName).
		Set("outcome", outcome).
		Set("error", errorColumn).
		Set("finished_at", j.now().UnixNano()).
		Where(sq.Eq{"id": id})
	result, err := j.db.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("could not record outcome of confirmation %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("confirmation %s: %w", id, ErrNoConfirmation)
	}
	return nil
}

func (j *Journal) GetConfirmation(ctx context.Context, sig ledger.Signature) (Confirmation, error) {
	defer j.observe("get", time.Now())

	query := sq.Select("*").
		From(confirmationTableName).
		Where(sq.Eq{"signature": sig.String()}).
		OrderBy("started_at DESC", "rowid DESC").
		Limit(1)
	var confirmations []Confirmation
	if err := j.db.Select(ctx, &confirmations, query); err != nil {
		return Confirmation{}, fmt.Errorf("could not read confirmation of %s: %w", sig, err)
	}
	if len(confirmations) == 0 {
		return Confirmation{}, ErrNoConfirmation
	}
	return confirmations[0], nil
}

func (j *Journal) CountConfirmations(ctx context.Context) (int, error) {
	var count int
	err := j.db.Get(ctx, &count, sq.Select("COUNT(*)").From(confirmationTableName))
	return count, err
}

// Trim removes attempts started before cutoff.
func (j *Journal) Trim(ctx context.Context, cutoff time.Time) (int64, error) {
	defer j.observe("trim", time.Now())

	result, err := j.db.Exec(ctx, sq.Delete(confirmationTableName).
		Where(sq.Lt{"started_at": cutoff.UnixNano()}))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

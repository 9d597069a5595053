// Package revenue implements the Revenue Window Finalizer: the
// end-to-end driver that turns a gross revenue pool into per-creator
// ledger entries for one window, under a margin guardrail.
package revenue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	goccyjson "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pulsereel/integrity-core/allocator"
	"github.com/pulsereel/integrity-core/config"
	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/model"
	"github.com/pulsereel/integrity-core/units"
)

// Input carries the cents-denominated inputs for one window run, as
// listed in spec.md §4.8.
type Input struct {
	GrossRevenueCents int64
	TaxesCents        int64
	FeesCents         int64
	RefundsCents      int64
	CostsEstCents     int64
	PaymentType       string
}

// Summary is the operator-visible result of a finalize call.
type Summary struct {
	RevenueWindowID  string   `json:"revenue_window_id"`
	CreatorsPaid     int      `json:"creators_paid"`
	CentsAllocated   int64    `json:"cents_allocated"`
	UnallocatedCents int64    `json:"unallocated_cents"`
	ExcludedCreators []string `json:"excluded_creators"`
	CreatorPoolCents int64    `json:"creator_pool_cents"`
	ReserveCents     int64    `json:"reserve_cents"`
	AlreadyFinalized bool     `json:"already_finalized"`
}

// String renders a human-readable operator summary, matching spec.md
// §7's "operator CLIs print a summary" requirement.
func (s Summary) String() string {
	return fmt.Sprintf(
		"window %s: %d creators paid, %s cents allocated, %s cents unallocated, %d excluded",
		s.RevenueWindowID, s.CreatorsPaid, humanComma(s.CentsAllocated), humanComma(s.UnallocatedCents), len(s.ExcludedCreators),
	)
}

// Finalizer drives one window's end-to-end run: Unit Builder, then
// Allocator, then the RevenueWindow/VideoRevShare commit.
type Finalizer struct {
	DB     *dbx.CompatDB
	Params config.Parameters
	// Archiver, if set, receives a JSON snapshot of every successful
	// (non-dry-run) finalize for downstream reconciliation. A nil
	// Archiver disables archiving.
	Archiver Archiver
}

// Archiver uploads a finalized window's audit snapshot. Implemented by
// archive.Writer; kept as an interface here so revenue has no direct
// dependency on MinIO.
type Archiver interface {
	Put(ctx context.Context, key string, snapshot []byte) error
}

func NewFinalizer(db *dbx.CompatDB, params config.Parameters, archiver Archiver) *Finalizer {
	return &Finalizer{DB: db, Params: params, Archiver: archiver}
}

// Finalize implements spec.md §4.8 steps 1-6.
func (f *Finalizer) Finalize(ctx context.Context, window model.Window, input Input, dryRun bool) (Summary, error) {
	if err := validate(window, input); err != nil {
		return Summary{}, err
	}

	if existing, found, err := f.existingWindow(ctx, window, input.PaymentType); err != nil {
		return Summary{}, err
	} else if found {
		return Summary{RevenueWindowID: existing, AlreadyFinalized: true}, nil
	}

	rNet := input.GrossRevenueCents - input.TaxesCents - input.FeesCents - input.RefundsCents
	rawCapByMargin := float64(rNet) - float64(input.CostsEstCents) - f.Params.MarginTarget*float64(input.GrossRevenueCents)
	reserveCents := roundCents(f.Params.RiskReservePct * float64(rNet))

	if rawCapByMargin < 0 {
		reason := "cannot meet margin_target: cap_by_margin is negative"
		if dryRun {
			return Summary{CreatorPoolCents: 0}, &model.MarginGuardrailError{Reason: reason}
		}
		id, err := f.writeZeroPoolWindow(ctx, window, input, reserveCents, reason)
		if err != nil {
			return Summary{}, err
		}
		return Summary{RevenueWindowID: id, CreatorPoolCents: 0}, &model.MarginGuardrailError{Reason: reason}
	}

	capByMargin := int64(math.Floor(rawCapByMargin))
	proportionalPool := roundCents(f.Params.PoolPct * float64(rNet))
	creatorPoolCents := proportionalPool
	if capByMargin < creatorPoolCents {
		creatorPoolCents = capByMargin
	}

	var unitResult units.Result
	if creatorPoolCents > 0 {
		builder := units.NewBuilder(f.DB, f.Params)
		result, err := builder.Build(ctx, window)
		if err != nil {
			return Summary{}, err
		}
		unitResult = result
	}

	lockKey := fmt.Sprintf("%d|%d|%s", window.Start.UnixNano(), window.End.UnixNano(), input.PaymentType)

	var summary Summary
	var allocSummary allocator.Summary
	var windowID string

	// The transaction itself (BEGIN/COMMIT/ROLLBACK) ignores cancellation;
	// ctx is checked once before the RevenueWindow insert, after which
	// the run is treated as committed.
	err := dbx.WithTx(context.WithoutCancel(ctx), f.DB, func(conn *dbx.CompatConn) error {
		if err := dbx.AcquireWindowLock(ctx, conn, f.DB.Dialect, lockKey); err != nil {
			return err
		}

		if existing, found, err := f.existingWindowConn(ctx, conn, window, input.PaymentType); err != nil {
			return err
		} else if found {
			summary = Summary{RevenueWindowID: existing, AlreadyFinalized: true}
			return nil
		}

		allocResult, err := allocator.Allocate(ctx, conn, unitResult.CreatorUnits, creatorPoolCents, f.Params, input.PaymentType, dryRun)
		if err != nil {
			return err
		}
		allocSummary = allocResult

		if dryRun {
			// Drop the SQLite lock row so a dry run does not block the
			// real run for the same window.
			if _, err := conn.ExecContext(ctx, `DELETE FROM revenue_window_locks WHERE lock_key = ?`, lockKey); err != nil {
				return &model.TransientStorageError{Op: "release dry-run lock row", Err: err}
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		ctx := context.WithoutCancel(ctx)

		windowID = uuid.NewString()
		meta := map[string]interface{}{"reserve_cents": reserveCents}
		rw := model.RevenueWindow{
			ID:                windowID,
			WindowStart:       window.Start,
			WindowEnd:         window.End,
			PaymentType:       input.PaymentType,
			GrossRevenueCents: input.GrossRevenueCents,
			TaxesCents:        input.TaxesCents,
			FeesCents:         input.FeesCents,
			RefundsCents:      input.RefundsCents,
			PoolPct:           f.Params.PoolPct,
			MarginTarget:      f.Params.MarginTarget,
			PlatformFeePct:    f.Params.PlatformFeePct,
			RiskReservePct:    f.Params.RiskReservePct,
			CostsEstCents:     input.CostsEstCents,
			CreatorPoolCents:  creatorPoolCents,
			UnallocatedCents:  allocResult.UnallocatedCents,
			Status:            "committed",
			Meta:              meta,
		}

		if !dryRun {
			if err := insertRevenueWindow(ctx, conn, rw); err != nil {
				if compErr := compensate(ctx, conn, allocResult, input.PaymentType, dryRun); compErr != nil {
					markPending(ctx, f.DB, windowID, window, input.PaymentType, err)
					return &model.PartialCommitError{WindowID: windowID, Err: err}
				}
				return err
			}

			if err := insertVideoRevShares(ctx, conn, windowID, unitResult.Videos, allocResult.Allocations); err != nil {
				if compErr := compensate(ctx, conn, allocResult, input.PaymentType, dryRun); compErr != nil {
					markPending(ctx, f.DB, windowID, window, input.PaymentType, err)
					return &model.PartialCommitError{WindowID: windowID, Err: err}
				}
				return err
			}
		}

		summary = Summary{
			RevenueWindowID:  windowID,
			CreatorsPaid:     allocResult.CreatorsPaid,
			CentsAllocated:   allocResult.CentsAllocated,
			UnallocatedCents: allocResult.UnallocatedCents,
			ExcludedCreators: allocResult.ExcludedCreators,
			CreatorPoolCents: creatorPoolCents,
			ReserveCents:     reserveCents,
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	if !dryRun && !summary.AlreadyFinalized && f.Archiver != nil {
		f.archiveSnapshot(ctx, window, input, summary, unitResult)
	}

	return summary, nil
}

// compensate reverses ledger writes already made by Allocate when a
// later step in the same window run fails. Runs on the same
// connection/transaction, so in practice the transaction's own
// ROLLBACK already undoes this -- this explicit pass exists so the
// failure is also visible and recoverable if the connection is lost
// mid-transaction (the scenario spec.md §4.8 describes).
func compensate(ctx context.Context, conn *dbx.CompatConn, alloc allocator.Summary, paymentType string, dryRun bool) error {
	if dryRun {
		return nil
	}
	for creatorID, cents := range alloc.Allocations {
		if _, err := conn.ExecContext(ctx,
			`DELETE FROM transactions WHERE recipient = ? AND amount_cents = ? AND payment_type = ? AND status = 'pending'`,
			creatorID, cents, paymentType,
		); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE users SET current_balance_cents = current_balance_cents - ? WHERE id = ?`,
			cents, creatorID,
		); err != nil {
			return err
		}
	}
	return nil
}

// markPending leaves a best-effort status='pending' RevenueWindow
// marker with meta.error for operator repair, per spec.md §4.8's
// failure semantics. Uses the shared *dbx.CompatDB (not the doomed
// connection) since the original transaction is being rolled back.
func markPending(ctx context.Context, db *dbx.CompatDB, windowID string, window model.Window, paymentType string, origErr error) {
	meta := map[string]interface{}{"error": origErr.Error()}
	metaJSON, err := goccyjson.Marshal(meta)
	if err != nil {
		return
	}
	_, _ = db.ExecContext(ctx,
		`INSERT INTO revenue_windows (
			id, window_start, window_end, payment_type, gross_revenue_cents,
			taxes_cents, fees_cents, refunds_cents, pool_pct, margin_target,
			platform_fee_pct, risk_reserve_pct, costs_est_cents,
			creator_pool_cents, unallocated_cents, status, meta
		) VALUES (?, ?, ?, ?, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 'pending', ?)`,
		windowID, window.Start, window.End, paymentType, string(metaJSON),
	)
}

func (f *Finalizer) writeZeroPoolWindow(ctx context.Context, window model.Window, input Input, reserveCents int64, reason string) (string, error) {
	id := uuid.NewString()
	meta := map[string]interface{}{"reason": reason, "reserve_cents": reserveCents}
	metaJSON, err := goccyjson.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal meta: %w", err)
	}

	err = dbx.WithTx(ctx, f.DB, func(conn *dbx.CompatConn) error {
		lockKey := fmt.Sprintf("%d|%d|%s", window.Start.UnixNano(), window.End.UnixNano(), input.PaymentType)
		if err := dbx.AcquireWindowLock(ctx, conn, f.DB.Dialect, lockKey); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx,
			`INSERT INTO revenue_windows (
				id, window_start, window_end, payment_type, gross_revenue_cents,
				taxes_cents, fees_cents, refunds_cents, pool_pct, margin_target,
				platform_fee_pct, risk_reserve_pct, costs_est_cents,
				creator_pool_cents, unallocated_cents, status, meta
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 'committed', ?)`,
			id, window.Start, window.End, input.PaymentType, input.GrossRevenueCents,
			input.TaxesCents, input.FeesCents, input.RefundsCents, f.Params.PoolPct, f.Params.MarginTarget,
			f.Params.PlatformFeePct, f.Params.RiskReservePct, input.CostsEstCents, string(metaJSON),
		)
		if err != nil {
			return &model.TransientStorageError{Op: "insert zero-pool revenue window", Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func insertRevenueWindow(ctx context.Context, conn *dbx.CompatConn, rw model.RevenueWindow) error {
	metaJSON, err := goccyjson.Marshal(rw.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = conn.ExecContext(ctx,
		`INSERT INTO revenue_windows (
			id, window_start, window_end, payment_type, gross_revenue_cents,
			taxes_cents, fees_cents, refunds_cents, pool_pct, margin_target,
			platform_fee_pct, risk_reserve_pct, costs_est_cents,
			creator_pool_cents, unallocated_cents, status, meta
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rw.ID, rw.WindowStart, rw.WindowEnd, rw.PaymentType, rw.GrossRevenueCents,
		rw.TaxesCents, rw.FeesCents, rw.RefundsCents, rw.PoolPct, rw.MarginTarget,
		rw.PlatformFeePct, rw.RiskReservePct, rw.CostsEstCents,
		rw.CreatorPoolCents, rw.UnallocatedCents, rw.Status, string(metaJSON),
	)
	if err != nil {
		return &model.TransientStorageError{Op: "insert revenue window", Err: err}
	}
	return nil
}

func insertVideoRevShares(ctx context.Context, conn *dbx.CompatConn, windowID string, videos []units.VideoDetail, allocations map[string]int64) error {
	creatorTotalVU := map[string]float64{}
	for _, v := range videos {
		creatorTotalVU[v.CreatorID] += v.ValueUnits
	}

	for _, v := range videos {
		allocatedCreatorCents, ok := allocations[v.CreatorID]
		if !ok || allocatedCreatorCents <= 0 {
			continue
		}
		total := creatorTotalVU[v.CreatorID]
		if total <= 0 {
			continue
		}

		videoCents := roundCents(float64(allocatedCreatorCents) * v.ValueUnits / total)
		if videoCents <= 0 {
			continue
		}
		sharePct := float64(videoCents) / float64(allocatedCreatorCents)

		_, err := conn.ExecContext(ctx,
			`INSERT INTO video_rev_shares (
				id, revenue_window_id, video_id, creator_id, eng_units, eis_avg, vu, share_pct, allocated_cents
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), windowID, v.VideoID, v.CreatorID, v.EngUnits, v.EISAvg, v.ValueUnits, sharePct, videoCents,
		)
		if err != nil {
			return &model.TransientStorageError{Op: "insert video rev share", Err: err}
		}
	}
	return nil
}

func (f *Finalizer) existingWindow(ctx context.Context, window model.Window, paymentType string) (string, bool, error) {
	var id string
	err := f.DB.QueryRowContext(ctx,
		`SELECT id FROM revenue_windows WHERE window_start = ? AND window_end = ? AND payment_type = ?`,
		window.Start, window.End, paymentType,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, &model.TransientStorageError{Op: "check existing revenue window", Err: err}
	}
	return id, true, nil
}

func (f *Finalizer) existingWindowConn(ctx context.Context, conn *dbx.CompatConn, window model.Window, paymentType string) (string, bool, error) {
	var id string
	err := conn.QueryRowContext(ctx,
		`SELECT id FROM revenue_windows WHERE window_start = ? AND window_end = ? AND payment_type = ?`,
		window.Start, window.End, paymentType,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, &model.TransientStorageError{Op: "check existing revenue window", Err: err}
	}
	return id, true, nil
}

func validate(window model.Window, input Input) error {
	if !window.Start.Before(window.End) {
		return &model.ValidationError{Field: "window", Reason: "start must be before end"}
	}
	if input.GrossRevenueCents < 0 {
		return &model.ValidationError{Field: "gross_revenue_cents", Reason: "must be >= 0"}
	}
	if input.PaymentType == "" {
		return &model.ValidationError{Field: "payment_type", Reason: "must not be empty"}
	}
	return nil
}

func (f *Finalizer) archiveSnapshot(ctx context.Context, window model.Window, input Input, summary Summary, unitResult units.Result) {
	snapshot := map[string]interface{}{
		"window_start": window.Start,
		"window_end":   window.End,
		"payment_type": input.PaymentType,
		"summary":      summary,
		"videos":       unitResult.Videos,
	}
	data, err := goccyjson.Marshal(snapshot)
	if err != nil {
		return
	}
	key := fmt.Sprintf("audit/%s_%s_%s.json",
		window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339), input.PaymentType)
	// Archive failures are logged by the Archiver implementation and
	// never fail the finalize call -- the ledger rows are already the
	// durable record.
	_ = f.Archiver.Put(ctx, key, data)
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func humanComma(n int64) string {
	return humanize.Comma(n)
}

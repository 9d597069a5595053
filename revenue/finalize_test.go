package revenue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/pulsereel/integrity-core/config"
	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/model"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *dbx.CompatDB {
	t.Helper()
	rawDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if _, err := rawDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if err := dbx.RunMigrations(rawDB, dbx.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })
	return dbx.NewCompatDB(rawDB, dbx.DialectSQLite)
}

func seedCreatorWithVideo(t *testing.T, db *dbx.CompatDB, creatorID, videoID string, created time.Time) {
	t.Helper()
	if _, err := db.DB.Exec(`INSERT INTO users (id, is_creator, kyc_level) VALUES (?, 1, 3)`, creatorID); err != nil {
		t.Fatalf("seed creator: %v", err)
	}
	if _, err := db.DB.Exec(`INSERT INTO videos (id, creator_id, created_at, duration_s) VALUES (?, ?, ?, 30)`, videoID, creatorID, created); err != nil {
		t.Fatalf("seed video: %v", err)
	}
	if _, err := db.DB.Exec(`INSERT OR IGNORE INTO users (id, is_creator) VALUES ('viewer', 0)`); err != nil {
		t.Fatalf("seed viewer: %v", err)
	}
	for i := 0; i < 100; i++ {
		_, err := db.DB.Exec(
			`INSERT INTO events (event_id, video_id, user_id, event_type, ts) VALUES (?, ?, 'viewer', 'view', ?)`,
			videoID+"-ev-"+string(rune('a'+i%26))+string(rune('0'+i/26)), videoID, created.Add(time.Duration(i)*time.Minute),
		)
		if err != nil {
			t.Fatalf("seed view %d: %v", i, err)
		}
	}
}

func TestFinalize_MarginGuardrailTriggersOnNegativeCap(t *testing.T) {
	db := newTestDB(t)
	f := NewFinalizer(db, config.Defaults(), nil)

	window := model.Window{Start: time.Now(), End: time.Now().Add(time.Hour)}
	input := Input{
		GrossRevenueCents: 1000,
		TaxesCents:        0,
		FeesCents:         0,
		RefundsCents:      0,
		CostsEstCents:     900, // leaves no room to meet a 60% margin target
		PaymentType:       "standard",
	}

	summary, err := f.Finalize(context.Background(), window, input, false)
	if err == nil {
		t.Fatal("expected MarginGuardrailError, got nil")
	}
	if _, ok := err.(*model.MarginGuardrailError); !ok {
		t.Fatalf("expected *model.MarginGuardrailError, got %T: %v", err, err)
	}
	if summary.CreatorPoolCents != 0 {
		t.Errorf("CreatorPoolCents = %d, want 0", summary.CreatorPoolCents)
	}

	var status string
	if err := db.DB.QueryRow(`SELECT status FROM revenue_windows WHERE id = ?`, summary.RevenueWindowID).Scan(&status); err != nil {
		t.Fatalf("query window: %v", err)
	}
	if status != "committed" {
		t.Errorf("status = %q, want committed (zero-pool window is still recorded)", status)
	}
}

func TestFinalize_ValidationRejectsBadWindow(t *testing.T) {
	db := newTestDB(t)
	f := NewFinalizer(db, config.Defaults(), nil)

	window := model.Window{Start: time.Now(), End: time.Now().Add(-time.Hour)}
	_, err := f.Finalize(context.Background(), window, Input{GrossRevenueCents: 100, PaymentType: "standard"}, false)
	if _, ok := err.(*model.ValidationError); !ok {
		t.Fatalf("expected *model.ValidationError, got %T: %v", err, err)
	}
}

func TestFinalize_IdempotentOnRepeatCall(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedCreatorWithVideo(t, db, "creator1", "v1", start.Add(-time.Hour))

	f := NewFinalizer(db, config.Defaults(), nil)
	window := model.Window{Start: start, End: start.Add(2 * time.Hour)}
	input := Input{
		GrossRevenueCents: 1_000_000,
		TaxesCents:        50_000,
		FeesCents:         20_000,
		RefundsCents:      10_000,
		CostsEstCents:     100_000,
		PaymentType:       "standard",
	}

	first, err := f.Finalize(context.Background(), window, input, false)
	if err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if first.AlreadyFinalized {
		t.Fatal("first call should not be AlreadyFinalized")
	}

	second, err := f.Finalize(context.Background(), window, input, false)
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if !second.AlreadyFinalized {
		t.Error("second call for the same window should report AlreadyFinalized")
	}
	if second.RevenueWindowID != first.RevenueWindowID {
		t.Errorf("RevenueWindowID changed across idempotent calls: %s vs %s", first.RevenueWindowID, second.RevenueWindowID)
	}

	var count int
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM revenue_windows`).Scan(&count); err != nil {
		t.Fatalf("query revenue_windows: %v", err)
	}
	if count != 1 {
		t.Errorf("revenue_windows rows = %d, want 1", count)
	}
}

func TestFinalize_DryRunWritesNoLedgerRows(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedCreatorWithVideo(t, db, "creator1", "v1", start.Add(-time.Hour))

	f := NewFinalizer(db, config.Defaults(), nil)
	window := model.Window{Start: start, End: start.Add(2 * time.Hour)}
	input := Input{
		GrossRevenueCents: 1_000_000,
		TaxesCents:        50_000,
		FeesCents:         20_000,
		RefundsCents:      10_000,
		CostsEstCents:     100_000,
		PaymentType:       "standard",
	}

	summary, err := f.Finalize(context.Background(), window, input, true)
	if err != nil {
		t.Fatalf("Finalize (dry run): %v", err)
	}
	if summary.CentsAllocated <= 0 {
		t.Errorf("expected a nonzero dry-run allocation, got %d", summary.CentsAllocated)
	}

	var txnCount int
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&txnCount); err != nil {
		t.Fatalf("query transactions: %v", err)
	}
	if txnCount != 0 {
		t.Errorf("transactions rows after dry run = %d, want 0", txnCount)
	}

	var windowCount int
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM revenue_windows`).Scan(&windowCount); err != nil {
		t.Fatalf("query revenue_windows: %v", err)
	}
	if windowCount != 0 {
		t.Errorf("revenue_windows rows after dry run = %d, want 0", windowCount)
	}
}

package units

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
	if err := dbx.RunMigrations(rawDB, dbx.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })
	return dbx.NewCompatDB(rawDB, dbx.DialectSQLite)
}

func seedCreatorVideoEvents(t *testing.T, db *dbx.CompatDB, creatorID, videoID string, created time.Time, views, likes int, start time.Time) {
	t.Helper()
	if _, err := db.DB.Exec(`INSERT INTO users (id, is_creator) VALUES (?, 1)`, creatorID); err != nil {
		t.Fatalf("seed creator: %v", err)
	}
	if _, err := db.DB.Exec(`INSERT INTO videos (id, creator_id, created_at, duration_s) VALUES (?, ?, ?, 30)`, videoID, creatorID, created); err != nil {
		t.Fatalf("seed video: %v", err)
	}
	if _, err := db.DB.Exec(`INSERT INTO users (id, is_creator) VALUES ('viewer', 0)`); err != nil {
		t.Fatalf("seed viewer: %v", err)
	}
	for i := 0; i < views; i++ {
		_, err := db.DB.Exec(
			`INSERT INTO events (event_id, video_id, user_id, event_type, ts) VALUES (?, ?, 'viewer', ?, ?)`,
			videoID+"-view-"+itoa(i), videoID, string(model.EventView), start.Add(time.Duration(i)*time.Second),
		)
		if err != nil {
			t.Fatalf("seed view: %v", err)
		}
	}
	for i := 0; i < likes; i++ {
		_, err := db.DB.Exec(
			`INSERT INTO events (event_id, video_id, user_id, event_type, ts) VALUES (?, ?, 'viewer', ?, ?)`,
			videoID+"-like-"+itoa(i), videoID, string(model.EventLike), start.Add(time.Duration(i)*time.Second),
		)
		if err != nil {
			t.Fatalf("seed like: %v", err)
		}
	}
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var out []byte
	for i > 0 {
		out = append([]byte{digits[i%10]}, out...)
		i /= 10
	}
	return string(out)
}

func TestBuild_RollsUpByCreator(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedCreatorVideoEvents(t, db, "creator1", "v1", start.Add(-24*time.Hour), 10, 2, start)

	b := NewBuilder(db, config.Defaults())
	window := model.Window{Start: start, End: start.Add(time.Hour)}
	result, err := b.Build(context.Background(), window)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Videos) != 1 {
		t.Fatalf("len(Videos) = %d, want 1", len(result.Videos))
	}
	if result.Videos[0].VideoID != "v1" || result.Videos[0].CreatorID != "creator1" {
		t.Errorf("video detail = %+v", result.Videos[0])
	}
	// 10 views * weight 1 + 2 likes * weight 3 = 16
	if result.Videos[0].EngUnits != 16 {
		t.Errorf("EngUnits = %v, want 16", result.Videos[0].EngUnits)
	}
	if result.CreatorUnits["creator1"] != result.Videos[0].ValueUnits {
		t.Errorf("CreatorUnits rollup mismatch: %v vs %v", result.CreatorUnits["creator1"], result.Videos[0].ValueUnits)
	}
}

func TestBuild_NoEventsReturnsEmptyResult(t *testing.T) {
	db := newTestDB(t)
	b := NewBuilder(db, config.Defaults())
	window := model.Window{Start: time.Now(), End: time.Now().Add(time.Hour)}
	result, err := b.Build(context.Background(), window)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Videos) != 0 || len(result.CreatorUnits) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestBuild_PersistsAggregateAfterFirstRun(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedCreatorVideoEvents(t, db, "creator1", "v1", start.Add(-24*time.Hour), 5, 1, start)

	b := NewBuilder(db, config.Defaults())
	window := model.Window{Start: start, End: start.Add(time.Hour)}
	if _, err := b.Build(context.Background(), window); err != nil {
		t.Fatalf("Build (first run): %v", err)
	}

	var count int
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM video_aggregates WHERE video_id = 'v1'`).Scan(&count); err != nil {
		t.Fatalf("query video_aggregates: %v", err)
	}
	if count != 1 {
		t.Errorf("video_aggregates rows = %d, want 1", count)
	}

	// Second run for the same window must reuse the persisted aggregate
	// rather than inserting a duplicate row.
	if _, err := b.Build(context.Background(), window); err != nil {
		t.Fatalf("Build (second run): %v", err)
	}
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM video_aggregates WHERE video_id = 'v1'`).Scan(&count); err != nil {
		t.Fatalf("query video_aggregates: %v", err)
	}
	if count != 1 {
		t.Errorf("video_aggregates rows after rebuild = %d, want 1 (no duplicate)", count)
	}
}

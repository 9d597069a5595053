package events

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

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

func seedVideoAndEvents(t *testing.T, db *dbx.CompatDB, videoID, creatorID string, created time.Time, n int, start time.Time) {
	t.Helper()
	if _, err := db.DB.Exec(`INSERT INTO users (id, is_creator) VALUES (?, 1)`, creatorID); err != nil {
		t.Fatalf("seed creator: %v", err)
	}
	if _, err := db.DB.Exec(
		`INSERT INTO videos (id, creator_id, created_at, duration_s) VALUES (?, ?, ?, 30)`,
		videoID, creatorID, created,
	); err != nil {
		t.Fatalf("seed video: %v", err)
	}
	for i := 0; i < n; i++ {
		userID := "viewer"
		if _, err := db.DB.Exec(`INSERT OR IGNORE INTO users (id, is_creator) VALUES (?, 0)`, userID); err != nil {
			t.Fatalf("seed viewer: %v", err)
		}
		_, err := db.DB.Exec(
			`INSERT INTO events (event_id, video_id, user_id, event_type, ts) VALUES (?, ?, ?, ?, ?)`,
			eventID(videoID, i), videoID, userID, string(model.EventView), start.Add(time.Duration(i)*time.Second),
		)
		if err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
	}
}

func eventID(videoID string, i int) string {
	return fmt.Sprintf("%s-ev-%d", videoID, i)
}

func TestStream_ReturnsEventsWithinWindow(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedVideoAndEvents(t, db, "v1", "creator1", start.Add(-time.Hour), 5, start)

	reader := NewReader(db)
	window := model.Window{Start: start, End: start.Add(time.Hour)}
	snapshot, err := reader.Stream(context.Background(), window, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(snapshot.Events) != 5 {
		t.Errorf("len(Events) = %d, want 5", len(snapshot.Events))
	}
	if _, ok := snapshot.Videos["v1"]; !ok {
		t.Error("expected video v1 in snapshot")
	}
	if _, ok := snapshot.Users["creator1"]; !ok {
		t.Error("expected creator1 in snapshot users")
	}
}

func TestStream_ExcludesEventsOutsideWindow(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedVideoAndEvents(t, db, "v1", "creator1", start.Add(-time.Hour), 3, start.Add(-2*time.Hour))

	reader := NewReader(db)
	window := model.Window{Start: start, End: start.Add(time.Hour)}
	snapshot, err := reader.Stream(context.Background(), window, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(snapshot.Events) != 0 {
		t.Errorf("len(Events) = %d, want 0 (all events before window)", len(snapshot.Events))
	}
}

func TestStream_VideoFilterRestrictsResults(t *testing.T) {
	db := newTestDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedVideoAndEvents(t, db, "v1", "creator1", start.Add(-time.Hour), 2, start)
	seedVideoAndEvents(t, db, "v2", "creator2", start.Add(-time.Hour), 2, start)

	reader := NewReader(db)
	window := model.Window{Start: start, End: start.Add(time.Hour)}
	snapshot, err := reader.Stream(context.Background(), window, []string{"v1"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for _, e := range snapshot.Events {
		if e.VideoID != "v1" {
			t.Errorf("got event for video %s, want only v1", e.VideoID)
		}
	}
	if _, ok := snapshot.Videos["v2"]; ok {
		t.Error("did not expect v2 in filtered snapshot")
	}
}

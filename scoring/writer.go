package scoring

import (
	"context"
	"fmt"
	"time"

	goccyjson "github.com/goccy/go-json"

	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/features"
	"github.com/pulsereel/integrity-core/model"
)

// WriteAggregate persists a VideoAggregate row for (video_id, window)
// and refreshes the video's latest EIS. Idempotent: a pre-existing row
// for the same (video_id, window_start, window_end) is replaced
// (last-writer-wins), via the dialect-aware upsert in dbx.
func WriteAggregate(ctx context.Context, conn *dbx.CompatConn, db *dbx.CompatDB, videoID string, window model.Window, vec features.Vector, result Result) error {
	featuresJSON, err := goccyjson.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	_, err = conn.ExecContext(ctx, db.UpsertAggregateSQL(),
		videoID, window.Start, window.End, string(featuresJSON),
		result.CQ, result.LI, result.RC, result.AE, result.EIS,
	)
	if err != nil {
		return &model.TransientStorageError{Op: "write video aggregate", Err: err}
	}

	_, err = conn.ExecContext(ctx,
		`UPDATE videos SET eis_current = ?, eis_updated_at = ? WHERE id = ?`,
		result.EIS, time.Now().UTC(), videoID,
	)
	if err != nil {
		return &model.TransientStorageError{Op: "update video eis_current", Err: err}
	}
	return nil
}

// Package events reads the raw viewer event log for a window, plus the
// user and video rows those events reference, in a single snapshotted
// pass so that downstream scoring is reproducible against the read
// time rather than a moving target.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/model"
)

// pageSize bounds memory for large windows; keyset-paginated on
// (video_id, ts) so each page stays O(1) against idx_events_video_ts.
const pageSize = 10000

// Snapshot is one window's events plus the user/video rows they
// reference, resolved once so every downstream scorer sees the same
// picture of the world.
type Snapshot struct {
	Events []model.Event
	Users  map[string]model.User
	Videos map[string]model.Video
}

// Reader streams events for a window from the storage layer.
type Reader struct {
	DB *dbx.CompatDB
}

func NewReader(db *dbx.CompatDB) *Reader {
	return &Reader{DB: db}
}

// Stream loads every event with ts in [window.Start, window.End), plus
// the users and videos those events reference and the creators of
// those videos, optionally restricted
// to videoFilter (nil means all videos). It pages in fixed batches of
// pageSize via keyset pagination on (video_id, ts) -- no OFFSET, so
// page cost doesn't grow with depth.
func (r *Reader) Stream(ctx context.Context, window model.Window, videoFilter []string) (*Snapshot, error) {
	events, err := r.streamEvents(ctx, window, videoFilter)
	if err != nil {
		return nil, err
	}

	videoIDs := map[string]struct{}{}
	userIDs := map[string]struct{}{}
	for _, e := range events {
		videoIDs[e.VideoID] = struct{}{}
		userIDs[e.UserID] = struct{}{}
	}

	videos, err := r.loadVideos(ctx, keys(videoIDs))
	if err != nil {
		return nil, err
	}
	for _, v := range videos {
		userIDs[v.CreatorID] = struct{}{}
	}
	users, err := r.loadUsers(ctx, keys(userIDs))
	if err != nil {
		return nil, err
	}

	return &Snapshot{Events: events, Users: users, Videos: videos}, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (r *Reader) streamEvents(ctx context.Context, window model.Window, videoFilter []string) ([]model.Event, error) {
	var out []model.Event
	lastVideoID := ""
	lastTS := window.Start.Add(-1) // before any real row

	for {
		rows, err := r.fetchPage(ctx, window, videoFilter, lastVideoID, lastTS)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		out = append(out, rows...)
		last := rows[len(rows)-1]
		lastVideoID = last.VideoID
		lastTS = last.TS
		if len(rows) < pageSize {
			break
		}
	}
	return out, nil
}

func (r *Reader) fetchPage(ctx context.Context, window model.Window, videoFilter []string, afterVideoID string, afterTS interface{}) ([]model.Event, error) {
	query := `
		SELECT event_id, video_id, user_id, event_type, ts, device_id, ip_hash
		FROM events
		WHERE ts >= ? AND ts < ? AND (video_id > ? OR (video_id = ? AND ts > ?))`
	args := []interface{}{window.Start, window.End, afterVideoID, afterVideoID, afterTS}

	if len(videoFilter) > 0 {
		query += " AND video_id IN (" + placeholders(len(videoFilter)) + ")"
		for _, v := range videoFilter {
			args = append(args, v)
		}
	}
	query += " ORDER BY video_id, ts LIMIT ?"
	args = append(args, pageSize)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError("fetch event page", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var deviceID, ipHash sql.NullString
		if err := rows.Scan(&e.EventID, &e.VideoID, &e.UserID, &e.Type, &e.TS, &deviceID, &ipHash); err != nil {
			return nil, classifyError("scan event row", err)
		}
		if deviceID.Valid {
			v := deviceID.String
			e.DeviceID = &v
		}
		if ipHash.Valid {
			v := ipHash.String
			e.IPHash = &v
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate event rows", err)
	}
	return out, nil
}

func (r *Reader) loadUsers(ctx context.Context, ids []string) (map[string]model.User, error) {
	out := map[string]model.User{}
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT id, is_creator, likely_bot, kyc_level, creator_trust_score,
		       viewer_trust_score, current_balance_cents
		FROM users WHERE id IN (%s)`, placeholders(len(ids)))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError("fetch users", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u model.User
		var kyc sql.NullInt64
		var creatorTrust, viewerTrust sql.NullFloat64
		if err := rows.Scan(&u.ID, &u.IsCreator, &u.LikelyBot, &kyc, &creatorTrust, &viewerTrust, &u.CurrentBalanceCents); err != nil {
			return nil, classifyError("scan user row", err)
		}
		if kyc.Valid {
			v := int(kyc.Int64)
			u.KYCLevel = &v
		}
		if creatorTrust.Valid {
			v := creatorTrust.Float64
			u.CreatorTrustScore = &v
		}
		if viewerTrust.Valid {
			v := viewerTrust.Float64
			u.ViewerTrustScore = &v
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate user rows", err)
	}
	return out, nil
}

func (r *Reader) loadVideos(ctx context.Context, ids []string) (map[string]model.Video, error) {
	out := map[string]model.Video{}
	if len(ids) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
		SELECT id, creator_id, created_at, duration_s, eis_current, eis_updated_at
		FROM videos WHERE id IN (%s)`, placeholders(len(ids)))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError("fetch videos", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v model.Video
		var eisUpdatedAt sql.NullTime
		if err := rows.Scan(&v.ID, &v.CreatorID, &v.CreatedAt, &v.DurationS, &v.EISCurrent, &eisUpdatedAt); err != nil {
			return nil, classifyError("scan video row", err)
		}
		if eisUpdatedAt.Valid {
			v.EISUpdatedAt = eisUpdatedAt.Time
		}
		out[v.ID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("iterate video rows", err)
	}
	return out, nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

// classifyError wraps driver errors as TransientStorageError (caller
// may retry) except for schema-shaped failures (missing table/column),
// which are fatal SchemaErrors.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isSchemaError(err) {
		return &model.SchemaError{Op: op, Err: err}
	}
	return &model.TransientStorageError{Op: op, Err: err}
}

func isSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{"no such table", "no such column", "does not exist", "undefined column", "undefined table"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

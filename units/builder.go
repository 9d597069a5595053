// Package units implements the Unit Builder: for a run window it
// computes per-video EngUnits, applies EIS weighting and the
// early-velocity kicker, and accumulates per-creator value units.
package units

import (
	"context"
	"database/sql"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pulsereel/integrity-core/config"
	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/events"
	"github.com/pulsereel/integrity-core/features"
	"github.com/pulsereel/integrity-core/model"
	"github.com/pulsereel/integrity-core/scoring"
	"github.com/pulsereel/integrity-core/trust"
)

// concurrencyLimit bounds how many videos compute a missing aggregate
// at once within one window run, per §5's "per-video EIS computation
// may run concurrently across videos; no shared mutable state other
// than the storage layer."
const concurrencyLimit = 8

// VideoDetail is the per-video breakdown a caller (the Finalizer's
// VideoRevShare rows and audit snapshot) needs alongside the creator
// rollup.
type VideoDetail struct {
	VideoID    string
	CreatorID  string
	EngUnits   float64
	EISAvg     float64
	ValueUnits float64
}

// Result is the Unit Builder's output: value units rolled up per
// creator, plus the per-video detail rows they were built from.
type Result struct {
	CreatorUnits map[string]float64
	Videos       []VideoDetail
}

// Builder computes EngUnits/ValueUnits for a window, invoking the
// Feature Extractor and EIS Scorer on demand when an aggregate for the
// window is missing.
type Builder struct {
	DB     *dbx.CompatDB
	Params config.Parameters
}

func NewBuilder(db *dbx.CompatDB, params config.Parameters) *Builder {
	return &Builder{DB: db, Params: params}
}

// Build computes ValueUnits for every video with at least one event in
// window, and rolls them up by creator_id.
func (b *Builder) Build(ctx context.Context, window model.Window) (Result, error) {
	videoIDs, err := b.listVideoIDsWithEvents(ctx, window)
	if err != nil {
		return Result{}, err
	}

	details := make([]VideoDetail, len(videoIDs))
	resolver := trust.NewResolver()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyLimit)

	for i, videoID := range videoIDs {
		i, videoID := i, videoID
		g.Go(func() error {
			detail, err := b.buildVideo(gctx, videoID, window, resolver)
			if err != nil {
				return err
			}
			details[i] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	creatorUnits := map[string]float64{}
	for _, d := range details {
		creatorUnits[d.CreatorID] += d.ValueUnits
	}

	return Result{CreatorUnits: creatorUnits, Videos: details}, nil
}

func (b *Builder) buildVideo(ctx context.Context, videoID string, window model.Window, resolver *trust.Resolver) (VideoDetail, error) {
	video, err := b.loadVideo(ctx, videoID)
	if err != nil {
		return VideoDetail{}, err
	}

	eis, err := b.ensureAggregate(ctx, video, window, resolver)
	if err != nil {
		return VideoDetail{}, err
	}

	engUnits, err := b.computeEngUnits(ctx, videoID, window)
	if err != nil {
		return VideoDetail{}, err
	}

	kicker, err := b.computeKicker(ctx, video)
	if err != nil {
		return VideoDetail{}, err
	}

	valueUnits := engUnits * math.Pow(eis/100, b.Params.Gamma) * kicker

	return VideoDetail{
		VideoID:    videoID,
		CreatorID:  video.CreatorID,
		EngUnits:   engUnits,
		EISAvg:     eis,
		ValueUnits: valueUnits,
	}, nil
}

// ensureAggregate returns the EIS for (video_id, window), computing and
// persisting it via the Feature Extractor + EIS Scorer + Aggregate
// Writer if no aggregate exists yet for this window.
func (b *Builder) ensureAggregate(ctx context.Context, video model.Video, window model.Window, resolver *trust.Resolver) (float64, error) {
	existing, found, err := b.existingAggregateEIS(ctx, video.ID, window)
	if err != nil {
		return 0, err
	}
	if found {
		return existing, nil
	}

	reader := events.NewReader(b.DB)
	snapshot, err := reader.Stream(ctx, window, []string{video.ID})
	if err != nil {
		return 0, err
	}

	vec := features.Extract(snapshot.Events, video, window.End)
	creator, hasCreator := snapshot.Users[video.CreatorID]
	var creatorTrust *float64
	if hasCreator {
		creatorTrust = creator.CreatorTrustScore
	}

	result := scoring.Score(vec, snapshot.Users, resolver.VTS, creatorTrust)

	err = dbx.WithTx(ctx, b.DB, func(conn *dbx.CompatConn) error {
		return scoring.WriteAggregate(ctx, conn, b.DB, video.ID, window, vec, result)
	})
	if err != nil {
		return 0, err
	}

	return result.EIS, nil
}

func (b *Builder) existingAggregateEIS(ctx context.Context, videoID string, window model.Window) (float64, bool, error) {
	var eis float64
	err := b.DB.QueryRowContext(ctx,
		`SELECT eis FROM video_aggregates WHERE video_id = ? AND window_start = ? AND window_end = ?`,
		videoID, window.Start, window.End,
	).Scan(&eis)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &model.TransientStorageError{Op: "load existing aggregate", Err: err}
	}
	return eis, true, nil
}

// computeEngUnits sums the configured per-event-type weights over the
// video's events in the window: 1*views + 3*likes + 5*comments +
// 8*shares by default (weights configurable, integer-valued).
func (b *Builder) computeEngUnits(ctx context.Context, videoID string, window model.Window) (float64, error) {
	rows, err := b.DB.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM events WHERE video_id = ? AND ts >= ? AND ts < ? GROUP BY event_type`,
		videoID, window.Start, window.End,
	)
	if err != nil {
		return 0, &model.TransientStorageError{Op: "count events for EngUnits", Err: err}
	}
	defer rows.Close()

	w := b.Params.EventWeights
	var total float64
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return 0, &model.TransientStorageError{Op: "scan event count", Err: err}
		}
		switch model.EventType(eventType) {
		case model.EventView:
			total += float64(w.View * count)
		case model.EventLike:
			total += float64(w.Like * count)
		case model.EventComment:
			total += float64(w.Comment * count)
		case model.EventShare:
			total += float64(w.Share * count)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, &model.TransientStorageError{Op: "iterate event counts", Err: err}
	}
	return total, nil
}

// computeKicker evaluates the early-velocity kicker over the video's
// first two hours after created_at -- this window may overlap or
// precede the run window entirely, per spec.
func (b *Builder) computeKicker(ctx context.Context, video model.Video) (float64, error) {
	earlyEnd := video.CreatedAt.Add(2 * time.Hour)

	rows, err := b.DB.QueryContext(ctx,
		`SELECT device_id, ip_hash FROM events WHERE video_id = ? AND event_type = ? AND ts >= ? AND ts < ?`,
		video.ID, string(model.EventView), video.CreatedAt, earlyEnd,
	)
	if err != nil {
		return 1.0, &model.TransientStorageError{Op: "load early-window views", Err: err}
	}
	defer rows.Close()

	earlyViews := 0
	devices := map[string]struct{}{}
	ips := map[string]struct{}{}
	for rows.Next() {
		var deviceID, ipHash sql.NullString
		if err := rows.Scan(&deviceID, &ipHash); err != nil {
			return 1.0, &model.TransientStorageError{Op: "scan early-window view", Err: err}
		}
		earlyViews++
		if deviceID.Valid {
			devices[deviceID.String] = struct{}{}
		}
		if ipHash.Valid {
			ips[ipHash.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return 1.0, &model.TransientStorageError{Op: "iterate early-window views", Err: err}
	}

	if earlyViews < b.Params.EarlyMinViews {
		return 1.0, nil
	}
	if float64(len(devices)) < b.Params.EarlyDeviceFrac*float64(earlyViews) {
		return 1.0, nil
	}
	if float64(len(ips)) < b.Params.EarlyIPFrac*float64(earlyViews) {
		return 1.0, nil
	}
	return b.Params.EarlyKicker, nil
}

func (b *Builder) listVideoIDsWithEvents(ctx context.Context, window model.Window) ([]string, error) {
	rows, err := b.DB.QueryContext(ctx,
		`SELECT DISTINCT video_id FROM events WHERE ts >= ? AND ts < ?`,
		window.Start, window.End,
	)
	if err != nil {
		return nil, &model.TransientStorageError{Op: "list videos with events", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &model.TransientStorageError{Op: "scan video id", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.TransientStorageError{Op: "iterate video ids", Err: err}
	}
	return ids, nil
}

func (b *Builder) loadVideo(ctx context.Context, videoID string) (model.Video, error) {
	var v model.Video
	var eisUpdatedAt sql.NullTime
	err := b.DB.QueryRowContext(ctx,
		`SELECT id, creator_id, created_at, duration_s, eis_current, eis_updated_at FROM videos WHERE id = ?`,
		videoID,
	).Scan(&v.ID, &v.CreatorID, &v.CreatedAt, &v.DurationS, &v.EISCurrent, &eisUpdatedAt)
	if err != nil {
		return model.Video{}, &model.TransientStorageError{Op: "load video", Err: err}
	}
	if eisUpdatedAt.Valid {
		v.EISUpdatedAt = eisUpdatedAt.Time
	}
	return v, nil
}

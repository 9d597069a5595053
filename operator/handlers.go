package operator

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	goccyjson "github.com/goccy/go-json"

	"github.com/pulsereel/integrity-core/config"
	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/events"
	"github.com/pulsereel/integrity-core/features"
	"github.com/pulsereel/integrity-core/httputil"
	"github.com/pulsereel/integrity-core/model"
	"github.com/pulsereel/integrity-core/revenue"
	"github.com/pulsereel/integrity-core/scoring"
	"github.com/pulsereel/integrity-core/trust"
	"github.com/pulsereel/integrity-core/units"
)

// Handler wires the three operator RPCs to their underlying
// components: finalize_revenue_window, compute_units, analyze_window.
type Handler struct {
	DB        *dbx.CompatDB
	Params    config.Parameters
	Finalizer *revenue.Finalizer
}

func decodeJSON(r *http.Request, v interface{}) error {
	return goccyjson.NewDecoder(httputil.LimitedBodyReader(r)).Decode(v)
}

// HandleFinalize implements finalize_revenue_window.
func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WindowStart       time.Time `json:"window_start"`
		WindowEnd         time.Time `json:"window_end"`
		PaymentType       string    `json:"payment_type"`
		GrossRevenueCents int64     `json:"gross_revenue_cents"`
		TaxesCents        int64     `json:"taxes_cents"`
		FeesCents         int64     `json:"fees_cents"`
		RefundsCents      int64     `json:"refunds_cents"`
		CostsEstCents     int64     `json:"costs_est_cents"`
		DryRun            bool      `json:"dry_run"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "invalid request body"})
		return
	}

	window := model.Window{Start: req.WindowStart, End: req.WindowEnd}
	input := revenue.Input{
		GrossRevenueCents: req.GrossRevenueCents,
		TaxesCents:        req.TaxesCents,
		FeesCents:         req.FeesCents,
		RefundsCents:      req.RefundsCents,
		CostsEstCents:     req.CostsEstCents,
		PaymentType:       req.PaymentType,
	}

	var summary revenue.Summary
	err := retryTransient(r.Context(), func() error {
		s, err := h.Finalizer.Finalize(r.Context(), window, input, req.DryRun)
		summary = s
		return err
	})

	writeOperationResult(w, summary, err)
}

// HandleUnits implements compute_units.
func (h *Handler) HandleUnits(w http.ResponseWriter, r *http.Request) {
	dayStr := r.URL.Query().Get("day")
	day, err := time.Parse("2006-01-02", dayStr)
	if err != nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "day must be YYYY-MM-DD"})
		return
	}
	window := model.Window{Start: day, End: day.Add(24 * time.Hour)}

	builder := units.NewBuilder(h.DB, h.Params)
	var result units.Result
	err = retryTransient(r.Context(), func() error {
		res, err := builder.Build(r.Context(), window)
		result = res
		return err
	})
	if err != nil {
		writeOperationResult(w, nil, err)
		return
	}

	httputil.WriteJSON(w, 200, map[string]interface{}{
		"window_start": window.Start,
		"window_end":   window.End,
		"units":        result.CreatorUnits,
	})
}

// HandleAnalyzeVideo implements analyze_window for a single video.
func (h *Handler) HandleAnalyzeVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "id")
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	start, err1 := time.Parse(time.RFC3339, startStr)
	end, err2 := time.Parse(time.RFC3339, endStr)
	if err1 != nil || err2 != nil {
		httputil.WriteJSON(w, 400, map[string]string{"error": "start/end must be RFC3339 timestamps"})
		return
	}
	window := model.Window{Start: start, End: end}

	var vec features.Vector
	var result scoring.Result
	err := retryTransient(r.Context(), func() error {
		v, res, err := analyzeVideo(r.Context(), h.DB, videoID, window)
		vec, result = v, res
		return err
	})
	if err != nil {
		writeOperationResult(w, nil, err)
		return
	}

	httputil.WriteJSON(w, 200, map[string]interface{}{
		"video_id":     videoID,
		"window_start": window.Start,
		"window_end":   window.End,
		"features":     vec,
		"ae":           result.AE,
		"cq":           result.CQ,
		"li":           result.LI,
		"rc":           result.RC,
		"eis":          result.EIS,
	})
}

func analyzeVideo(ctx context.Context, db *dbx.CompatDB, videoID string, window model.Window) (features.Vector, scoring.Result, error) {
	reader := events.NewReader(db)
	snapshot, err := reader.Stream(ctx, window, []string{videoID})
	if err != nil {
		return features.Vector{}, scoring.Result{}, err
	}

	video, ok := snapshot.Videos[videoID]
	if !ok {
		return features.Vector{}, scoring.Result{}, &model.ValidationError{Field: "video_id", Reason: "no events for this video in the given window"}
	}

	vec := features.Extract(snapshot.Events, video, window.End)
	resolver := trust.NewResolver()

	var creatorTrust *float64
	if creator, ok := snapshot.Users[video.CreatorID]; ok {
		creatorTrust = creator.CreatorTrustScore
	}

	result := scoring.Score(vec, snapshot.Users, resolver.VTS, creatorTrust)
	return vec, result, nil
}

// retryTransient retries a storage-backed operation up to 3 times with
// exponential backoff when it fails with a *model.TransientStorageError,
// per spec.md §7. Other error kinds are returned immediately.
func retryTransient(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if _, ok := err.(*model.TransientStorageError); ok {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// writeOperationResult maps the typed error hierarchy to HTTP status
// codes per spec.md §7's error-handling design.
func writeOperationResult(w http.ResponseWriter, result interface{}, err error) {
	if err == nil {
		httputil.WriteJSON(w, 200, result)
		return
	}

	switch e := err.(type) {
	case *model.ValidationError:
		httputil.WriteJSON(w, 400, map[string]string{"error": e.Error()})
	case *model.SchemaError:
		httputil.WriteJSON(w, 500, map[string]string{"error": e.Error()})
	case *model.MarginGuardrailError:
		// The run "succeeded" in recording its own failure state.
		httputil.WriteJSON(w, 200, map[string]interface{}{"result": result, "reason": e.Reason})
	case *model.PartialCommitError:
		httputil.WriteJSON(w, 207, map[string]string{"error": e.Error(), "window_id": e.WindowID})
	case *dbx.AlreadyRunningError:
		httputil.WriteJSON(w, 409, map[string]string{"error": e.Error()})
	case *model.TransientStorageError:
		httputil.WriteJSON(w, 503, map[string]string{"error": e.Error()})
	default:
		httputil.WriteJSON(w, 500, map[string]string{"error": err.Error()})
	}
}

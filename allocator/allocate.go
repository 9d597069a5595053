// Package allocator transforms per-creator value units and a money
// pool into capped, trust-modulated payout ledger entries.
package allocator

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pulsereel/integrity-core/config"
	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/model"
)

// Summary is the result of one allocation run: per-creator cents,
// totals, and exclusions, used both for the operator-visible response
// and for the Revenue Window Finalizer's VideoRevShare breakdown.
type Summary struct {
	Allocations      map[string]int64 // creator_id -> cents
	CreatorsPaid     int
	CentsAllocated   int64
	UnallocatedCents int64
	ExcludedCreators []string
}

type creatorState struct {
	id         string
	rawUnits   float64
	multiplier float64
	units      float64 // U'_c = rawUnits * multiplier
	capCents   int64   // -1 == uncapped
	allocated  int64
	capped     bool
}

// Allocate implements Steps A-D: creator multipliers, proportional
// scaling, iterative KYC-cap redistribution, and (unless dryRun) ledger
// writes in deterministic ascending creator-id order.
func Allocate(ctx context.Context, conn *dbx.CompatConn, creatorUnits map[string]float64, poolCents int64, params config.Parameters, paymentType string, dryRun bool) (Summary, error) {
	ids := make([]string, 0, len(creatorUnits))
	for id := range creatorUnits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	users, err := loadUsers(ctx, conn, ids)
	if err != nil {
		return Summary{}, err
	}

	states := make([]*creatorState, 0, len(ids))
	var excluded []string
	for _, id := range ids {
		u := users[id]
		cs := &creatorState{id: id, rawUnits: creatorUnits[id]}

		isBotExcluded := u.LikelyBot && params.PenalizeLikelyBot
		if isBotExcluded {
			cs.multiplier = 0.0
		} else {
			trustMult := 1.0
			if u.CreatorTrustScore != nil {
				t := clamp(*u.CreatorTrustScore, 0, 100)
				trustMult = params.TrustMultMin + (params.TrustMultMax-params.TrustMultMin)*(t/100)
			}
			cs.multiplier = trustMult
		}
		cs.units = cs.rawUnits * cs.multiplier
		cs.capCents = kycCapCents(u.KYCLevel, params)
		if isBotExcluded || cs.capCents == 0 {
			excluded = append(excluded, id)
		}
		states = append(states, cs)
	}

	// Step B — proportional scaling.
	var totalUnits float64
	for _, cs := range states {
		if cs.units > 0 {
			totalUnits += cs.units
		}
	}
	if totalUnits == 0 {
		return Summary{
			Allocations:      map[string]int64{},
			UnallocatedCents: poolCents,
			ExcludedCreators: excluded,
		}, nil
	}
	for _, cs := range states {
		if cs.units > 0 {
			cs.allocated = roundCents(cs.units / totalUnits * float64(poolCents))
		}
	}

	// Step C — KYC cap enforcement with iterative redistribution,
	// bounded at len(creators) iterations.
	for iter := 0; iter < len(states); iter++ {
		var excess int64
		for _, cs := range states {
			if !model.Uncapped(cs.capCents) && cs.allocated > cs.capCents {
				excess += cs.allocated - cs.capCents
				cs.allocated = cs.capCents
				cs.capped = true
			}
		}
		if excess == 0 {
			break
		}

		var uR float64
		for _, cs := range states {
			if !cs.capped && cs.units > 0 {
				uR += cs.units
			}
		}
		if uR == 0 {
			break
		}
		for _, cs := range states {
			if !cs.capped && cs.units > 0 {
				cs.allocated += roundCents(cs.units / uR * float64(excess))
			}
		}
	}

	// Rounding-remainder distribution: one cent at a time to creators
	// with headroom, by descending U'_c.
	byUnitsDesc := append([]*creatorState(nil), states...)
	sort.SliceStable(byUnitsDesc, func(i, j int) bool { return byUnitsDesc[i].units > byUnitsDesc[j].units })

	var sumAllocated int64
	for _, cs := range states {
		sumAllocated += cs.allocated
	}
	remainder := poolCents - sumAllocated

	for remainder > 0 {
		progressed := false
		for _, cs := range byUnitsDesc {
			if remainder == 0 {
				break
			}
			if cs.units <= 0 || cs.capped {
				continue
			}
			if model.Uncapped(cs.capCents) || cs.allocated < cs.capCents {
				cs.allocated++
				remainder--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	summary := Summary{
		Allocations:      map[string]int64{},
		UnallocatedCents: remainder,
		ExcludedCreators: excluded,
	}
	for _, cs := range states {
		if cs.allocated > 0 {
			summary.Allocations[cs.id] = cs.allocated
			summary.CreatorsPaid++
			summary.CentsAllocated += cs.allocated
		}
	}

	if dryRun {
		return summary, nil
	}

	// Step D — ledger writes, ascending creator-id order (states is
	// already sorted by id).
	now := time.Now().UTC()
	for _, cs := range states {
		if cs.allocated <= 0 {
			continue
		}
		txnID := uuid.NewString()
		_, err := conn.ExecContext(ctx,
			`INSERT INTO transactions (id, created_at, recipient, amount_cents, payment_type, status, direction)
			 VALUES (?, ?, ?, ?, ?, 'pending', 'inflow')`,
			txnID, now, cs.id, cs.allocated, paymentType,
		)
		if err != nil {
			return Summary{}, &model.TransientStorageError{Op: "insert inflow transaction", Err: err}
		}

		_, err = conn.ExecContext(ctx,
			`UPDATE users SET current_balance_cents = current_balance_cents + ? WHERE id = ?`,
			cs.allocated, cs.id,
		)
		if err != nil {
			return Summary{}, &model.TransientStorageError{Op: "increment creator balance", Err: err}
		}
	}

	return summary, nil
}

func kycCapCents(level *int, params config.Parameters) int64 {
	if level == nil {
		return 0
	}
	switch {
	case *level <= 0:
		return 0
	case *level == 1:
		return params.KYCCapLevel1
	case *level == 2:
		return params.KYCCapLevel2
	default:
		return -1
	}
}

func roundCents(v float64) int64 {
	return int64(math.Round(v))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func loadUsers(ctx context.Context, conn *dbx.CompatConn, ids []string) (map[string]model.User, error) {
	out := map[string]model.User{}
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, is_creator, likely_bot, kyc_level, creator_trust_score,
		       viewer_trust_score, current_balance_cents
		FROM users WHERE id IN (%s)`, placeholders)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.TransientStorageError{Op: "load creator users", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var u model.User
		var kyc sql.NullInt64
		var creatorTrust, viewerTrust sql.NullFloat64
		if err := rows.Scan(&u.ID, &u.IsCreator, &u.LikelyBot, &kyc, &creatorTrust, &viewerTrust, &u.CurrentBalanceCents); err != nil {
			return nil, &model.TransientStorageError{Op: "scan creator user", Err: err}
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
		return nil, &model.TransientStorageError{Op: "iterate creator users", Err: err}
	}
	return out, nil
}

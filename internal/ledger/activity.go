package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/takarun/takaledger/internal/activity"
	"github.com/takarun/takaledger/internal/domain"
)

// ActivityResult is returned to the runner after a submission.
type ActivityResult struct {
	RunID     string          `json:"runId"`
	Validated bool            `json:"validated"`
	TKEarned  decimal.Decimal `json:"tkEarned"`
	Errors    []string        `json:"errors"`
}

// SubmitActivity validates a run and, when it passes, credits the reward
// and the run statistics in the same transaction that records it.
func (e *Engine) SubmitActivity(ctx context.Context, id domain.Identity, sub activity.Submission) (ActivityResult, error) {
	if err := requireUser(id, "You must be signed in to submit a run."); err != nil {
		return ActivityResult{}, err
	}
	if sub.Distance <= 0 || sub.Duration <= 0 {
		return ActivityResult{}, domain.Errorf(domain.ErrInvalidArgument, "distance and duration are required.")
	}

	check := activity.Validate(sub, e.opts.Limits)
	earned := decimal.Zero
	status := domain.ActivityRejected
	mirrorState := domain.MirrorOffChain
	if check.Valid {
		earned = decimal.NewFromFloat(sub.Distance).Mul(e.opts.TKPerKm)
		status = domain.ActivityValidated
		mirrorState = domain.MirrorPending
	}

	rec := domain.ActivityRecord{
		ID:               e.newID(),
		UserID:           id.UID,
		Distance:         sub.Distance,
		Duration:         sub.Duration,
		Pace:             activity.Pace(sub.Distance, sub.Duration),
		StartTime:        sub.StartTime,
		EndTime:          sub.EndTime,
		Status:           status,
		TKEarned:         earned,
		ValidationErrors: check.Errors,
		ChainMirrorState: mirrorState,
	}
	if e.Tracks != nil && len(sub.Points) > 0 {
		rec.TrackKey = domain.TrackKey(id.UID, rec.ID)
	} else {
		rec.Points = sub.Points
	}

	err := e.Store.InTx(ctx, func(tx domain.LedgerTx) error {
		now := e.now()
		rec.CreatedAt = now

		if _, err := tx.GetAccount(ctx, id.UID); err != nil {
			return typed(err, "User profile not found.")
		}
		n, err := tx.CountActivitiesSince(ctx, id.UID, e.dayStart(now))
		if err != nil {
			return err
		}
		if n >= e.opts.MaxRunsPerDay {
			return domain.Errorf(domain.ErrResourceExhausted, "Maximum %d runs per day reached.", e.opts.MaxRunsPerDay)
		}
		if err := tx.InsertActivity(ctx, rec); err != nil {
			return err
		}
		if !check.Valid {
			return nil
		}
		if err := tx.IncrementBalance(ctx, id.UID, earned); err != nil {
			return err
		}
		if err := tx.AddRunStats(ctx, id.UID, sub.Distance); err != nil {
			return err
		}
		return tx.EnqueueMirror(ctx, domain.CategoryReward, rec.ID, id.UID)
	})
	if err != nil {
		return ActivityResult{}, fmt.Errorf("ledger: submit activity: %w", err)
	}

	if rec.TrackKey != "" {
		e.storeTrack(ctx, rec, sub.Points)
	}

	e.logger.InfoContext(ctx, "activity recorded",
		slog.String("run_id", rec.ID),
		slog.String("uid", id.UID),
		slog.String("status", string(rec.Status)),
		slog.Float64("distance_km", rec.Distance),
		slog.String("tk_earned", earned.String()),
	)
	e.Events.Publish(ctx, domain.ChannelRuns, "run_"+string(rec.Status), map[string]any{
		"runId":    rec.ID,
		"uid":      id.UID,
		"distance": rec.Distance,
		"tkEarned": earned,
	})
	if check.Valid {
		e.afterCommit(ctx, func(ctx context.Context) {
			e.mirror(ctx, domain.CategoryReward, rec.ID)
		})
	}

	errs := check.Errors
	if errs == nil {
		errs = []string{}
	}
	return ActivityResult{RunID: rec.ID, Validated: check.Valid, TKEarned: earned, Errors: errs}, nil
}

// storeTrack uploads the GPS track after the record committed. A failed
// upload is audited; the ledger entry stands.
func (e *Engine) storeTrack(ctx context.Context, rec domain.ActivityRecord, points []domain.GPSPoint) {
	if _, err := e.Tracks.PutTrack(ctx, rec.UserID, rec.ID, points); err != nil {
		e.logger.ErrorContext(ctx, "track upload failed",
			slog.String("run_id", rec.ID),
			slog.String("key", rec.TrackKey),
			slog.String("error", err.Error()),
		)
		e.audit(ctx, "track_upload_failed", map[string]any{
			"run_id": rec.ID,
			"key":    rec.TrackKey,
			"error":  err.Error(),
		})
	}
}

func (e *Engine) dayStart(t time.Time) time.Time {
	local := t.In(e.opts.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.opts.Location)
}

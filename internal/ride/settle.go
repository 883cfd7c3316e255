package ride

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/cartrabbit/internal/models"
	"github.com/example/cartrabbit/internal/observability"
	"github.com/example/cartrabbit/internal/storage"
)

// settle runs a transition whose payment side effect must confirm first.
//
// The record is parked in pending_settlement by a conditional write, so a
// concurrent caller sees ErrSettlementInProgress instead of issuing a second
// capture or refund. The side effect then runs with an idempotency key, and
// the ride either reaches its target or is restored to the prior status.
func (m *Manager) settle(ctx context.Context, cur models.RideRequest, ev Event, target models.Status, action models.SettlementAction, actor models.Identity) (models.RideRequest, error) {
	now := m.Now()
	held, err := m.store.Update(ctx, cur.ID, observed(cur), func(r *models.RideRequest) {
		r.Status = models.StatusPendingSettlement
		r.Settlement = &models.Settlement{
			Action:    action,
			Target:    target,
			Prior:     cur.Status,
			ActorID:   actor.ID,
			Attempts:  1,
			StartedAt: now,
		}
	})
	if err != nil {
		return m.conflict(ev, actor, held, err)
	}

	if perr := m.charge(ctx, held); perr != nil {
		restored, rerr := m.restore(ctx, held)
		if rerr != nil {
			m.logger.Error("failed to restore ride after payment failure",
				"ride_id", held.ID, "action", action, "error", rerr)
			return held, fmt.Errorf("%w: %s: %v", ErrPayment, action, perr)
		}
		return restored, fmt.Errorf("%w: %s: %v", ErrPayment, action, perr)
	}
	return m.finish(ctx, held)
}

// IdempotencyKey is stable for one ride and one payment action.
func IdempotencyKey(rideID string, action models.SettlementAction) string {
	return rideID + ":" + string(action)
}

func (m *Manager) charge(ctx context.Context, r models.RideRequest) error {
	st := r.Settlement
	key := IdempotencyKey(r.ID, st.Action)
	start := time.Now()

	var err error
	switch st.Action {
	case models.SettleCapture:
		err = m.payments.Capture(ctx, r.PaymentReference, key)
	case models.SettleRelease:
		err = m.payments.Cancel(ctx, r.PaymentReference, key)
	case models.SettleRefund:
		err = m.payments.Refund(ctx, r.PaymentReference, key)
	default:
		err = fmt.Errorf("unknown settlement action %q", st.Action)
	}

	observability.PaymentLatency.WithLabelValues(string(st.Action)).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		m.logger.Warn("payment side effect failed", "ride_id", r.ID, "action", st.Action,
			"attempt", st.Attempts, "error", err)
	}
	observability.PaymentOps.WithLabelValues(string(st.Action), result).Inc()
	return err
}

// finish moves a settled ride to its target status.
func (m *Manager) finish(ctx context.Context, held models.RideRequest) (models.RideRequest, error) {
	st := *held.Settlement
	now := m.Now()
	done, err := m.store.Update(ctx, held.ID, storage.Condition{
		Statuses: []models.Status{models.StatusPendingSettlement},
		Version:  held.Version,
	}, func(r *models.RideRequest) {
		r.Status = st.Target
		r.Settlement = nil
		switch st.Target {
		case models.StatusCompleted:
			r.CompletedAt = &now
		case models.StatusCancelledByRider, models.StatusCancelledByHost:
			r.CancelledAt = &now
			r.ClearHost()
		}
	})
	if err != nil {
		// The reconciler may have finished it first.
		if errors.Is(err, storage.ErrConflict) && done.Status == st.Target {
			return done, nil
		}
		m.logger.Error("settled ride could not be finalized, left for reconciler",
			"ride_id", held.ID, "target", st.Target, "error", err)
		return held, fmt.Errorf("failed to finalize ride %s: %w", held.ID, err)
	}

	if done.Status == models.StatusCompleted {
		if err := m.store.Archive(ctx, done); err != nil {
			m.logger.Error("failed to archive booking", "ride_id", done.ID, "error", err)
		}
	}
	m.applied(ctx, st.Prior, done, st.ActorID)
	return done, nil
}

func (m *Manager) restore(ctx context.Context, held models.RideRequest) (models.RideRequest, error) {
	prior := held.Settlement.Prior
	return m.store.Update(ctx, held.ID, storage.Condition{
		Statuses: []models.Status{models.StatusPendingSettlement},
		Version:  held.Version,
	}, func(r *models.RideRequest) {
		r.Status = prior
		r.Settlement = nil
	})
}

// Reconciler finishes settlements a crashed or timed-out request left
// behind. A stuck record is retried with the same idempotency key; after
// MaxAttempts failures it is restored to its prior status.
type Reconciler struct {
	Manager     *Manager
	StaleAfter  time.Duration
	MaxAttempts int
	Interval    time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Finished int
	Restored int
	Retrying int
}

func (rc *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	m := rc.Manager
	var res SweepResult
	stuck, err := m.store.Query(ctx, storage.Filter{Statuses: []models.Status{models.StatusPendingSettlement}})
	if err != nil {
		return res, fmt.Errorf("failed to list pending settlements: %w", err)
	}
	now := m.Now()
	for _, r := range stuck {
		if r.Settlement == nil || now.Sub(r.Settlement.StartedAt) < rc.StaleAfter {
			continue
		}
		// Claim by bumping the attempt; a concurrent sweeper loses the race.
		claimed, err := m.store.Update(ctx, r.ID, storage.Condition{
			Statuses: []models.Status{models.StatusPendingSettlement},
			Version:  r.Version,
		}, func(x *models.RideRequest) {
			x.Settlement.Attempts++
			x.Settlement.StartedAt = now
		})
		if err != nil {
			continue
		}

		perr := m.charge(ctx, claimed)
		switch {
		case perr == nil:
			if _, err := m.finish(ctx, claimed); err == nil {
				res.Finished++
				observability.SettlementsSwept.WithLabelValues("finished").Inc()
			}
		case claimed.Settlement.Attempts >= rc.maxAttempts():
			if _, err := m.restore(ctx, claimed); err == nil {
				res.Restored++
				observability.SettlementsSwept.WithLabelValues("restored").Inc()
				m.logger.Error("settlement abandoned, ride restored",
					"ride_id", claimed.ID, "prior", claimed.Settlement.Prior, "error", perr)
			}
		default:
			msg := perr.Error()
			_, _ = m.store.Update(ctx, claimed.ID, storage.Condition{
				Statuses: []models.Status{models.StatusPendingSettlement},
				Version:  claimed.Version,
			}, func(x *models.RideRequest) { x.Settlement.LastError = msg })
			res.Retrying++
			observability.SettlementsSwept.WithLabelValues("retrying").Inc()
		}
	}
	return res, nil
}

func (rc *Reconciler) maxAttempts() int {
	if rc.MaxAttempts <= 0 {
		return 5
	}
	return rc.MaxAttempts
}

// Run sweeps on Interval until ctx ends.
func (rc *Reconciler) Run(ctx context.Context) {
	interval := rc.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := rc.Sweep(ctx)
			if err != nil {
				rc.Manager.logger.Error("settlement sweep failed", "error", err)
				continue
			}
			if res != (SweepResult{}) {
				rc.Manager.logger.Info("settlement sweep", "finished", res.Finished, "restored", res.Restored, "retrying", res.Retrying)
			}
		}
	}
}

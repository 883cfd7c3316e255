package ride

import (
	"fmt"
	"slices"

	"github.com/example/cartrabbit/internal/models"
)

type Event string

const (
	EventAccept        Event = "accept"
	EventStart         Event = "start"
	EventComplete      Event = "complete"
	EventCancelByRider Event = "cancel_by_rider"
	EventCancelByHost  Event = "cancel_by_host"
)

var Events = []Event{EventAccept, EventStart, EventComplete, EventCancelByRider, EventCancelByHost}

// transitions is the whole lifecycle. Anything not listed is rejected.
var transitions = map[models.Status]map[Event]models.Status{
	models.StatusPending: {
		EventAccept:        models.StatusAccepted,
		EventCancelByRider: models.StatusCancelledByRider,
	},
	models.StatusAccepted: {
		EventStart:         models.StatusInProgress,
		EventCancelByRider: models.StatusCancelledByRider,
		EventCancelByHost:  models.StatusCancelledByHost,
	},
	models.StatusInProgress: {
		EventComplete:     models.StatusCompleted,
		EventCancelByHost: models.StatusCancelledByHost,
	},
}

// Next returns the status reached from 'from' on ev.
func Next(from models.Status, ev Event) (models.Status, error) {
	if from == models.StatusPendingSettlement {
		return "", fmt.Errorf("%w: payment for this ride is being settled", ErrSettlementInProgress)
	}
	to, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Sources lists the statuses that permit ev, in a stable order.
func Sources(ev Event) []models.Status {
	var out []models.Status
	for from, evs := range transitions {
		if _, ok := evs[ev]; ok {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// settlementFor names the payment side effect a transition needs, if any.
// Cancelling a pending ride only releases the hold: nothing was captured and
// no host was ever assigned.
func settlementFor(from, to models.Status) models.SettlementAction {
	switch to {
	case models.StatusCompleted:
		return models.SettleCapture
	case models.StatusCancelledByRider, models.StatusCancelledByHost:
		if from == models.StatusPending {
			return models.SettleRelease
		}
		return models.SettleRefund
	}
	return ""
}

package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sharesRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whispshare_shares_registered_total",
		Help: "Shares registered.",
	})
	sharesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whispshare_shares_consumed_total",
		Help: "Shares consumed by a successful retrieval.",
	})
	codeCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whispshare_code_collisions_total",
		Help: "Generated retrieval codes rejected because a live share held them.",
	})
	compensatingDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whispshare_compensating_deletes_total",
		Help: "Blob deletes issued after a failed registration, by result.",
	}, []string{"result"})
	lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whispshare_lookups_total",
		Help: "Share lookups by operation and outcome.",
	}, []string{"op", "outcome"})

	sweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whispshare_sweep_runs_total",
		Help: "Housekeeping sweep runs.",
	})
	sweptShares = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whispshare_swept_shares_total",
		Help: "Retired shares physically deleted by the sweeper.",
	})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

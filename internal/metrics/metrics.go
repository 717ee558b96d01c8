// Package metrics exposes the server's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spadina_sessions_open",
		Help: "Currently connected player sessions.",
	})
	RealmsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spadina_realms_loaded",
		Help: "Realm instances resident in memory.",
	})
	Fixpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spadina_puzzle_fixpoints_total",
		Help: "Successful puzzle fixpoint evaluations.",
	})
	BudgetAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spadina_puzzle_budget_aborts_total",
		Help: "Stimuli aborted by the event budget.",
	})
	AssetPulls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spadina_asset_pulls_total",
		Help: "Swarm asset pulls by outcome.",
	}, []string{"outcome"})
	PeerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spadina_peer_reconnects_total",
		Help: "Peer link establishments, initial and retried.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

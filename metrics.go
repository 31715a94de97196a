package juice

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "juice_callbacks_total",
		Help: "Engine callbacks delivered to agent handlers",
	}, []string{"event"}) // state_changed, candidate, gathering_done, recv

	callbacksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "juice_callbacks_dropped_total",
		Help: "Engine callbacks that could not be delivered",
	}, []string{"reason"}) // unknown_agent, bad_state, panic

	nativeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "juice_native_errors_total",
		Help: "Engine operations that returned an error code",
	}, []string{"op", "code"})

	agentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "juice_agents_active",
		Help: "Agents currently alive",
	})

	serversActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "juice_servers_active",
		Help: "TURN servers currently alive",
	})
)

// RegisterMetrics registers the package collectors with r. Registering the
// same registry twice is not an error.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		callbacksTotal, callbacksDropped, nativeErrors, agentsActive, serversActive,
	} {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

package layers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Control-path metrics only. Nothing here is touched from Forward.
var (
	weightLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtneural_layer_weight_loads_total",
		Help: "Number of successful weight or bias loads",
	}, []string{"layer"})

	configErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtneural_layer_config_errors_total",
		Help: "Number of rejected weight or bias loads",
	}, []string{"layer"})

	layerResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtneural_layer_resets_total",
		Help: "Number of recurrent state resets",
	}, []string{"layer"})

	correctorPrepares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtneural_corrector_prepares_total",
		Help: "Number of sample-rate corrector reconfigurations",
	}, []string{"mode"})
)

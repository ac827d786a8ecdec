package worker

import "github.com/prometheus/client_golang/prometheus"

var connMXLevel = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outboundd",
		Subsystem: "delivery",
		Name:      "conns_mx_level",
		Help:      "Outbound connections established with a given MX security level (mta-sts/dane/none)",
	},
	[]string{"level"},
)

var connTLSLevel = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outboundd",
		Subsystem: "delivery",
		Name:      "conns_tls_level",
		Help:      "Outbound connections established with a given TLS security level (plaintext/starttls/implicit)",
	},
	[]string{"level"},
)

var domainOutcome = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "outboundd",
		Subsystem: "delivery",
		Name:      "domain_outcomes_total",
		Help:      "Terminal and non-terminal Domain status transitions observed per attempt",
	},
	[]string{"outcome"},
)

var queuedMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "outboundd",
		Subsystem: "queue",
		Name:      "in_flight",
		Help:      "Messages currently owned by a Delivery Worker goroutine",
	},
	[]string{},
)

func init() {
	prometheus.MustRegister(connMXLevel)
	prometheus.MustRegister(connTLSLevel)
	prometheus.MustRegister(domainOutcome)
	prometheus.MustRegister(queuedMsgs)
}

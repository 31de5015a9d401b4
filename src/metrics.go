package main

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics, exposed on the control surface at
// {webUIPrefix}/metrics. Labels stay low-cardinality: method plus status
// class for transactions, sniffed protocol for tunnels.
var (
	trafficsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyfor_traffics_total",
		Help: "Completed transactions by method and response status class",
	}, []string{"method", "status"})

	tunnelsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxyfor_tunnels_total",
		Help: "CONNECT tunnels by sniffed protocol",
	}, []string{"protocol"})
)

func init() {
	prometheus.MustRegister(trafficsTotal, tunnelsTotal)
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "none"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

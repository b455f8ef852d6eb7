package sip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stack metrics. Registered on the default prometheus registry; expose them
// with promhttp in the application.
var (
	metricMessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sip_messages_received_total",
		Help: "SIP messages parsed from the network by transport.",
	}, []string{"transport"})

	metricMessagesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sip_messages_sent_total",
		Help: "SIP messages written to the network by transport.",
	}, []string{"transport"})

	metricParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sip_parse_errors_total",
		Help: "Malformed SIP messages dropped by transport.",
	}, []string{"transport"})

	metricRetransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_retransmissions_total",
		Help: "Timer driven request and response retransmissions.",
	})

	metricActiveTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sip_active_transactions",
		Help: "Transactions currently held in the transaction table.",
	})
)

package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authdns_answers_total",
		Help: "Answers by zone and kind.",
	}, []string{"zone", "kind"})

	updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authdns_updates_total",
		Help: "Dynamic updates by zone and result.",
	}, []string{"zone", "result"})

	signingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authdns_signing_failures_total",
		Help: "Responses that could not be signed.",
	}, []string{"zone"})

	internalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authdns_internal_errors_total",
		Help: "Requests answered with SERVFAIL because of an internal fault.",
	})

	notifies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authdns_notifies_total",
		Help: "NOTIFY messages received by zone.",
	}, []string{"zone"})

	truncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authdns_truncated_total",
		Help: "Datagram responses truncated to the client buffer size.",
	})
)

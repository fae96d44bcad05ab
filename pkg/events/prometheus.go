// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink counts every published event by topic, so a single
// promauto-registered CounterVec backs the whole taxonomy instead of one
// metric per topic.
type PrometheusSink struct {
	total *prometheus.CounterVec
}

// NewPrometheusSink registers its counter under namespace (defaulting to
// "unimem") against reg; a nil reg leaves the metric unregistered, which is
// useful in tests that don't want to touch the default registry.
func NewPrometheusSink(namespace string, reg prometheus.Registerer) *PrometheusSink {
	if namespace == "" {
		namespace = "unimem"
	}
	factory := promauto.With(reg)
	return &PrometheusSink{
		total: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of core events emitted, by topic.",
			},
			[]string{"topic"},
		),
	}
}

func (s *PrometheusSink) Receive(e Event) {
	s.total.WithLabelValues(string(e.Topic)).Inc()
}

// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package spill

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts spiller activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	rows     prometheus.Counter
	blocks   prometheus.Counter
	bytes    prometheus.Counter
	inline   prometheus.Counter
	retries  prometheus.Counter
	failures prometheus.Counter
	cancels  prometheus.Counter
	writes   prometheus.Histogram
}

// NewMetrics creates the spiller metrics and
// registers them with reg, if reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockspill",
			Subsystem: "spiller",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		rows:     counter("rows_written_total", "Rows committed to blocks."),
		blocks:   counter("blocks_spilled_total", "Blocks written to external storage."),
		bytes:    counter("bytes_spilled_total", "Encoded bytes written to external storage."),
		inline:   counter("inline_results_total", "Scans answered with an inline block."),
		retries:  counter("write_retries_total", "Retried storage writes."),
		failures: counter("spill_failures_total", "Blocks that could not be spilled."),
		cancels:  counter("cancelled_total", "Scans stopped because the query ended."),
		writes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockspill",
			Subsystem: "spiller",
			Name:      "write_seconds",
			Help:      "Latency of spilled object writes, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rows, m.blocks, m.bytes, m.inline,
			m.retries, m.failures, m.cancels, m.writes)
	}
	return m
}

func (m *Metrics) rowWritten() {
	if m != nil {
		m.rows.Inc()
	}
}

func (m *Metrics) spilled(bytes int, took time.Duration) {
	if m != nil {
		m.blocks.Inc()
		m.bytes.Add(float64(bytes))
		m.writes.Observe(took.Seconds())
	}
}

func (m *Metrics) inlined() {
	if m != nil {
		m.inline.Inc()
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) failed() {
	if m != nil {
		m.failures.Inc()
	}
}

func (m *Metrics) cancelled() {
	if m != nil {
		m.cancels.Inc()
	}
}

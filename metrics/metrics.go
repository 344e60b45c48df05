// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics counts what the capture core does to itself: buffers
// flushed, events dropped, bytes shipped. Counts are kept in cheap atomics on
// the producing side and mirrored to OTel instruments so an embedding host
// with a metrics pipeline sees them for free; without one the instruments
// no-op.
package metrics // import "github.com/framecap/framecap/metrics"

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ID is the type for metric ids.
type ID uint16

const (
	// IDEventsDropped counts capture events discarded in degraded mode.
	IDEventsDropped ID = iota
	// IDBuffersFlushed counts send buffers handed to the transport queue.
	IDBuffersFlushed
	// IDBytesSent counts payload bytes written to the active sink.
	IDBytesSent
	// IDStringsInterned counts dynamic string ids assigned.
	IDStringsInterned
	// IDCallstacksInterned counts distinct callstacks interned.
	IDCallstacksInterned
	// IDSendCycles counts completed send-loop passes.
	IDSendCycles
	// IDConnections counts completed connection initializations.
	IDConnections
	// IDBackpressureWaits counts frame boundaries stalled on the memory
	// ceiling.
	IDBackpressureWaits
	// IDCondScopeBuffersKept counts conditional-scope child buffers
	// forwarded to the sink.
	IDCondScopeBuffersKept
	// IDCondScopeBuffersTrimmed counts conditional-scope child buffers aged
	// out without being sent.
	IDCondScopeBuffersTrimmed

	idMax
)

var definitions = [idMax]struct {
	name string
	desc string
	unit string
}{
	IDEventsDropped:           {"framecap.events.dropped", "Capture events dropped in degraded mode", "1"},
	IDBuffersFlushed:          {"framecap.buffers.flushed", "Send buffers handed to the transport queue", "1"},
	IDBytesSent:               {"framecap.bytes.sent", "Payload bytes written to the active sink", "By"},
	IDStringsInterned:         {"framecap.strings.interned", "Dynamic string ids assigned", "1"},
	IDCallstacksInterned:      {"framecap.callstacks.interned", "Distinct callstacks interned", "1"},
	IDSendCycles:              {"framecap.send.cycles", "Completed send loop passes", "1"},
	IDConnections:             {"framecap.connections", "Completed connection initializations", "1"},
	IDBackpressureWaits:       {"framecap.backpressure.waits", "Frame boundaries stalled on the memory ceiling", "1"},
	IDCondScopeBuffersKept:    {"framecap.condscope.kept", "Conditional scope buffers forwarded", "1"},
	IDCondScopeBuffersTrimmed: {"framecap.condscope.trimmed", "Conditional scope buffers aged out unsent", "1"},
}

var (
	totals   [idMax]atomic.Int64
	counters [idMax]metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/framecap/framecap")
	for id, def := range definitions {
		counter, err := meter.Int64Counter(def.name,
			metric.WithDescription(def.desc),
			metric.WithUnit(def.unit))
		if err != nil {
			log.Errorf("Creating Int64Counter %s: %v", def.name, err)
			continue
		}
		counters[id] = counter
	}
}

// Add increments a metric by n.
func Add(id ID, n int64) {
	totals[id].Add(n)
	if c := counters[id]; c != nil {
		c.Add(context.Background(), n)
	}
}

// Inc increments a metric by one.
func Inc(id ID) {
	Add(id, 1)
}

// Total returns the process-lifetime total for a metric.
func Total(id ID) int64 {
	return totals[id].Load()
}

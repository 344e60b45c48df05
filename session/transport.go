// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/framecap/framecap/session"

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/framecap/framecap/bufpool"
	"github.com/framecap/framecap/metrics"
	"github.com/framecap/framecap/periodiccaller"
)

// transportWarnInterval rate-limits transport error logging.
const transportWarnInterval = 5 * time.Second

var lastTransportWarn atomic.Int64

// startSendLoop spawns the send goroutine once. Safe to call repeatedly. The
// goroutine drains every context's queued buffers on a fixed interval, or
// sooner when triggered by a backpressure wait.
func (s *Session) startSendLoop() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.sendStarted {
		return
	}
	s.sendStarted = true

	s.cycleMu.Lock()
	s.sendRunning = true
	s.cycleMu.Unlock()

	s.sendStop = periodiccaller.StartWithManualTrigger(context.Background(),
		s.cfg.SendInterval, s.trigger, func(bool) { s.sendPass() })
}

// stopSendLoop ends the send goroutine and runs one final drain pass so
// shutdown does not strand queued buffers.
func (s *Session) stopSendLoop() {
	s.connMu.Lock()
	if !s.sendStarted {
		s.connMu.Unlock()
		return
	}
	s.sendStarted = false
	stop := s.sendStop
	s.connMu.Unlock()

	stop()
	s.sendPass()

	s.cycleMu.Lock()
	s.sendRunning = false
	s.cycleCond.Broadcast()
	s.cycleMu.Unlock()
}

// sendPass collects every queued buffer across all contexts and forwards them
// to the active sink, then destroys contexts that were flagged shutting down
// once drained. Each context's chain is already in capture order and must
// stay that way; no order is promised across contexts, the peer reorders by
// the timestamps inside the packets.
func (s *Session) sendPass() {
	for _, ctx := range s.snapshotContexts() {
		ctx.Flush()
		for b := ctx.Drain(); b != nil; {
			next := bufpool.Next(b)
			if err := s.writeSink(b.Bytes()); err != nil {
				s.transportError("sending buffer", err)
			}
			ctx.ReturnBuffer(b)
			b = next
		}
	}

	s.reapShutdownContexts()

	s.cycleMu.Lock()
	s.cycles++
	s.cycleCond.Broadcast()
	s.cycleMu.Unlock()
	metrics.Inc(metrics.IDSendCycles)
}

// reapShutdownContexts removes drained contexts whose owning goroutines have
// retired.
func (s *Session) reapShutdownContexts() {
	reg := s.registry.WLock()
	defer s.registry.WUnlock(&reg)
	kept := reg.contexts[:0]
	for _, ctx := range reg.contexts {
		if ctx.ShuttingDown() && !ctx.HasQueued() {
			delete(reg.names, ctx.Thread())
			for i, thread := range reg.order {
				if thread == ctx.Thread() {
					reg.order = append(reg.order[:i], reg.order[i+1:]...)
					break
				}
			}
			continue
		}
		kept = append(kept, ctx)
	}
	reg.contexts = kept
}

// waitOneSendCycle blocks the caller until the send goroutine completes one
// further pass, triggering it immediately rather than waiting out the
// interval. Used for backpressure at the frame boundary.
func (s *Session) waitOneSendCycle() {
	s.cycleMu.Lock()
	if !s.sendRunning {
		s.cycleMu.Unlock()
		return
	}
	target := s.cycles + 1
	s.cycleMu.Unlock()

	select {
	case s.trigger <- struct{}{}:
	default:
	}

	s.cycleMu.Lock()
	for s.cycles < target && s.sendRunning {
		s.cycleCond.Wait()
	}
	s.cycleMu.Unlock()
}

// writeSink writes one blob to the active sink under the sink lock. A nil
// sink silently discards: contexts only produce while connected, so this
// covers shutdown stragglers. Recording sinks enforce the size cap here.
func (s *Session) writeSink(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sink == nil {
		return nil
	}
	if s.rec != nil && !s.rec.fits(len(b)) {
		log.Warnf("recording %s reached its size cap, stopping", s.rec.path)
		s.rec.close()
		s.rec = nil
		s.sink = nil
		go s.Disconnect() // deadlocks on sinkMu if called inline
		return nil
	}
	if _, err := s.sink.Write(b); err != nil {
		return err
	}
	if s.rec != nil {
		s.rec.written += int64(len(b))
	}
	if s.debugFile != nil {
		s.debugFile.Write(b)
	}
	metrics.Add(metrics.IDBytesSent, int64(len(b)))
	return nil
}

// transportError logs a transport failure with a rate limit and tears the
// connection down so listening can restart.
func (s *Session) transportError(op string, err error) {
	now := time.Now().UnixNano()
	last := lastTransportWarn.Load()
	if now-last >= int64(transportWarnInterval) &&
		lastTransportWarn.CompareAndSwap(last, now) {
		log.Warnf("transport failure while %s: %v", op, err)
	}
	go s.Disconnect()
}

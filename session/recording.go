// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/framecap/framecap/session"

import (
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/framecap/framecap/bufpool"
	"github.com/framecap/framecap/metrics"
	"github.com/framecap/framecap/platform"
	"github.com/framecap/framecap/wire"
)

// recording is a file sink. User recordings carry the recording header and a
// size cap; spill recordings buffer a non-interactive peer's stream until it
// asks for the recorded data, and are deleted once drained.
type recording struct {
	f       *os.File
	path    string
	written int64
	max     int64 // <= 0 means uncapped
	spill   bool
}

func (r *recording) fits(n int) bool {
	return r.max <= 0 || r.written+int64(n) <= r.max
}

func (r *recording) close() {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	if r.spill && r.path != "" {
		os.Remove(r.path)
	}
}

// StartRecording redirects the capture stream into a file. Any live peer is
// disconnected first; capture begins at the next frame boundary, exactly as
// for a socket peer. maxBytes caps the file size, zero means uncapped.
func (s *Session) StartRecording(path string, maxBytes int64) error {
	if s.recordingActive() {
		return fmt.Errorf("recording already in progress")
	}
	s.Disconnect()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}
	if err := wire.WriteRecordingHeader(f); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("writing recording header: %w", err)
	}

	s.sinkMu.Lock()
	s.rec = &recording{
		f:       f,
		path:    path,
		written: int64(len(wire.RecordingMagic)),
		max:     maxBytes,
	}
	s.sinkMu.Unlock()

	s.connMu.Lock()
	s.pendingFile = true
	s.connMu.Unlock()
	log.Infof("recording capture stream to %s", path)
	return nil
}

// StopRecording drains the queued tail into the file and closes it. The
// session resumes listening for socket peers afterwards.
func (s *Session) StopRecording() {
	if !s.recordingActive() {
		return
	}
	s.waitOneSendCycle()
	s.Disconnect()
}

// initializeConnection runs at a frame boundary and brings the deferred sink
// live: a peer socket when conn is non-nil, the pending recording file
// otherwise. No context emits a packet before the preamble is on the wire.
func (s *Session) initializeConnection(conn net.Conn) {
	s.sinkMu.Lock()
	switch {
	case conn != nil:
		s.sink = conn
	case s.rec != nil:
		s.sink = s.rec.f
	default:
		s.sinkMu.Unlock()
		return
	}
	s.sinkMu.Unlock()

	s.connMu.Lock()
	s.conn = conn
	if conn != nil {
		s.state = StateConnected
	}
	s.connMu.Unlock()

	// Fresh session-scoped id space; every context renegotiates its strings,
	// callstacks and stat descriptors.
	s.shared.BeginSession()
	contexts := s.snapshotContexts()
	for _, ctx := range contexts {
		ctx.OnConnected()
	}

	b := wire.AppendConnect(nil, s.shim.Clock.Frequency(), s.shim.PID,
		uint32(s.shim.Tag), s.id)

	reg := s.registry.RLock()
	order := make([]uint32, len(reg.order))
	copy(order, reg.order)
	names := make(map[uint32]string, len(reg.names))
	for thread, name := range reg.names {
		names[thread] = name
	}
	s.registry.RUnlock(&reg)

	for _, thread := range order {
		id := s.shared.IDs.Next()
		b = wire.AppendStringValue(b, id, names[thread])
		b = wire.AppendThreadName(b, thread, id)
	}
	b = wire.AppendThreadOrder(b, order)
	if modules := platform.Modules(); len(modules) > 0 {
		for _, m := range modules {
			b = wire.AppendModule(b, m.Base, m.Size, m.Path)
		}
	} else if exe, err := os.Executable(); err == nil {
		b = wire.AppendModule(b, 0, 0, exe)
	}
	if err := s.writeSink(b); err != nil {
		s.transportError("writing connect preamble", err)
		return
	}

	s.announcedMain = false
	s.lastHeartbeat = 0
	s.startSendLoop()
	// Producers come up after the preamble is on the wire and before the
	// control stream starts, so no control packet is ever handled against a
	// half-initialized connection.
	s.shared.Enabled.Store(true)
	if conn != nil {
		s.recvWG.Add(1)
		go s.receiveLoop(conn)
		log.Infof("capture peer connected from %s", conn.RemoteAddr())
	}
	metrics.Inc(metrics.IDConnections)
	s.notifyConnection(true)
}

// Disconnect tears down the active sink: disables producers, closes the peer
// socket or recording file, joins the receive goroutine and discards buffers
// queued against the ended session's id space. Idempotent.
func (s *Session) Disconnect() {
	wasEnabled := s.shared.Enabled.Swap(false)
	s.shared.CallstacksEnabled.Store(false)

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	if s.state == StateConnected {
		if s.listener != nil {
			s.state = StateListening
		} else {
			s.state = StateIdle
		}
	}
	s.connMu.Unlock()

	if conn != nil {
		conn.Close()
		s.recvWG.Wait()
	}

	s.sinkMu.Lock()
	s.sink = nil
	if s.rec != nil {
		s.rec.close()
		s.rec = nil
	}
	s.sinkMu.Unlock()

	for _, ctx := range s.snapshotContexts() {
		for b := ctx.Drain(); b != nil; {
			next := bufpool.Next(b)
			ctx.ReturnBuffer(b)
			b = next
		}
	}

	if wasEnabled {
		log.Info("capture sink closed")
		s.notifyConnection(false)
	}
}

// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/framecap/framecap/session"

import (
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
)

// startListening opens the TCP listener and spawns the accept goroutine.
func (s *Session) startListening() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	if s.state == StateIdle {
		s.state = StateListening
	}
	log.Debugf("listening for capture peers on %s", ln.Addr())

	s.acceptWG.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// acceptLoop admits at most one peer. Connection initialization is deferred
// to the next frame boundary so the handshake ids come from the thread that
// owns the frame state; until then the accepted conn sits in pendingConn.
func (s *Session) acceptLoop(ln net.Listener) {
	defer s.acceptWG.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("accept failed: %v", err)
			}
			return
		}

		// Only one sink at a time; a recording also claims it.
		busy := s.recordingActive()
		if !busy {
			s.connMu.Lock()
			if s.state == StateConnected || s.pendingConn != nil ||
				s.pendingFile {
				busy = true
			} else {
				s.pendingConn = conn
			}
			s.connMu.Unlock()
		}
		if busy {
			log.Debugf("refusing peer %s, sink busy", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// stopListening closes the listener and joins the accept goroutine. A live
// connection survives; a pending one is refused.
func (s *Session) stopListening() {
	s.connMu.Lock()
	ln := s.listener
	s.listener = nil
	pending := s.pendingConn
	s.pendingConn = nil
	if s.state == StateListening {
		s.state = StateIdle
	}
	s.connMu.Unlock()

	if pending != nil {
		pending.Close()
	}
	if ln == nil {
		return
	}
	ln.Close()
	s.acceptWG.Wait()
}

// Addr returns the listener's bound address, or "" when not listening.
// Useful with a ":0" configured address.
func (s *Session) Addr() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Session) recordingActive() bool {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	return s.rec != nil
}

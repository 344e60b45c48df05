// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package session // import "github.com/framecap/framecap/session"

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/framecap/framecap/stringtab"
	"github.com/framecap/framecap/wire"
)

// receiveLoop decodes the peer's control stream. Any decode failure or a
// closed socket ends the connection; the teardown runs on its own goroutine
// because Disconnect joins this one.
func (s *Session) receiveLoop(conn net.Conn) {
	defer s.recvWG.Done()
	dec := wire.NewDecoder(conn)
	for {
		pkt, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debugf("control stream ended: %v", err)
			}
			go s.Disconnect()
			return
		}
		switch p := pkt.(type) {
		case wire.RequestString:
			s.replyString(p.ID)
		case wire.SetCondScopeMinTime:
			s.SetConditionalScopeMinTime(
				time.Duration(p.Micros) * time.Microsecond)
		case wire.SetCallstackRecording:
			s.SetCallstackRecording(p.Enabled)
		case wire.ConnectResponse:
			s.handleConnectResponse(p)
		case wire.RequestRecordedData:
			s.sendRecordedData(conn)
		default:
			log.Debugf("ignoring unexpected control packet tag %d",
				pkt.PacketTag())
		}
	}
}

// replyString resolves a literal id the peer saw before it knew its text.
// Dynamic ids never need this: their content always precedes their first use.
func (s *Session) replyString(id uint64) {
	text, ok := stringtab.LiteralByID(id)
	if !ok {
		log.Debugf("peer requested unknown string id %#x", id)
		return
	}
	var b []byte
	if isASCII(text) {
		b = wire.AppendStringValue(nil, id, text)
	} else {
		b = wire.AppendStringValueWide(nil, id, text)
	}
	if err := s.writeSink(b); err != nil {
		s.transportError("replying to string request", err)
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// handleConnectResponse applies the peer's requested mode. A non-interactive
// peer wants the stream buffered process-side until it asks for it, so the
// sink is swapped from the socket to a spill file.
func (s *Session) handleConnectResponse(p wire.ConnectResponse) {
	if p.Flags&wire.ConnFlagContextSwitches != 0 {
		log.Info("peer asked for context-switch recording; not supported")
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if p.Flags&wire.ConnFlagInteractive != 0 || conn == nil {
		return
	}

	f, err := os.CreateTemp("", "framecap-spill-*")
	if err != nil {
		log.Warnf("cannot open spill file, staying interactive: %v", err)
		return
	}
	s.sinkMu.Lock()
	s.rec = &recording{f: f, path: f.Name(), spill: true}
	s.sink = f
	s.sinkMu.Unlock()
	log.Debugf("peer deferred delivery, spilling to %s", f.Name())
}

// sendRecordedData streams the spill file back over the socket, then ends
// the connection. The final send cycle runs first so the stream is complete
// up to the request.
func (s *Session) sendRecordedData(conn net.Conn) {
	s.waitOneSendCycle()

	s.sinkMu.Lock()
	rec := s.rec
	if rec == nil || !rec.spill {
		s.sinkMu.Unlock()
		log.Debug("peer requested recorded data without deferred delivery")
		return
	}
	s.rec = nil
	s.sink = nil
	s.sinkMu.Unlock()

	if _, err := rec.f.Seek(0, io.SeekStart); err == nil {
		if _, err := io.Copy(conn, rec.f); err != nil {
			log.Warnf("sending recorded data: %v", err)
		}
	}
	rec.close()
	go s.Disconnect()
}

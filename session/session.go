// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns the process-wide capture state: the ordered list of
// capture contexts, the connection state machine, the background transport
// goroutines and the recording-to-file sink. Hosts create one Session per
// process, create a Context per goroutine that wants to capture, and call
// FrameBoundary once per frame from their main loop.
package session // import "github.com/framecap/framecap/session"

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/framecap/framecap/capture"
	"github.com/framecap/framecap/metrics"
	"github.com/framecap/framecap/platform"
	"github.com/framecap/framecap/wire"
	"github.com/framecap/framecap/xsync"
)

// State is the connection state machine position.
type State int32

const (
	// StateIdle means no listener is up (sockets blocked or not started).
	StateIdle State = iota
	// StateListening means the accept goroutine is waiting for a peer.
	StateListening
	// StateConnected means a handshake completed and transport is live.
	StateConnected
)

// registry is the ordered context list plus the thread bookkeeping replayed
// on every (re)connect. Guarded by its xsync lock; deliberately distinct from
// any single context's buffer lock.
type registry struct {
	contexts []*capture.Context
	names    map[uint32]string
	order    []uint32
	next     uint32
}

// Session is the process-wide singleton. Construct with New, start with
// Start, dispose with Shutdown. Tests construct a fresh instance each.
type Session struct {
	cfg    Config
	shim   platform.Shim
	shared capture.Shared
	id     uuid.UUID

	registry xsync.RWMutex[registry]
	sessCtx  *capture.Context

	// connMu guards the state machine fields below.
	connMu      sync.Mutex
	state       State
	listener    net.Listener
	conn        net.Conn
	pendingConn net.Conn // accepted, deferred to the next frame boundary
	pendingFile bool     // recording sink awaiting frame-boundary init

	// sinkMu serializes every write to the active sink: the send loop, the
	// connection preamble and receive-loop replies.
	sinkMu    sync.Mutex
	sink      io.Writer
	rec       *recording
	debugFile *os.File

	callbackMu sync.Mutex
	callbacks  []func(connected bool)

	// Send loop machinery. cycles counts completed send passes; the frame
	// boundary's backpressure wait blocks on it.
	sendStarted bool
	sendStop    func()
	trigger     chan struct{}
	cycleMu     sync.Mutex
	cycleCond   *sync.Cond
	cycles      uint64
	sendRunning bool

	acceptWG sync.WaitGroup
	recvWG   sync.WaitGroup

	// Main-thread-only state, touched exclusively inside FrameBoundary.
	frameIndex    uint64
	lastHeartbeat uint64
	announcedMain bool
}

// New creates a Session backed by the default platform shim.
func New(cfg Config) *Session {
	return NewWithShim(cfg, platform.Default())
}

// NewWithShim creates a Session with an explicit platform shim; tests pass
// manual clocks and canned stack walkers here.
func NewWithShim(cfg Config, shim platform.Shim) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:     cfg,
		shim:    shim,
		id:      uuid.New(),
		trigger: make(chan struct{}, 1),
	}
	s.cycleCond = sync.NewCond(&s.cycleMu)
	s.shared.CondScopeMinTicks.Store(s.ticks(cfg.CondScopeMinTime))

	reg := registry{names: make(map[uint32]string)}
	s.registry = xsync.NewRWMutex(reg)
	s.sessCtx = s.registerContext("Main")
	return s
}

// registerContext creates a context and appends it to the ordered list.
func (s *Session) registerContext(name string) *capture.Context {
	reg := s.registry.WLock()
	defer s.registry.WUnlock(&reg)
	thread := reg.next
	reg.next++
	ctx := capture.New(thread, name, s.shim, &s.shared, capture.Config{
		BufferSize:          s.cfg.BufferSize,
		MaxBuffers:          s.cfg.MaxBuffersPerContext,
		MinScopeTicks:       s.ticks(s.cfg.MinScopeDuration),
		MinWaitTicks:        s.ticks(s.cfg.MinWaitDuration),
		VerifyStringContent: s.cfg.VerifyStringContent,
	})
	reg.contexts = append(reg.contexts, ctx)
	reg.names[thread] = name
	reg.order = append(reg.order, thread)
	return ctx
}

// NewContext registers a capture context for the calling goroutine. The
// context is single-writer: only this goroutine may use it. Release it with
// its FlagShutdown when the goroutine retires.
func (s *Session) NewContext(name string) *capture.Context {
	ctx := s.registerContext(name)
	// A live connection learns about new threads immediately; otherwise the
	// next connect preamble replays every name.
	if s.shared.Enabled.Load() {
		id := s.shared.IDs.Next()
		b := wire.AppendStringValue(nil, id, name)
		b = wire.AppendThreadName(b, ctx.Thread(), id)
		if err := s.writeSink(b); err != nil {
			s.transportError("announcing thread", err)
		}
	}
	return ctx
}

// MainContext returns the session's own context, owned by whichever
// goroutine calls FrameBoundary.
func (s *Session) MainContext() *capture.Context {
	return s.sessCtx
}

// Start brings the session up: opens the debug mirror if configured and
// begins listening unless sockets are blocked.
func (s *Session) Start() error {
	if s.cfg.SocketDebugFile != "" {
		f, err := os.Create(s.cfg.SocketDebugFile)
		if err != nil {
			return err
		}
		s.debugFile = f
	}
	if s.cfg.SocketsBlocked {
		log.Debug("sockets administratively blocked, staying idle")
		return nil
	}
	return s.startListening()
}

// RegisterConnectionChanged adds a callback invoked with true after a
// connection is fully initialized and false after a disconnect.
func (s *Session) RegisterConnectionChanged(fn func(connected bool)) {
	s.callbackMu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.callbackMu.Unlock()
}

func (s *Session) notifyConnection(connected bool) {
	s.callbackMu.Lock()
	fns := make([]func(bool), len(s.callbacks))
	copy(fns, s.callbacks)
	s.callbackMu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// SetConditionalScopeMinTime retunes the conditional-scope drop threshold.
// Also reachable by the peer through a control packet.
func (s *Session) SetConditionalScopeMinTime(d time.Duration) {
	s.shared.CondScopeMinTicks.Store(s.ticks(d))
}

// SetCallstackRecording toggles callstack capture on scope opens.
func (s *Session) SetCallstackRecording(enabled bool) {
	s.shared.CallstacksEnabled.Store(enabled)
}

// State returns the connection state machine position.
func (s *Session) State() State {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.state
}

// Connected reports whether a connection is fully initialized.
func (s *Session) Connected() bool {
	return s.shared.Enabled.Load()
}

// FrameBoundary is the host's once-per-frame entry point, called from the
// main thread. It performs deferred connection initialization, emits the
// frame marker, trims conditional-scope retention, runs the heartbeat and
// applies backpressure when the memory ceiling is exceeded. This is the only
// capture call that may block, bounded by one send cycle.
func (s *Session) FrameBoundary() {
	s.connMu.Lock()
	pc := s.pendingConn
	s.pendingConn = nil
	pf := s.pendingFile
	s.pendingFile = false
	s.connMu.Unlock()
	if pc != nil || pf {
		s.initializeConnection(pc)
	}

	now := s.shim.Clock.Ticks()
	s.frameIndex++
	s.sessCtx.FrameStart(s.frameIndex)

	contexts := s.snapshotContexts()
	for _, ctx := range contexts {
		ctx.TrimConditionalScopes(now)
	}

	if s.shared.Enabled.Load() &&
		now-s.lastHeartbeat >= s.shim.Clock.Frequency() {
		s.heartbeat(now, contexts)
	}

	if s.memoryUsage(contexts) > s.cfg.MaxMemoryBytes {
		metrics.Inc(metrics.IDBackpressureWaits)
		s.waitOneSendCycle()
	}
}

// heartbeat emits the aggregate memory session-info packet; the first one of
// a connection also announces which thread is the main thread.
func (s *Session) heartbeat(now uint64, contexts []*capture.Context) {
	var bufferBytes, stringBytes, stackBytes uint64
	for _, ctx := range contexts {
		b, str, stk := ctx.MemoryBytes()
		bufferBytes += b + ctx.RetainedConditionalBytes()
		stringBytes += str
		stackBytes += stk
	}

	var b []byte
	if !s.announcedMain {
		b = wire.AppendMainThread(b, s.sessCtx.Thread())
		s.announcedMain = true
	}
	b = wire.AppendSessionInfo(b, now, bufferBytes, stringBytes, stackBytes,
		uint32(len(contexts)))
	if err := s.writeSink(b); err != nil {
		s.transportError("heartbeat", err)
	}
	s.lastHeartbeat = now
}

func (s *Session) snapshotContexts() []*capture.Context {
	reg := s.registry.RLock()
	contexts := make([]*capture.Context, len(reg.contexts))
	copy(contexts, reg.contexts)
	s.registry.RUnlock(&reg)
	return contexts
}

func (s *Session) memoryUsage(contexts []*capture.Context) uint64 {
	var total uint64
	for _, ctx := range contexts {
		b, str, stk := ctx.MemoryBytes()
		total += b + str + stk + ctx.RetainedConditionalBytes()
	}
	return total
}

// ticks converts a duration to clock ticks.
func (s *Session) ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Seconds() * float64(s.shim.Clock.Frequency()))
}

// Shutdown tears the session down: stops listening, disconnects, performs a
// final drain and stops the transport goroutines.
func (s *Session) Shutdown() {
	s.stopListening()
	s.Disconnect()
	s.stopSendLoop()
	s.sinkMu.Lock()
	if s.rec != nil {
		s.rec.close()
		s.rec = nil
	}
	if s.debugFile != nil {
		s.debugFile.Close()
		s.debugFile = nil
	}
	s.sinkMu.Unlock()
}

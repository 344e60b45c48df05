// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framecap/framecap/capture"
	"github.com/framecap/framecap/metrics"
	"github.com/framecap/framecap/platform"
	"github.com/framecap/framecap/stringtab"
	"github.com/framecap/framecap/wire"
)

const testClockFreq = 1000

// nopWalker stands in for the runtime walker so tests stay deterministic.
type nopWalker struct{}

func (nopWalker) Walk(_ int, pcs []uintptr) int {
	pcs[0] = 0x1000
	pcs[1] = 0x2000
	return 2
}

func newTestSession(t *testing.T, cfg Config) (*Session, *platform.ManualClock) {
	t.Helper()
	clock := platform.NewManualClock(testClockFreq)
	shim := platform.Shim{
		Clock: clock,
		Stack: nopWalker{},
		PID:   4242,
		Tag:   platform.TagLinux,
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.SendInterval == 0 {
		cfg.SendInterval = 5 * time.Millisecond
	}
	s := NewWithShim(cfg, shim)
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)
	return s, clock
}

// testPeer reads the session's stream from the far end of the socket.
type testPeer struct {
	conn net.Conn

	mu      sync.Mutex
	packets []wire.Packet
	readErr error
}

func dialPeer(t *testing.T, s *Session) *testPeer {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	p := &testPeer{conn: conn}
	t.Cleanup(func() { conn.Close() })
	go p.read()
	return p
}

func (p *testPeer) read() {
	dec := wire.NewDecoder(p.conn)
	for {
		pkt, err := dec.Next()
		p.mu.Lock()
		if err != nil {
			p.readErr = err
			p.mu.Unlock()
			return
		}
		p.packets = append(p.packets, pkt)
		p.mu.Unlock()
	}
}

func (p *testPeer) snapshot() []wire.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Packet(nil), p.packets...)
}

func (p *testPeer) closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readErr != nil
}

func (p *testPeer) send(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.conn.Write(b)
	require.NoError(t, err)
}

// stringID returns the announced id for the given text, or 0.
func (p *testPeer) stringID(text string) uint64 {
	for _, pkt := range p.snapshot() {
		if sv, ok := pkt.(wire.StringValue); ok && sv.Value == text {
			return sv.ID
		}
	}
	return 0
}

func (p *testPeer) scopeNamed(text string) (wire.Scope, bool) {
	id := p.stringID(text)
	if id == 0 {
		return wire.Scope{}, false
	}
	for _, pkt := range p.snapshot() {
		if sc, ok := pkt.(wire.Scope); ok && sc.NameID == id {
			return sc, true
		}
	}
	return wire.Scope{}, false
}

// pump drives frame boundaries until the session reports a connection.
func pumpUntilConnected(t *testing.T, s *Session, clock *platform.ManualClock) {
	t.Helper()
	require.Eventually(t, func() bool {
		clock.Advance(10)
		s.FrameBoundary()
		return s.Connected()
	}, 3*time.Second, 2*time.Millisecond)
}

func TestConnectPreamble(t *testing.T) {
	s, clock := newTestSession(t, Config{})
	peer := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)

	require.Eventually(t, func() bool {
		return peer.stringID("Main") != 0
	}, time.Second, 2*time.Millisecond)

	var connect wire.Connect
	var order wire.ThreadOrder
	foundConnect, foundOrder := false, false
	for _, pkt := range peer.snapshot() {
		switch p := pkt.(type) {
		case wire.Connect:
			connect, foundConnect = p, true
		case wire.ThreadOrder:
			order, foundOrder = p, true
		}
	}
	require.True(t, foundConnect)
	assert.Equal(t, uint64(4242), connect.PID)
	assert.Equal(t, uint64(testClockFreq), connect.ClockFrequency)
	assert.Equal(t, [16]byte(s.id), connect.SessionID)
	require.True(t, foundOrder)
	assert.Equal(t, []uint32{0}, order.Threads)
	assert.Equal(t, StateConnected, s.State())
}

func TestScopeDelivery(t *testing.T) {
	s, clock := newTestSession(t, Config{})
	peer := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)

	name := stringtab.NewLiteral("render")
	ctx := s.MainContext()
	ctx.OpenScope(name)
	clock.Advance(50)
	ctx.CloseScope()
	s.FrameBoundary()

	require.Eventually(t, func() bool {
		_, ok := peer.scopeNamed("render")
		return ok
	}, time.Second, 2*time.Millisecond)

	sc, _ := peer.scopeNamed("render")
	assert.Equal(t, uint32(0), sc.Thread)
	assert.Equal(t, uint64(50), sc.End-sc.Start)
}

func TestLiveThreadAnnounce(t *testing.T) {
	s, clock := newTestSession(t, Config{})
	peer := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)

	ctx := s.NewContext("worker")
	require.Eventually(t, func() bool {
		return peer.stringID("worker") != 0
	}, time.Second, 2*time.Millisecond)

	id := peer.stringID("worker")
	found := false
	for _, pkt := range peer.snapshot() {
		if tn, ok := pkt.(wire.ThreadName); ok && tn.NameID == id {
			assert.Equal(t, ctx.Thread(), tn.Thread)
			found = true
		}
	}
	assert.True(t, found)
}

func TestReconnectRenegotiates(t *testing.T) {
	s, clock := newTestSession(t, Config{})

	peer1 := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)
	name := stringtab.NewLiteral("tick")
	s.MainContext().OpenScope(name)
	clock.Advance(10)
	s.MainContext().CloseScope()
	s.FrameBoundary()
	require.Eventually(t, func() bool {
		_, ok := peer1.scopeNamed("tick")
		return ok
	}, time.Second, 2*time.Millisecond)

	peer1.conn.Close()
	require.Eventually(t, func() bool {
		return s.State() == StateListening
	}, time.Second, 2*time.Millisecond)

	peer2 := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)
	s.MainContext().OpenScope(name)
	clock.Advance(10)
	s.MainContext().CloseScope()
	s.FrameBoundary()

	// The second connection must re-announce both the thread name and the
	// scope name: nothing negotiated on the first survives.
	require.Eventually(t, func() bool {
		_, ok := peer2.scopeNamed("tick")
		return ok
	}, time.Second, 2*time.Millisecond)
	assert.NotZero(t, peer2.stringID("Main"))
}

func TestConditionalKeepPreservesThreadOrder(t *testing.T) {
	s, clock := newTestSession(t, Config{})
	peer := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)

	inside := stringtab.NewLiteral("inside")
	after := stringtab.NewLiteral("after")
	ctx := s.MainContext()

	ctx.PushConditionalParentScope("combat", time.Second, 0)
	ctx.OpenScope(inside)
	clock.Advance(20)
	ctx.CloseScope()
	ctx.PopConditionalParentScope(
		func(_, _, _ uint64) capture.Decision { return capture.Keep })
	ctx.OpenScope(after)
	clock.Advance(5)
	ctx.CloseScope()
	s.FrameBoundary()

	require.Eventually(t, func() bool {
		_, ok := peer.scopeNamed("after")
		return ok
	}, time.Second, 2*time.Millisecond)

	// The kept chain precedes events recorded after the pop, even though the
	// chain's buffers are younger than the one holding the post-pop events.
	insideIdx, afterIdx := -1, -1
	for i, pkt := range peer.snapshot() {
		if sc, ok := pkt.(wire.Scope); ok {
			switch sc.NameID {
			case inside.ID():
				insideIdx = i
			case after.ID():
				afterIdx = i
			}
		}
	}
	require.GreaterOrEqual(t, insideIdx, 0)
	require.GreaterOrEqual(t, afterIdx, 0)
	assert.Less(t, insideIdx, afterIdx)
}

func TestSecondPeerRefused(t *testing.T) {
	s, clock := newTestSession(t, Config{})
	peer1 := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)

	peer2 := dialPeer(t, s)
	require.Eventually(t, peer2.closed, time.Second, 2*time.Millisecond)
	assert.True(t, s.Connected())
	assert.False(t, peer1.closed())
}

func TestPeerControlPackets(t *testing.T) {
	s, clock := newTestSession(t, Config{})
	peer := dialPeer(t, s)
	pumpUntilConnected(t, s, clock)

	peer.send(t, wire.AppendSetCallstackRecording(nil, true))
	require.Eventually(t, func() bool {
		return s.shared.CallstacksEnabled.Load()
	}, time.Second, 2*time.Millisecond)

	// 5000us at 1000 ticks/s is 5 ticks.
	peer.send(t, wire.AppendSetCondScopeMinTime(nil, 5000))
	require.Eventually(t, func() bool {
		return s.shared.CondScopeMinTicks.Load() == 5
	}, time.Second, 2*time.Millisecond)

	lit := stringtab.NewLiteral("late-resolved")
	peer.send(t, wire.AppendRequestString(nil, lit.ID()))
	require.Eventually(t, func() bool {
		return peer.stringID("late-resolved") == lit.ID()
	}, time.Second, 2*time.Millisecond)

	// Context-switch recording is not supported; asking for it must not
	// disturb the connection.
	peer.send(t, wire.AppendConnectResponse(nil,
		wire.ConnFlagInteractive|wire.ConnFlagContextSwitches))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.Connected())
}

func TestControlPacketBeforeFirstFrame(t *testing.T) {
	s, clock := newTestSession(t, Config{})
	peer := dialPeer(t, s)
	// Queued before the session ever reaches a frame boundary; it is only
	// handled once the connection is fully initialized.
	peer.send(t, wire.AppendSetCallstackRecording(nil, true))
	pumpUntilConnected(t, s, clock)

	require.Eventually(t, func() bool {
		return s.shared.CallstacksEnabled.Load()
	}, time.Second, 2*time.Millisecond)
	assert.True(t, s.Connected())
}

func TestRecordingToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.fcrec")
	s, clock := newTestSession(t, Config{SocketsBlocked: true})

	require.NoError(t, s.StartRecording(path, 0))
	clock.Advance(10)
	s.FrameBoundary()
	require.True(t, s.Connected())

	name := stringtab.NewLiteral("load-assets")
	s.MainContext().OpenScope(name)
	clock.Advance(33)
	s.MainContext().CloseScope()
	s.FrameBoundary()
	s.StopRecording()
	require.False(t, s.Connected())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec, err := wire.OpenRecording(f)
	require.NoError(t, err)

	var nameID uint64
	var scope wire.Scope
	sawConnect, sawScope := false, false
	for {
		pkt, err := dec.Next()
		if err != nil {
			break
		}
		switch p := pkt.(type) {
		case wire.Connect:
			sawConnect = true
		case wire.StringValue:
			if p.Value == "load-assets" {
				nameID = p.ID
			}
		case wire.Scope:
			if nameID != 0 && p.NameID == nameID {
				scope, sawScope = p, true
			}
		}
	}
	require.True(t, sawConnect)
	require.True(t, sawScope)
	assert.Equal(t, uint64(33), scope.End-scope.Start)
}

func TestRecordingRefusesPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.fcrec")
	s, clock := newTestSession(t, Config{})
	require.NoError(t, s.StartRecording(path, 0))
	clock.Advance(10)
	s.FrameBoundary()

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	defer conn.Close()
	peer := &testPeer{conn: conn}
	go peer.read()
	require.Eventually(t, peer.closed, time.Second, 2*time.Millisecond)
	s.StopRecording()
}

func TestBackpressureWaitsForSendCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.fcrec")
	s, clock := newTestSession(t, Config{
		SocketsBlocked: true,
		MaxMemoryBytes: 1,
	})
	require.NoError(t, s.StartRecording(path, 0))
	clock.Advance(10)
	s.FrameBoundary()

	name := stringtab.NewLiteral("sim")
	s.MainContext().OpenScope(name)
	clock.Advance(5)
	s.MainContext().CloseScope()

	before := metrics.Total(metrics.IDBackpressureWaits)
	done := make(chan struct{})
	go func() {
		s.FrameBoundary()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("frame boundary did not come back from backpressure wait")
	}
	assert.Greater(t, metrics.Total(metrics.IDBackpressureWaits), before)
	s.StopRecording()
}

func TestShutdownStopsListening(t *testing.T) {
	clock := platform.NewManualClock(testClockFreq)
	shim := platform.Shim{Clock: clock, Stack: nopWalker{}, PID: 1, Tag: platform.TagLinux}
	s := NewWithShim(Config{Addr: "127.0.0.1:0", SendInterval: 5 * time.Millisecond}, shim)
	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NotEmpty(t, addr)
	s.Shutdown()

	_, err := net.Dial("tcp", addr)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, s.State())
}

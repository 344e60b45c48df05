// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStream(t *testing.T) {
	session := [16]byte{1, 2, 3, 4}
	var b []byte
	b = AppendConnect(b, 1e9, 4242, uint32(1), session)
	b = AppendFrameStart(b, 7, 1000)
	b = AppendThreadName(b, 3, 55)
	b = AppendStringValue(b, 55, "Render")
	b = AppendScope(b, 3, 55, 1010, 1040)
	b = AppendScopeStack(b, 3, 55, 1050, 1090, 9)
	b = AppendCallstack(b, 9, []uintptr{0x1000, 0x2000, 0x3000})
	b = AppendStatDouble(b, 3, 56, 1100, 16.25)
	b = AppendLog(b, LogWarn, 1200, "ran long")
	b = AppendWaitStart(b, 3, 77, 1300)
	b = AppendWaitStop(b, 3, 77, 1350)
	b = AppendThreadOrder(b, []uint32{0, 3, 1})
	b = AppendMainThread(b, 0)
	b = AppendSessionInfo(b, 1400, 32768, 128, 64, 2)

	dec := NewDecoder(bytes.NewReader(b))

	connect, err := dec.Next()
	require.NoError(t, err)
	c, ok := connect.(Connect)
	require.True(t, ok)
	assert.Equal(t, uint64(1e9), c.ClockFrequency)
	assert.Equal(t, uint64(4242), c.PID)
	assert.Equal(t, session, c.SessionID)

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameStart{FrameIndex: 7, Ticks: 1000}, frame)

	name, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ThreadName{Thread: 3, NameID: 55}, name)

	str, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, StringValue{ID: 55, Value: "Render"}, str)

	scope, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Scope{Thread: 3, NameID: 55, Start: 1010, End: 1040}, scope)

	scopeStack, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Scope{Thread: 3, NameID: 55, Start: 1050, End: 1090,
		StackID: 9, HasStack: true}, scopeStack)

	stack, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Callstack{StackID: 9,
		Frames: []uintptr{0x1000, 0x2000, 0x3000}}, stack)

	stat, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, StatDouble{Thread: 3, NameID: 56, Ticks: 1100,
		Value: 16.25}, stat)

	logp, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Log{Severity: LogWarn, Ticks: 1200, Text: "ran long"}, logp)

	start, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, WaitEvent{Kind: TagWaitStart, Thread: 3, EventID: 77,
		Ticks: 1300}, start)

	stop, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, WaitEvent{Kind: TagWaitStop, Thread: 3, EventID: 77,
		Ticks: 1350}, stop)

	order, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ThreadOrder{Threads: []uint32{0, 3, 1}}, order)

	main, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, MainThread{Thread: 0}, main)

	info, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, SessionInfo{Ticks: 1400, BufferBytes: 32768,
		StringBytes: 128, StackBytes: 64, Contexts: 2}, info)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeControlPackets(t *testing.T) {
	var b []byte
	b = AppendConnectResponse(b, ConnFlagInteractive|ConnFlagContextSwitches)
	b = AppendRequestString(b, 99)
	b = AppendSetCondScopeMinTime(b, 5000)
	b = AppendSetCallstackRecording(b, true)
	b = AppendRequestRecordedData(b)

	dec := NewDecoder(bytes.NewReader(b))

	resp, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, ConnectResponse{
		Flags: ConnFlagInteractive | ConnFlagContextSwitches}, resp)

	req, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, RequestString{ID: 99}, req)

	minTime, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, SetCondScopeMinTime{Micros: 5000}, minTime)

	cs, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, SetCallstackRecording{Enabled: true}, cs)

	data, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, RequestRecordedData{}, data)
}

func TestDecodeWideString(t *testing.T) {
	b := AppendStringValueWide(nil, 12, "héllo ✓")

	dec := NewDecoder(bytes.NewReader(b))
	p, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, StringValue{ID: 12, Value: "héllo ✓", Wide: true}, p)
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]struct {
		data []byte
	}{
		"unknown tag": {
			data: le.AppendUint32(nil, packHeader(Tag(0xfe), 0)),
		},
		"short packet": {
			data: AppendScope(nil, 0, 1, 2, 3)[:10],
		},
		"bad connect magic": {
			data: func() []byte {
				b := AppendConnect(nil, 1, 1, 0, [16]byte{})
				b[4] = 0xff
				return b
			}(),
		},
		"oversized string length": {
			data: func() []byte {
				b := AppendStringValue(nil, 1, "x")
				le.PutUint32(b[12:], maxVarLen+1)
				return b
			}(),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dec := NewDecoder(bytes.NewReader(tc.data))
			_, err := dec.Next()
			require.Error(t, err)
		})
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	var file bytes.Buffer
	require.NoError(t, WriteRecordingHeader(&file))
	file.Write(AppendFrameStart(nil, 1, 10))
	file.Write(AppendFrameStart(nil, 2, 20))

	dec, err := OpenRecording(bytes.NewReader(file.Bytes()))
	require.NoError(t, err)

	p1, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameStart{FrameIndex: 1, Ticks: 10}, p1)

	p2, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameStart{FrameIndex: 2, Ticks: 20}, p2)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestOpenRecordingRejectsForeignFile(t *testing.T) {
	_, err := OpenRecording(strings.NewReader("not a recording at all, sorry"))
	require.Error(t, err)
}

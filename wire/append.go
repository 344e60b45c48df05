// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "github.com/framecap/framecap/wire"

import (
	"encoding/binary"
	"math"
	"unicode/utf16"
)

// The appenders below serialize one packet each onto dst and return the
// extended slice. Callers on the capture hot path check the packet size
// against the remaining buffer capacity before calling, so appenders never
// need to report overflow.

var le = binary.LittleEndian

// AppendConnect writes the connect handshake.
func AppendConnect(dst []byte, clockFrequency, pid uint64, platformTag uint32,
	sessionID [16]byte) []byte {
	dst = le.AppendUint32(dst, packHeader(TagConnect, 0))
	dst = le.AppendUint32(dst, ConnectMagic)
	dst = le.AppendUint32(dst, ProtocolVersion)
	dst = le.AppendUint64(dst, clockFrequency)
	dst = le.AppendUint64(dst, pid)
	dst = le.AppendUint32(dst, platformTag)
	return append(dst, sessionID[:]...)
}

// AppendFrameStart writes a frame boundary marker.
func AppendFrameStart(dst []byte, frameIndex, ticks uint64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagFrameStart, 0))
	dst = le.AppendUint64(dst, frameIndex)
	return le.AppendUint64(dst, ticks)
}

// AppendScope writes a completed timed scope. The thread index travels in the
// header ancillary field.
func AppendScope(dst []byte, thread uint32, nameID, start, end uint64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagScope, thread))
	dst = le.AppendUint64(dst, nameID)
	dst = le.AppendUint64(dst, start)
	return le.AppendUint64(dst, end)
}

// AppendScopeStack is AppendScope with an attached callstack id.
func AppendScopeStack(dst []byte, thread uint32, nameID, start, end uint64,
	stackID uint32) []byte {
	dst = le.AppendUint32(dst, packHeader(TagScopeStack, thread))
	dst = le.AppendUint64(dst, nameID)
	dst = le.AppendUint64(dst, start)
	dst = le.AppendUint64(dst, end)
	return le.AppendUint32(dst, stackID)
}

func AppendThreadName(dst []byte, thread uint32, nameID uint64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagThreadName, thread))
	return le.AppendUint64(dst, nameID)
}

// AppendThreadOrder announces the display order of thread indices.
func AppendThreadOrder(dst []byte, threads []uint32) []byte {
	dst = le.AppendUint32(dst, packHeader(TagThreadOrder, 0))
	dst = le.AppendUint32(dst, uint32(len(threads)))
	for _, t := range threads {
		dst = le.AppendUint32(dst, t)
	}
	return dst
}

func AppendMainThread(dst []byte, thread uint32) []byte {
	return le.AppendUint32(dst, packHeader(TagMainThread, thread))
}

// AppendStringValue announces the UTF-8 contents behind a string id. Sent
// once per id per session.
func AppendStringValue(dst []byte, id uint64, s string) []byte {
	dst = le.AppendUint32(dst, packHeader(TagStringValue, 0))
	dst = le.AppendUint64(dst, id)
	dst = le.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// AppendStringValueWide is the UTF-16LE variant for peers that want wide
// strings. The length field counts bytes, not code units.
func AppendStringValueWide(dst []byte, id uint64, s string) []byte {
	units := utf16.Encode([]rune(s))
	dst = le.AppendUint32(dst, packHeader(TagStringValueWide, 0))
	dst = le.AppendUint64(dst, id)
	dst = le.AppendUint32(dst, uint32(len(units)*2))
	for _, u := range units {
		dst = le.AppendUint16(dst, u)
	}
	return dst
}

func AppendStatInt64(dst []byte, thread uint32, nameID, ticks uint64,
	value int64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagStatInt64, thread))
	dst = le.AppendUint64(dst, nameID)
	dst = le.AppendUint64(dst, ticks)
	return le.AppendUint64(dst, uint64(value))
}

func AppendStatDouble(dst []byte, thread uint32, nameID, ticks uint64,
	value float64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagStatDouble, thread))
	dst = le.AppendUint64(dst, nameID)
	dst = le.AppendUint64(dst, ticks)
	return le.AppendUint64(dst, math.Float64bits(value))
}

// AppendStatDescriptor carries the graph/unit/colour side-channel for a
// custom stat, sent once per stat name per session.
func AppendStatDescriptor(dst []byte, nameID, graphID, unitID uint64,
	colour uint32) []byte {
	dst = le.AppendUint32(dst, packHeader(TagStatDescriptor, 0))
	dst = le.AppendUint64(dst, nameID)
	dst = le.AppendUint64(dst, graphID)
	dst = le.AppendUint64(dst, unitID)
	return le.AppendUint32(dst, colour)
}

// AppendLog writes a log line. Severity travels in the ancillary field.
func AppendLog(dst []byte, severity uint32, ticks uint64, text string) []byte {
	dst = le.AppendUint32(dst, packHeader(TagLog, severity))
	dst = le.AppendUint64(dst, ticks)
	dst = le.AppendUint32(dst, uint32(len(text)))
	return append(dst, text...)
}

func AppendEvent(dst []byte, thread uint32, nameID, ticks uint64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagEvent, thread))
	dst = le.AppendUint64(dst, nameID)
	return le.AppendUint64(dst, ticks)
}

func appendWait(dst []byte, tag Tag, thread uint32, eventID, ticks uint64) []byte {
	dst = le.AppendUint32(dst, packHeader(tag, thread))
	dst = le.AppendUint64(dst, eventID)
	return le.AppendUint64(dst, ticks)
}

func AppendWaitStart(dst []byte, thread uint32, eventID, ticks uint64) []byte {
	return appendWait(dst, TagWaitStart, thread, eventID, ticks)
}

func AppendWaitStop(dst []byte, thread uint32, eventID, ticks uint64) []byte {
	return appendWait(dst, TagWaitStop, thread, eventID, ticks)
}

func AppendWaitTrigger(dst []byte, thread uint32, eventID, ticks uint64) []byte {
	return appendWait(dst, TagWaitTrigger, thread, eventID, ticks)
}

// AppendCallstack ships the raw frames of a newly interned callstack. Sent
// exactly once per stack id per session.
func AppendCallstack(dst []byte, stackID uint32, frames []uintptr) []byte {
	dst = le.AppendUint32(dst, packHeader(TagCallstack, 0))
	dst = le.AppendUint32(dst, stackID)
	dst = le.AppendUint32(dst, uint32(len(frames)))
	for _, f := range frames {
		dst = le.AppendUint64(dst, uint64(f))
	}
	return dst
}

// AppendModule reports one loaded module for peer-side symbol resolution.
func AppendModule(dst []byte, base, size uint64, path string) []byte {
	dst = le.AppendUint32(dst, packHeader(TagModule, 0))
	dst = le.AppendUint64(dst, base)
	dst = le.AppendUint64(dst, size)
	dst = le.AppendUint32(dst, uint32(len(path)))
	return append(dst, path...)
}

// AppendSessionInfo reports aggregate memory figures, emitted by the
// heartbeat.
func AppendSessionInfo(dst []byte, ticks, bufferBytes, stringBytes,
	stackBytes uint64, contexts uint32) []byte {
	dst = le.AppendUint32(dst, packHeader(TagSessionInfo, 0))
	dst = le.AppendUint64(dst, ticks)
	dst = le.AppendUint64(dst, bufferBytes)
	dst = le.AppendUint64(dst, stringBytes)
	dst = le.AppendUint64(dst, stackBytes)
	return le.AppendUint32(dst, contexts)
}

// Control packets, peer to session.

func AppendRequestString(dst []byte, id uint64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagRequestString, 0))
	return le.AppendUint64(dst, id)
}

func AppendSetCondScopeMinTime(dst []byte, micros uint64) []byte {
	dst = le.AppendUint32(dst, packHeader(TagSetCondScopeMinTime, 0))
	return le.AppendUint64(dst, micros)
}

func AppendConnectResponse(dst []byte, flags uint32) []byte {
	dst = le.AppendUint32(dst, packHeader(TagConnectResponse, 0))
	return le.AppendUint32(dst, flags)
}

func AppendRequestRecordedData(dst []byte) []byte {
	return le.AppendUint32(dst, packHeader(TagRequestRecordedData, 0))
}

func AppendSetCallstackRecording(dst []byte, enabled bool) []byte {
	var on uint32
	if enabled {
		on = 1
	}
	return le.AppendUint32(dst, packHeader(TagSetCallstackRecording, on))
}

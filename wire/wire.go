// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the tagged binary packets exchanged between a capture
// session and the analysis peer, or written to a recording file. Every packet
// starts with a 4-byte little-endian header holding the type tag in the low
// byte and a packet-specific ancillary value (thread index, log severity) in
// the upper 24 bits. Payload sizes are statically known from the tag except
// for the explicitly length-prefixed variable fields.
package wire // import "github.com/framecap/framecap/wire"

// Tag identifies a packet type.
type Tag uint8

// Packets flowing from the capture session to the peer or recording file.
const (
	TagInvalid Tag = iota
	TagConnect
	TagFrameStart
	TagScope
	TagScopeStack
	TagThreadName
	TagThreadOrder
	TagMainThread
	TagStringValue
	TagStringValueWide
	TagStatInt64
	TagStatDouble
	TagStatDescriptor
	TagLog
	TagEvent
	TagWaitStart
	TagWaitStop
	TagWaitTrigger
	TagCallstack
	TagModule
	TagSessionInfo
)

// Control packets flowing from the peer back to the capture session.
const (
	TagRequestString Tag = iota + 64
	TagSetCondScopeMinTime
	TagConnectResponse
	TagRequestRecordedData
	TagSetCallstackRecording
)

// ConnectMagic is the first field of the connect handshake payload.
const ConnectMagic uint32 = 0x50414346 // "FCAP"

// ProtocolVersion is bumped on any wire layout change.
const ProtocolVersion uint32 = 1

// RecordingMagic is the ASCII identifier opening every recording file.
const RecordingMagic = "framecap-recording-v1\n"

// ConnectResponse flag bits.
const (
	// ConnFlagInteractive requests live streaming rather than
	// buffered-to-file transfer.
	ConnFlagInteractive uint32 = 1 << iota
	// ConnFlagContextSwitches asks the session to record context switches.
	ConnFlagContextSwitches
)

// Log severities carried in the TagLog ancillary field.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// headerSize is the fixed leading header of every packet.
const headerSize = 4

// Fixed on-wire sizes per tag, header included. Variable-length packets list
// their fixed prefix; the payload length is explicit in the prefix.
const (
	ConnectSize        = headerSize + 4 + 4 + 8 + 8 + 4 + 16
	FrameStartSize     = headerSize + 8 + 8
	ScopeSize          = headerSize + 8 + 8 + 8
	ScopeStackSize     = ScopeSize + 4
	ThreadNameSize     = headerSize + 8
	ThreadOrderPrefix  = headerSize + 4
	MainThreadSize     = headerSize
	StringValuePrefix  = headerSize + 8 + 4
	StatSize           = headerSize + 8 + 8 + 8
	StatDescriptorSize = headerSize + 8 + 8 + 8 + 4
	LogPrefix          = headerSize + 8 + 4
	EventSize          = headerSize + 8 + 8
	WaitEventSize      = headerSize + 8 + 8
	CallstackPrefix    = headerSize + 4 + 4
	ModulePrefix       = headerSize + 8 + 8 + 4
	SessionInfoSize    = headerSize + 8 + 8 + 8 + 8 + 4
	RequestStringSize  = headerSize + 8
	SetMinTimeSize     = headerSize + 8
	ConnectRespSize    = headerSize + 4
	RequestDataSize    = headerSize
	SetCallstacksSize  = headerSize
)

// maxAncillary bounds the value packed into the upper 24 header bits.
const maxAncillary = 1<<24 - 1

func packHeader(tag Tag, ancillary uint32) uint32 {
	return uint32(tag) | ancillary<<8
}

func unpackHeader(h uint32) (Tag, uint32) {
	return Tag(h & 0xff), h >> 8
}

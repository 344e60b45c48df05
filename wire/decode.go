// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "github.com/framecap/framecap/wire"

import (
	"fmt"
	"io"
	"math"
	"unicode/utf16"
)

// maxVarLen caps every explicit length field. Anything larger is treated as a
// protocol violation and tears the connection down.
const maxVarLen = 1 << 20

// Packet is the decoded form of one wire packet.
type Packet interface {
	// PacketTag returns the packet's type tag.
	PacketTag() Tag
}

type Connect struct {
	Version        uint32
	ClockFrequency uint64
	PID            uint64
	Platform       uint32
	SessionID      [16]byte
}

type FrameStart struct {
	FrameIndex uint64
	Ticks      uint64
}

type Scope struct {
	Thread   uint32
	NameID   uint64
	Start    uint64
	End      uint64
	StackID  uint32 // only set for TagScopeStack
	HasStack bool
}

type ThreadName struct {
	Thread uint32
	NameID uint64
}

type ThreadOrder struct {
	Threads []uint32
}

type MainThread struct {
	Thread uint32
}

type StringValue struct {
	ID    uint64
	Value string
	Wide  bool
}

type StatInt64 struct {
	Thread uint32
	NameID uint64
	Ticks  uint64
	Value  int64
}

type StatDouble struct {
	Thread uint32
	NameID uint64
	Ticks  uint64
	Value  float64
}

type StatDescriptor struct {
	NameID  uint64
	GraphID uint64
	UnitID  uint64
	Colour  uint32
}

type Log struct {
	Severity uint32
	Ticks    uint64
	Text     string
}

type Event struct {
	Thread uint32
	NameID uint64
	Ticks  uint64
}

type WaitEvent struct {
	Kind    Tag // TagWaitStart, TagWaitStop or TagWaitTrigger
	Thread  uint32
	EventID uint64
	Ticks   uint64
}

type Callstack struct {
	StackID uint32
	Frames  []uintptr
}

type Module struct {
	Base uint64
	Size uint64
	Path string
}

type SessionInfo struct {
	Ticks       uint64
	BufferBytes uint64
	StringBytes uint64
	StackBytes  uint64
	Contexts    uint32
}

type RequestString struct {
	ID uint64
}

type SetCondScopeMinTime struct {
	Micros uint64
}

type ConnectResponse struct {
	Flags uint32
}

type RequestRecordedData struct{}

type SetCallstackRecording struct {
	Enabled bool
}

func (Connect) PacketTag() Tag             { return TagConnect }
func (FrameStart) PacketTag() Tag          { return TagFrameStart }
func (ThreadName) PacketTag() Tag          { return TagThreadName }
func (ThreadOrder) PacketTag() Tag         { return TagThreadOrder }
func (MainThread) PacketTag() Tag          { return TagMainThread }
func (StatInt64) PacketTag() Tag           { return TagStatInt64 }
func (StatDouble) PacketTag() Tag          { return TagStatDouble }
func (StatDescriptor) PacketTag() Tag      { return TagStatDescriptor }
func (Log) PacketTag() Tag                 { return TagLog }
func (Event) PacketTag() Tag               { return TagEvent }
func (Callstack) PacketTag() Tag           { return TagCallstack }
func (Module) PacketTag() Tag              { return TagModule }
func (SessionInfo) PacketTag() Tag         { return TagSessionInfo }
func (RequestString) PacketTag() Tag       { return TagRequestString }
func (SetCondScopeMinTime) PacketTag() Tag { return TagSetCondScopeMinTime }
func (ConnectResponse) PacketTag() Tag     { return TagConnectResponse }
func (RequestRecordedData) PacketTag() Tag { return TagRequestRecordedData }
func (SetCallstackRecording) PacketTag() Tag {
	return TagSetCallstackRecording
}

func (p Scope) PacketTag() Tag {
	if p.HasStack {
		return TagScopeStack
	}
	return TagScope
}

func (p StringValue) PacketTag() Tag {
	if p.Wide {
		return TagStringValueWide
	}
	return TagStringValue
}

func (p WaitEvent) PacketTag() Tag { return p.Kind }

// Decoder reads packets off a byte stream. It is used by the session's
// receive loop (control packets only), the peer tool and recording readback.
type Decoder struct {
	r       io.Reader
	scratch [64]byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next decodes one packet. It returns io.EOF on a clean end of stream and
// io.ErrUnexpectedEOF or a tag error on a short or garbled read.
func (d *Decoder) Next() (Packet, error) {
	hdr, err := d.fixed(headerSize)
	if err != nil {
		return nil, err
	}
	tag, anc := unpackHeader(le.Uint32(hdr))

	switch tag {
	case TagConnect:
		b, err := d.fixed(ConnectSize - headerSize)
		if err != nil {
			return nil, err
		}
		if magic := le.Uint32(b); magic != ConnectMagic {
			return nil, fmt.Errorf("bad connect magic 0x%08x", magic)
		}
		p := Connect{
			Version:        le.Uint32(b[4:]),
			ClockFrequency: le.Uint64(b[8:]),
			PID:            le.Uint64(b[16:]),
			Platform:       le.Uint32(b[24:]),
		}
		copy(p.SessionID[:], b[28:])
		return p, nil
	case TagFrameStart:
		b, err := d.fixed(FrameStartSize - headerSize)
		if err != nil {
			return nil, err
		}
		return FrameStart{FrameIndex: le.Uint64(b), Ticks: le.Uint64(b[8:])}, nil
	case TagScope, TagScopeStack:
		n := ScopeSize - headerSize
		if tag == TagScopeStack {
			n = ScopeStackSize - headerSize
		}
		b, err := d.fixed(n)
		if err != nil {
			return nil, err
		}
		p := Scope{
			Thread: anc,
			NameID: le.Uint64(b),
			Start:  le.Uint64(b[8:]),
			End:    le.Uint64(b[16:]),
		}
		if tag == TagScopeStack {
			p.StackID = le.Uint32(b[24:])
			p.HasStack = true
		}
		return p, nil
	case TagThreadName:
		b, err := d.fixed(ThreadNameSize - headerSize)
		if err != nil {
			return nil, err
		}
		return ThreadName{Thread: anc, NameID: le.Uint64(b)}, nil
	case TagThreadOrder:
		b, err := d.fixed(4)
		if err != nil {
			return nil, err
		}
		count := le.Uint32(b)
		if count > maxVarLen/4 {
			return nil, fmt.Errorf("thread order count %d too large", count)
		}
		body, err := d.variable(int(count) * 4)
		if err != nil {
			return nil, err
		}
		p := ThreadOrder{Threads: make([]uint32, count)}
		for i := range p.Threads {
			p.Threads[i] = le.Uint32(body[i*4:])
		}
		return p, nil
	case TagMainThread:
		return MainThread{Thread: anc}, nil
	case TagStringValue, TagStringValueWide:
		b, err := d.fixed(StringValuePrefix - headerSize)
		if err != nil {
			return nil, err
		}
		id := le.Uint64(b)
		length := le.Uint32(b[8:])
		if length > maxVarLen {
			return nil, fmt.Errorf("string length %d too large", length)
		}
		body, err := d.variable(int(length))
		if err != nil {
			return nil, err
		}
		p := StringValue{ID: id}
		if tag == TagStringValueWide {
			if length%2 != 0 {
				return nil, fmt.Errorf("odd wide string length %d", length)
			}
			units := make([]uint16, length/2)
			for i := range units {
				units[i] = le.Uint16(body[i*2:])
			}
			p.Value = string(utf16.Decode(units))
			p.Wide = true
		} else {
			p.Value = string(body)
		}
		return p, nil
	case TagStatInt64:
		b, err := d.fixed(StatSize - headerSize)
		if err != nil {
			return nil, err
		}
		return StatInt64{
			Thread: anc,
			NameID: le.Uint64(b),
			Ticks:  le.Uint64(b[8:]),
			Value:  int64(le.Uint64(b[16:])),
		}, nil
	case TagStatDouble:
		b, err := d.fixed(StatSize - headerSize)
		if err != nil {
			return nil, err
		}
		return StatDouble{
			Thread: anc,
			NameID: le.Uint64(b),
			Ticks:  le.Uint64(b[8:]),
			Value:  math.Float64frombits(le.Uint64(b[16:])),
		}, nil
	case TagStatDescriptor:
		b, err := d.fixed(StatDescriptorSize - headerSize)
		if err != nil {
			return nil, err
		}
		return StatDescriptor{
			NameID:  le.Uint64(b),
			GraphID: le.Uint64(b[8:]),
			UnitID:  le.Uint64(b[16:]),
			Colour:  le.Uint32(b[24:]),
		}, nil
	case TagLog:
		b, err := d.fixed(LogPrefix - headerSize)
		if err != nil {
			return nil, err
		}
		ticks := le.Uint64(b)
		length := le.Uint32(b[8:])
		if length > maxVarLen {
			return nil, fmt.Errorf("log length %d too large", length)
		}
		body, err := d.variable(int(length))
		if err != nil {
			return nil, err
		}
		return Log{Severity: anc, Ticks: ticks, Text: string(body)}, nil
	case TagEvent:
		b, err := d.fixed(EventSize - headerSize)
		if err != nil {
			return nil, err
		}
		return Event{Thread: anc, NameID: le.Uint64(b), Ticks: le.Uint64(b[8:])}, nil
	case TagWaitStart, TagWaitStop, TagWaitTrigger:
		b, err := d.fixed(WaitEventSize - headerSize)
		if err != nil {
			return nil, err
		}
		return WaitEvent{
			Kind:    tag,
			Thread:  anc,
			EventID: le.Uint64(b),
			Ticks:   le.Uint64(b[8:]),
		}, nil
	case TagCallstack:
		b, err := d.fixed(CallstackPrefix - headerSize)
		if err != nil {
			return nil, err
		}
		id := le.Uint32(b)
		count := le.Uint32(b[4:])
		if count > maxVarLen/8 {
			return nil, fmt.Errorf("callstack frame count %d too large", count)
		}
		body, err := d.variable(int(count) * 8)
		if err != nil {
			return nil, err
		}
		p := Callstack{StackID: id, Frames: make([]uintptr, count)}
		for i := range p.Frames {
			p.Frames[i] = uintptr(le.Uint64(body[i*8:]))
		}
		return p, nil
	case TagModule:
		b, err := d.fixed(ModulePrefix - headerSize)
		if err != nil {
			return nil, err
		}
		base := le.Uint64(b)
		size := le.Uint64(b[8:])
		length := le.Uint32(b[16:])
		if length > maxVarLen {
			return nil, fmt.Errorf("module path length %d too large", length)
		}
		body, err := d.variable(int(length))
		if err != nil {
			return nil, err
		}
		return Module{Base: base, Size: size, Path: string(body)}, nil
	case TagSessionInfo:
		b, err := d.fixed(SessionInfoSize - headerSize)
		if err != nil {
			return nil, err
		}
		return SessionInfo{
			Ticks:       le.Uint64(b),
			BufferBytes: le.Uint64(b[8:]),
			StringBytes: le.Uint64(b[16:]),
			StackBytes:  le.Uint64(b[24:]),
			Contexts:    le.Uint32(b[32:]),
		}, nil
	case TagRequestString:
		b, err := d.fixed(RequestStringSize - headerSize)
		if err != nil {
			return nil, err
		}
		return RequestString{ID: le.Uint64(b)}, nil
	case TagSetCondScopeMinTime:
		b, err := d.fixed(SetMinTimeSize - headerSize)
		if err != nil {
			return nil, err
		}
		return SetCondScopeMinTime{Micros: le.Uint64(b)}, nil
	case TagConnectResponse:
		b, err := d.fixed(ConnectRespSize - headerSize)
		if err != nil {
			return nil, err
		}
		return ConnectResponse{Flags: le.Uint32(b)}, nil
	case TagRequestRecordedData:
		return RequestRecordedData{}, nil
	case TagSetCallstackRecording:
		return SetCallstackRecording{Enabled: anc != 0}, nil
	}
	return nil, fmt.Errorf("unknown packet tag %d", tag)
}

// fixed reads n bytes into the decoder scratch space. Only valid until the
// next call.
func (d *Decoder) fixed(n int) ([]byte, error) {
	b := d.scratch[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		if err == io.EOF && n != headerSize {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

// variable reads an explicitly sized payload into a fresh allocation.
func (d *Decoder) variable(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

// capview is the analysis-side peer: it connects to an instrumented process
// (or reads a recording file), decodes the capture stream and prints a
// summary. It can also archive the raw stream for later inspection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/framecap/framecap/periodiccaller"
	"github.com/framecap/framecap/session"
	"github.com/framecap/framecap/stringtab"
	"github.com/framecap/framecap/vc"
	"github.com/framecap/framecap/wire"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

var (
	connectHelp = "The capture session address in the format of host:port."
	inputHelp   = "Read a recording file instead of connecting to a live session."
	archiveHelp = "Write the raw capture stream, gzip compressed, to the named file."
	durationHelp = "Stop after this long. Zero means capture until interrupted " +
		"(live) or end of file (recording)."
	deferredHelp = "Ask the session to buffer the stream process-side and " +
		"deliver it in one piece when the capture ends."
	callstacksHelp = "Ask the session to capture a callstack with every scope."
	condScopeHelp  = "Retune the session's conditional-scope drop threshold. " +
		"Zero leaves the session's own setting untouched."
	verboseHelp = "Enable verbose logging."
	versionHelp = "Show version."
)

type arguments struct {
	connect      string
	input        string
	archive      string
	duration     time.Duration
	deferred     bool
	callstacks   bool
	condScopeMin time.Duration
	verbose      bool
	version      bool
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("capview", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.archive, "archive", "", archiveHelp)
	fs.BoolVar(&args.callstacks, "callstacks", false, callstacksHelp)
	fs.DurationVar(&args.condScopeMin, "cond-scope-min", 0, condScopeHelp)
	fs.StringVar(&args.connect, "connect", session.DefaultAddr, connectHelp)
	fs.BoolVar(&args.deferred, "deferred", false, deferredHelp)
	fs.DurationVar(&args.duration, "duration", 0, durationHelp)
	fs.StringVar(&args.input, "input", "", inputHelp)

	fs.BoolVar(&args.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verbose, "verbose", false, verboseHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FRAMECAP"),
	)
}

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}
	if args.version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}
	if args.verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if args.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, args.duration)
		defer cancel()
	}

	sum := newSummary()
	if args.input != "" {
		err = readRecording(args, sum)
	} else {
		err = captureLive(ctx, args, sum)
	}
	if err != nil {
		log.Errorf("Capture failed: %v", err)
		return exitFailure
	}

	sum.print(os.Stdout)
	return exitSuccess
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

// readRecording decodes a recording file produced by the session.
func readRecording(args *arguments, sum *summary) error {
	f, err := os.Open(args.input)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if arc, err := newArchive(args.archive); err != nil {
		return err
	} else if arc != nil {
		defer arc.close()
		r = io.TeeReader(f, arc)
	}

	dec, err := wire.OpenRecording(r)
	if err != nil {
		return err
	}
	for {
		pkt, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoding %s: %w", args.input, err)
		}
		sum.observe(pkt, nil)
	}
}

// captureLive dials the session and decodes its stream until the context
// ends. The control side of the socket lives on its own goroutine.
func captureLive(ctx context.Context, args *arguments, sum *summary) error {
	conn, err := net.Dial("tcp", args.connect)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Debugf("connected to %s", args.connect)

	ctl := &controlLink{conn: conn}
	flags := uint32(0)
	if !args.deferred {
		flags |= wire.ConnFlagInteractive
	}
	if err = ctl.send(wire.AppendConnectResponse(nil, flags)); err != nil {
		return err
	}
	if args.callstacks {
		if err = ctl.send(wire.AppendSetCallstackRecording(nil, true)); err != nil {
			return err
		}
	}
	if args.condScopeMin > 0 {
		micros := uint64(args.condScopeMin.Microseconds())
		if err = ctl.send(wire.AppendSetCondScopeMinTime(nil, micros)); err != nil {
			return err
		}
	}

	var r io.Reader = conn
	if arc, err := newArchive(args.archive); err != nil {
		return err
	} else if arc != nil {
		defer arc.close()
		r = io.TeeReader(conn, arc)
	}

	if args.verbose {
		stopProgress := periodiccaller.Start(ctx, 5*time.Second, func() {
			log.Debugf("%d packets so far", sum.packetCount())
		})
		defer stopProgress()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dec := wire.NewDecoder(r)
		for {
			pkt, err := dec.Next()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			sum.observe(pkt, ctl)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		if args.deferred {
			// Ask for the buffered stream; the session closes the
			// connection once it is delivered.
			if err := ctl.send(wire.AppendRequestRecordedData(nil)); err != nil {
				log.Debugf("requesting recorded data: %v", err)
			}
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			return nil
		}
		return conn.Close()
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	return err
}

// controlLink serializes writes on the peer-to-session direction.
type controlLink struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *controlLink) send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// archive writes the raw stream gzip compressed.
type archive struct {
	f  *os.File
	zw *gzip.Writer
}

func newArchive(path string) (*archive, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	return &archive{f: f, zw: gzip.NewWriter(f)}, nil
}

func (a *archive) Write(b []byte) (int, error) {
	return a.zw.Write(b)
}

func (a *archive) close() {
	if err := a.zw.Close(); err != nil {
		log.Warnf("finishing archive: %v", err)
	}
	a.f.Close()
}

// summary accumulates per-stream statistics while decoding.
type summary struct {
	mu        sync.Mutex
	strings   map[uint64]string
	requested map[uint64]struct{}
	tagCounts map[wire.Tag]uint64
	packets   uint64
	scopes    uint64
	frames    uint64
	threads   map[uint32]string
	firstTick uint64
	lastTick  uint64
	clockFreq uint64
	pid       uint64
}

func newSummary() *summary {
	return &summary{
		strings:   make(map[uint64]string),
		requested: make(map[uint64]struct{}),
		tagCounts: make(map[wire.Tag]uint64),
		threads:   make(map[uint32]string),
	}
}

// observe folds one packet into the summary. With a live control link it
// requests the text behind literal ids it has not seen announced.
func (s *summary) observe(pkt wire.Packet, ctl *controlLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	s.tagCounts[pkt.PacketTag()]++

	switch p := pkt.(type) {
	case wire.Connect:
		s.clockFreq = p.ClockFrequency
		s.pid = p.PID
	case wire.StringValue:
		s.strings[p.ID] = p.Value
	case wire.ThreadName:
		s.threads[p.Thread] = s.strings[p.NameID]
	case wire.FrameStart:
		s.frames++
		s.tick(p.Ticks)
	case wire.Scope:
		s.scopes++
		s.tick(p.Start)
		s.tick(p.End)
		s.resolve(p.NameID, ctl)
	case wire.Event:
		s.tick(p.Ticks)
		s.resolve(p.NameID, ctl)
	case wire.WaitEvent:
		s.tick(p.Ticks)
	case wire.SessionInfo:
		s.tick(p.Ticks)
	}
}

// resolve asks the session for a literal id's text, once.
func (s *summary) resolve(id uint64, ctl *controlLink) {
	if ctl == nil || !stringtab.IsLiteralID(id) {
		return
	}
	if _, ok := s.strings[id]; ok {
		return
	}
	if _, ok := s.requested[id]; ok {
		return
	}
	s.requested[id] = struct{}{}
	if err := ctl.send(wire.AppendRequestString(nil, id)); err != nil {
		log.Debugf("requesting string %#x: %v", id, err)
	}
}

func (s *summary) packetCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

func (s *summary) tick(t uint64) {
	if t == 0 {
		return
	}
	if s.firstTick == 0 || t < s.firstTick {
		s.firstTick = t
	}
	if t > s.lastTick {
		s.lastTick = t
	}
}

func (s *summary) print(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(w, "pid %d, %d frames, %d scopes, %d threads\n",
		s.pid, s.frames, s.scopes, len(s.threads))
	if s.clockFreq > 0 && s.lastTick > s.firstTick {
		span := time.Duration(float64(s.lastTick-s.firstTick) /
			float64(s.clockFreq) * float64(time.Second))
		fmt.Fprintf(w, "captured span: %v\n", span)
	}

	tags := make([]wire.Tag, 0, len(s.tagCounts))
	for tag := range s.tagCounts {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, tag := range tags {
		fmt.Fprintf(w, "  tag %-3d x%d\n", tag, s.tagCounts[tag])
	}

	threads := make([]uint32, 0, len(s.threads))
	for id := range s.threads {
		threads = append(threads, id)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i] < threads[j] })
	for _, id := range threads {
		fmt.Fprintf(w, "  thread %-3d %s\n", id, s.threads[id])
	}
}

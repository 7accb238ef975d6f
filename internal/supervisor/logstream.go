package supervisor

import (
	"bytes"
	"context"
	"regexp"
	"strconv"
	"sync"

	"github.com/photonpay/photond/internal/eventbus"
)

// Markers and patterns matched against the node's log stream. The node does
// not expose a structured lifecycle feed before its RPC interfaces come up,
// so sync progress and unlocker readiness are derived from well-known log
// lines.
var (
	markerSyncWaiting   = []byte("Waiting for chain backend to finish sync")
	markerUnlockerReady = []byte("Waiting for wallet encryption password")
	markerSyncFinished  = []byte("Chain backend is fully synced")

	reTargetHeight  = regexp.MustCompile(`Syncing to block height (\d+)`)
	reCaughtUp      = regexp.MustCompile(`Caught up to height (\d+)`)
	reNewBlock      = regexp.MustCompile(`New block: height=(\d+)`)
	reCFilterHeight = regexp.MustCompile(`cfheaders at height (\d+)`)
)

// logStream converts the node's stdout lines into bus events. It implements
// io.Writer and tolerates writes that split lines across calls.
type logStream struct {
	bus      *eventbus.Bus
	ctx      context.Context
	onSync   func(eventbus.SyncPhase)
	onHeight func(eventbus.HeightKind, uint32)

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLogStream(ctx context.Context, bus *eventbus.Bus, onSync func(eventbus.SyncPhase), onHeight func(eventbus.HeightKind, uint32)) *logStream {
	return &logStream{bus: bus, ctx: ctx, onSync: onSync, onHeight: onHeight}
}

func (l *logStream) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// Partial line; keep it buffered for the next write.
			l.buf.Write(line)
			break
		}
		l.scanLine(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush scans any trailing unterminated line.
func (l *logStream) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.scanLine(l.buf.Bytes())
		l.buf.Reset()
	}
}

func (l *logStream) scanLine(line []byte) {
	switch {
	case bytes.Contains(line, markerSyncWaiting):
		l.publishSync(eventbus.SyncWaiting)
	case bytes.Contains(line, markerSyncFinished):
		l.publishSync(eventbus.SyncComplete)
	case bytes.Contains(line, markerUnlockerReady):
		l.publish(eventbus.TopicNodeUnlockerReady, eventbus.NodeUnlockerReadyEvent{})
	}

	if m := reTargetHeight.FindSubmatch(line); m != nil {
		l.publishSync(eventbus.SyncInProgress)
		l.publishHeight(eventbus.HeightRemote, m[1])
	}
	if m := reCaughtUp.FindSubmatch(line); m != nil {
		l.publishHeight(eventbus.HeightLocal, m[1])
	}
	if m := reNewBlock.FindSubmatch(line); m != nil {
		l.publishHeight(eventbus.HeightLocal, m[1])
	}
	if m := reCFilterHeight.FindSubmatch(line); m != nil {
		l.publishHeight(eventbus.HeightCFilter, m[1])
	}
}

func (l *logStream) publishSync(phase eventbus.SyncPhase) {
	if l.onSync != nil {
		l.onSync(phase)
	}
	l.publish(eventbus.TopicNodeSync, eventbus.NodeSyncEvent{Phase: phase})
}

func (l *logStream) publishHeight(kind eventbus.HeightKind, raw []byte) {
	height, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return
	}
	if l.onHeight != nil {
		l.onHeight(kind, uint32(height))
	}
	l.publish(eventbus.TopicNodeHeight, eventbus.NodeHeightEvent{Kind: kind, Height: uint32(height)})
}

func (l *logStream) publish(topic eventbus.Topic, payload any) {
	l.bus.Publish(l.ctx, eventbus.Envelope{
		Topic:   topic,
		Source:  eventbus.SourceSupervisor,
		Payload: payload,
	})
}

// errStream records the most recent stderr line and surfaces it as a
// diagnostic event. The last line is attached to the exit event when the
// process dies.
type errStream struct {
	bus *eventbus.Bus
	ctx context.Context

	mu   sync.Mutex
	buf  bytes.Buffer
	last string
}

func newErrStream(ctx context.Context, bus *eventbus.Bus) *errStream {
	return &errStream{bus: bus, ctx: ctx}
}

func (e *errStream) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Write(p)
	for {
		line, err := e.buf.ReadBytes('\n')
		if err != nil {
			e.buf.Write(line)
			break
		}
		text := string(bytes.TrimRight(line, "\r\n"))
		if text == "" {
			continue
		}
		e.last = text
		e.bus.Publish(e.ctx, eventbus.Envelope{
			Topic:   eventbus.TopicNodeError,
			Source:  eventbus.SourceSupervisor,
			Payload: eventbus.NodeErrorEvent{Detail: text},
		})
	}
	return len(p), nil
}

func (e *errStream) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

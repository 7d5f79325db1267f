// Package feed maintains the latest market-depth snapshot per instrument token
// from an asynchronous websocket push stream.
package feed

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scalpbot-go/internal/metrics"
	"scalpbot-go/internal/signal"
)

// State describes the websocket connection lifecycle.
type State int

const (
	// StateClosed means no connection is established.
	StateClosed State = iota
	// StateOpening means a dial is in progress.
	StateOpening
	// StateOpen means the connection is live and subscriptions are legal.
	StateOpen
)

const (
	defaultQueueSize     = 1024
	defaultMaxReconnects = 5
	maxBackoff           = 30 * time.Second
)

// Ingestor consumes depth push messages and exposes the latest snapshot per
// token. The websocket reader is the sole producer onto the update queue and
// the drain goroutine is the sole writer of the snapshot map.
type Ingestor struct {
	url           string
	log           zerolog.Logger
	queueSize     int
	maxReconnects int

	mu        sync.RWMutex // guards snapshots
	snapshots map[string]signal.DepthSnapshot

	stateMu sync.Mutex // guards state, conn, openCh, subs
	state   State
	conn    *websocket.Conn
	openCh  chan struct{}
	subs    map[string]struct{}

	writeMu sync.Mutex
}

// Option configures Ingestor construction parameters.
type Option func(*Ingestor)

// WithQueueSize overrides the bounded update queue capacity.
func WithQueueSize(n int) Option {
	return func(f *Ingestor) {
		if n > 0 {
			f.queueSize = n
		}
	}
}

// WithMaxReconnects bounds consecutive failed reconnect attempts before the
// ingestor gives up and Run returns an error.
func WithMaxReconnects(n int) Option {
	return func(f *Ingestor) {
		if n > 0 {
			f.maxReconnects = n
		}
	}
}

// New constructs an ingestor for the given websocket URL.
func New(url string, log zerolog.Logger, opts ...Option) *Ingestor {
	f := &Ingestor{
		url:           url,
		log:           log,
		queueSize:     defaultQueueSize,
		maxReconnects: defaultMaxReconnects,
		snapshots:     make(map[string]signal.DepthSnapshot),
		openCh:        make(chan struct{}),
		subs:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Snapshot returns the latest depth snapshot for a token, if one has arrived.
func (f *Ingestor) Snapshot(token string) (signal.DepthSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap, ok := f.snapshots[token]
	return snap, ok
}

// State reports the current connection state.
func (f *Ingestor) State() State {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.state
}

// WaitOpen blocks until the connection reaches StateOpen or ctx ends.
func (f *Ingestor) WaitOpen(ctx context.Context) error {
	for {
		f.stateMu.Lock()
		if f.state == StateOpen {
			f.stateMu.Unlock()
			return nil
		}
		ch := f.openCh
		f.stateMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Subscribe requests depth updates for the given EXCHANGE|TOKEN keys.
func (f *Ingestor) Subscribe(keys []string) error {
	return f.sendSubscription("d", keys, true)
}

// Unsubscribe stops depth updates for the given keys.
func (f *Ingestor) Unsubscribe(keys []string) error {
	return f.sendSubscription("ud", keys, false)
}

type subscriptionFrame struct {
	T string `json:"t"`
	K string `json:"k"`
}

func (f *Ingestor) sendSubscription(frameType string, keys []string, add bool) error {
	if len(keys) == 0 {
		return nil
	}

	f.stateMu.Lock()
	if f.state != StateOpen || f.conn == nil {
		f.stateMu.Unlock()
		return fmt.Errorf("feed not open")
	}
	conn := f.conn
	for _, k := range keys {
		if add {
			f.subs[k] = struct{}{}
		} else {
			delete(f.subs, k)
		}
	}
	f.stateMu.Unlock()

	return f.writeFrame(conn, subscriptionFrame{T: frameType, K: strings.Join(keys, "#")})
}

func (f *Ingestor) writeFrame(conn *websocket.Conn, frame subscriptionFrame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(frame)
}

// Run maintains the connection until ctx ends, reconnecting with exponential
// backoff. It returns an error once consecutive reconnect attempts exceed the
// configured bound; the caller must treat that as fatal.
func (f *Ingestor) Run(ctx context.Context) error {
	updates := make(chan signal.DepthSnapshot, f.queueSize)
	go f.drain(ctx, updates)

	backoff := time.Second
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.setState(StateOpening)
		opened, err := f.consume(ctx, updates)
		f.setState(StateClosed)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			failures = 0
			backoff = time.Second
		}
		failures++
		if failures > f.maxReconnects {
			return fmt.Errorf("feed reconnect attempts exhausted: %w", err)
		}
		f.log.Warn().Err(err).Int("attempt", failures).Msg("depth feed disconnected, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
	}
}

func (f *Ingestor) setState(s State) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.state == StateOpen && s != StateOpen {
		f.openCh = make(chan struct{})
		f.conn = nil
	}
	if s == StateOpen && f.state != StateOpen {
		close(f.openCh)
	}
	f.state = s
}

func (f *Ingestor) consume(ctx context.Context, updates chan<- signal.DepthSnapshot) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	f.stateMu.Lock()
	f.conn = conn
	resubscribe := make([]string, 0, len(f.subs))
	for k := range f.subs {
		resubscribe = append(resubscribe, k)
	}
	f.stateMu.Unlock()
	f.setState(StateOpen)

	f.log.Info().Str("url", f.url).Int("subscriptions", len(resubscribe)).Msg("connected depth feed")

	if len(resubscribe) > 0 {
		if err := f.writeFrame(conn, subscriptionFrame{T: "d", K: strings.Join(resubscribe, "#")}); err != nil {
			return true, fmt.Errorf("resubscribe: %w", err)
		}
	}

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				f.writeMu.Unlock()
				if err != nil {
					f.log.Warn().Err(err).Msg("depth feed ping failed")
					return
				}
			case <-pingCtx.Done():
				// unblocks the read loop so shutdown is prompt
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}

		snap, err := parseDepthFrame(message)
		if err != nil {
			metrics.DroppedFramesTotal.Inc()
			f.log.Debug().Err(err).Msg("dropped incomplete depth frame")
			continue
		}

		select {
		case updates <- snap:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (f *Ingestor) drain(ctx context.Context, updates <-chan signal.DepthSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			f.mu.Lock()
			f.snapshots[snap.Token] = snap
			f.mu.Unlock()
			metrics.DepthUpdatesTotal.Inc()
		}
	}
}

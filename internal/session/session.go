// Package session runs one client sync session. A single actor goroutine owns
// the sync engine; WebSocket messages, realtime changes, broadcast envelopes
// and caller operations are serialized through its mailbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/broadcast"
	"github.com/agentworkforce/fuguesync/internal/chat"
	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/localstore"
	"github.com/agentworkforce/fuguesync/internal/orchestration"
	"github.com/agentworkforce/fuguesync/internal/protocol"
	"github.com/agentworkforce/fuguesync/internal/realtime"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
	"github.com/agentworkforce/fuguesync/internal/wsclient"
)

var (
	ErrStopped         = errors.New("session stopped")
	ErrNotStarted      = errors.New("session not started")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflictUnknown = errors.New("conflict not found")
)

const (
	defaultMailboxSize = 256
	defaultIOTimeout   = 5 * time.Second
	defaultPushTimeout = 30 * time.Second
)

// Transport is the WebSocket side of a session. *wsclient.Client implements
// it.
type Transport interface {
	Run(ctx context.Context, h wsclient.Handler) error
	Send(ctx context.Context, v any) error
}

type Options struct {
	// WebSocket is optional; without it chat and commands fail with
	// wsclient.ErrNotConnected.
	WebSocket Transport
	// Realtime defaults to the offline backend.
	Realtime    realtime.Backend
	Store       localstore.Store
	Broadcaster broadcast.Broadcaster
	Dispatcher  *orchestration.Dispatcher
	Validator   *protocol.Validator
	History     *chat.History
	Logger      *zap.Logger
	Now         func() time.Time

	// ClientID stamps UpdatedBy on local writes.
	ClientID  string
	ProjectID string
	// SnapshotKey is where the offline snapshot persists.
	SnapshotKey string
	// RestoreOnStart loads the offline snapshot before subscribing, whatever
	// the realtime backend reports.
	RestoreOnStart bool
	IOTimeout      time.Duration
	PushTimeout    time.Duration
	MailboxSize    int
}

type Session struct {
	ws           Transport
	backend      realtime.Backend
	store        localstore.Store
	broadcaster  broadcast.Broadcaster
	dispatcher   *orchestration.Dispatcher
	validator    *protocol.Validator
	history      *chat.History
	prefs        localstore.Preferences
	logger       *zap.Logger
	now          func() time.Time
	clientID     string
	snapshotKey  string
	restoreFirst bool
	ioTimeout    time.Duration
	pushTimeout  time.Duration

	mailbox chan func()
	notify  chan struct{}
	quit    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopping  atomic.Bool

	// Actor-owned state.
	engine      *syncengine.Engine
	wsState     wsclient.State
	rtStatus    realtime.Status
	refetching  int
	fetchErr    error
	lastErr     error
	restored    bool
	dirty       bool

	// transportMu orders transport attach in Start against detach in Stop.
	transportMu sync.Mutex
	sub         realtime.Subscription
	unsubscribe func()

	viewMu  sync.RWMutex
	view    View
	version uint64

	listenersMu sync.Mutex
	listeners   map[int]func(View)
	nextID      int
}

func New(opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backend := opts.Realtime
	if backend == nil {
		backend = realtime.NewOfflineBackend()
	}
	store := opts.Store
	if store == nil {
		store = localstore.NewMemoryStore()
	}
	validator := opts.Validator
	if validator == nil {
		v, err := protocol.DefaultValidator()
		if err != nil {
			return nil, fmt.Errorf("build sync validator: %w", err)
		}
		validator = v
	}
	dispatcher := opts.Dispatcher
	if dispatcher == nil {
		dispatcher = orchestration.NewDispatcher(orchestration.Options{Now: now, Logger: logger})
	}
	history := opts.History
	if history == nil {
		history = chat.NewHistory(chat.Options{Store: store, ProjectID: opts.ProjectID, Logger: logger})
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	snapshotKey := strings.TrimSpace(opts.SnapshotKey)
	if snapshotKey == "" {
		snapshotKey = localstore.KeySyncSnapshot
	}
	ioTimeout := opts.IOTimeout
	if ioTimeout <= 0 {
		ioTimeout = defaultIOTimeout
	}
	pushTimeout := opts.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = defaultPushTimeout
	}
	mailboxSize := opts.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}

	s := &Session{
		ws:           opts.WebSocket,
		backend:      backend,
		store:        store,
		broadcaster:  opts.Broadcaster,
		dispatcher:   dispatcher,
		validator:    validator,
		history:      history,
		prefs:        localstore.Preferences{Store: store},
		logger:       logger.With(zap.String("clientId", clientID)),
		now:          now,
		clientID:     clientID,
		snapshotKey:  snapshotKey,
		restoreFirst: opts.RestoreOnStart,
		ioTimeout:    ioTimeout,
		pushTimeout:  pushTimeout,
		mailbox:      make(chan func(), mailboxSize),
		notify:       make(chan struct{}, 1),
		quit:         make(chan struct{}),
		started:      make(chan struct{}),
		engine:       syncengine.New(syncengine.Options{Now: now}),
		listeners:    map[int]func(View){},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.publish()
	return s, nil
}

func (s *Session) ClientID() string {
	return s.clientID
}

// Start launches the actor and connects the transports. Only the first call
// has any effect; ctx bounds the startup work only.
func (s *Session) Start(ctx context.Context) error {
	if s.isStopped() {
		return ErrStopped
	}
	var err error
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.loop()
		go s.notifyLoop()
		close(s.started)
		err = s.startTransports(ctx)
	})
	return err
}

func (s *Session) startTransports(ctx context.Context) error {
	if err := s.do(ctx, func() {
		if err := s.loadHistory(); err != nil {
			s.logger.Warn("chat history unavailable", zap.Error(err))
		}
		if s.restoreFirst {
			s.restoreSnapshot()
		}
	}); err != nil {
		return err
	}

	s.transportMu.Lock()
	defer s.transportMu.Unlock()
	if s.isStopped() {
		return ErrStopped
	}

	if s.broadcaster != nil {
		s.unsubscribe = s.broadcaster.Subscribe(func(env broadcast.Envelope) {
			s.post(func() { s.handleBroadcast(env) })
		})
	}

	// Subscribe runs outside the actor since backends may report status
	// synchronously.
	sub, err := s.backend.Subscribe(s.ctx, entity.Tables(), realtimeHandler{s: s})
	if err != nil {
		s.logger.Warn("realtime subscribe failed", zap.Error(err))
		s.post(func() {
			s.rtStatus = realtime.StatusUnavailable
			s.lastErr = err
			s.restoreSnapshot()
		})
	} else {
		s.sub = sub
	}

	if s.ws != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ws.Run(s.ctx, wsHandler{s: s}); err != nil {
				s.logger.Warn("websocket stopped", zap.Error(err))
				s.post(func() { s.lastErr = err })
			}
		}()
	}
	return nil
}

// Stop disconnects the transports, persists the offline snapshot and waits
// for every session goroutine. It must not be called from a listener.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.cancel()
		select {
		case <-s.started:
		default:
			close(s.quit)
			return
		}
		s.transportMu.Lock()
		unsubscribe, sub := s.unsubscribe, s.sub
		s.unsubscribe, s.sub = nil, nil
		s.transportMu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				s.logger.Debug("realtime unsubscribe failed", zap.Error(err))
			}
		}
		_ = s.do(context.Background(), func() { s.persistSnapshot() })
		close(s.quit)
		s.wg.Wait()
	})
}

// Done is closed once Stop has been called.
func (s *Session) Done() <-chan struct{} {
	return s.quit
}

func (s *Session) isStopped() bool {
	return s.stopping.Load()
}

// Subscribe registers a listener called with the latest view after state
// changes. Listeners run on a dedicated goroutine; rapid changes coalesce.
func (s *Session) Subscribe(listener func(View)) (cancel func()) {
	if listener == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Session) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case op := <-s.mailbox:
			s.run(op)
		}
	}
}

func (s *Session) run(op func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session operation panicked", zap.Any("panic", r))
		}
		s.syncTransport()
		if s.dirty {
			s.persistSnapshot()
		}
		s.publish()
	}()
	op()
}

// post queues op without waiting. It drops op once the session has stopped.
func (s *Session) post(op func()) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.mailbox <- op:
	case <-s.quit:
	}
}

// do runs op on the actor and waits for it.
func (s *Session) do(ctx context.Context, op func()) error {
	select {
	case <-s.started:
	default:
		return ErrNotStarted
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		op()
	}
	select {
	case s.mailbox <- wrapped:
	case <-s.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs blocking I/O off the actor. Call it from the actor only.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) notifyLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-s.notify:
			view := s.Snapshot()
			s.listenersMu.Lock()
			listeners := make([]func(View), 0, len(s.listeners))
			for _, listener := range s.listeners {
				listeners = append(listeners, listener)
			}
			s.listenersMu.Unlock()
			for _, listener := range listeners {
				s.callListener(listener, view)
			}
		}
	}
}

func (s *Session) callListener(listener func(View), view View) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session listener panicked", zap.Any("panic", r))
		}
	}()
	listener(view)
}

// syncTransport folds the WebSocket and realtime states into the engine's
// transport status.
func (s *Session) syncTransport() {
	status := syncengine.TransportOnline
	switch {
	case s.rtStatus == realtime.StatusUnavailable || s.rtStatus.NeedsResync() || s.fetchErr != nil:
		status = syncengine.TransportOffline
	case s.wsState == wsclient.StateError || s.wsState == wsclient.StateDisconnected:
		status = syncengine.TransportOffline
	case s.rtStatus == "" || s.refetching > 0 || s.wsState == wsclient.StateConnecting:
		status = syncengine.TransportSyncing
	}
	s.engine.SetTransport(status)
}

func (s *Session) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.ioTimeout)
}

func (s *Session) loadHistory() error {
	ctx, cancel := s.ioContext()
	defer cancel()
	return s.history.Load(ctx)
}

// restoreSnapshot loads the persisted offline snapshot once per session.
func (s *Session) restoreSnapshot() {
	if s.restored {
		return
	}
	s.restored = true
	ctx, cancel := s.ioContext()
	defer cancel()
	var snapshot syncengine.Snapshot
	err := localstore.GetJSON(ctx, s.store, s.snapshotKey, &snapshot)
	if errors.Is(err, localstore.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("offline snapshot unreadable", zap.Error(err))
		return
	}
	s.engine.Restore(snapshot)
	s.logger.Info("offline snapshot restored",
		zap.Int("entities", len(snapshot.Entities)),
		zap.Int("pending", len(snapshot.Pending)),
	)
}

func (s *Session) persistSnapshot() {
	s.dirty = false
	ctx, cancel := s.ioContext()
	defer cancel()
	if err := localstore.SetJSON(ctx, s.store, s.snapshotKey, s.engine.Export()); err != nil {
		s.logger.Warn("offline snapshot not saved", zap.Error(err))
	}
}

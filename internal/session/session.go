// Package session runs one peer: it claims an address, owns the replica, the
// presence tracker and the connection registry, and applies local operations
// and transport events one at a time on a single control goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/peer/internal/connections"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/protocol"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/replica"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/router"
	"github.com/MarcoPoloResearchLab/gravity/peer/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultClaimAttempts = 3
	eventBufferSize      = 256
)

var (
	// ErrSessionClosed indicates an operation on a session that has shut down.
	ErrSessionClosed = errors.New("session: closed")
	// ErrNotStarted indicates an operation before Start completed.
	ErrNotStarted = errors.New("session: not started")

	errMissingSubstrate = errors.New("session: substrate is required")
	errMissingIdentity  = errors.New("session: identity provider is required")
)

// IdentityProvider supplies the stable local identity.
type IdentityProvider interface {
	LoadOrCreate(ctx context.Context) (notes.ActiveUser, error)
}

// ChangeKind classifies a state change.
type ChangeKind string

const (
	ChangeNotes       ChangeKind = "notes"
	ChangePresence    ChangeKind = "presence"
	ChangeConnections ChangeKind = "connections"
	ChangeError       ChangeKind = "error"
)

// Change is reported after the session state changed.
type Change struct {
	Kind      ChangeKind
	Timestamp time.Time
}

// Status summarizes the session for display.
type Status struct {
	Local      notes.ActiveUser `json:"local"`
	Address    string           `json:"address"`
	ActiveNote notes.NoteID     `json:"activeNote"`
	Peers      []string         `json:"peers"`
	Pending    []string         `json:"pending"`
	LastError  string           `json:"lastError"`
}

// Config describes the dependencies of a Session.
type Config struct {
	Substrate     transport.Substrate
	Identity      IdentityProvider
	Samples       replica.SampleRepository
	IDProvider    notes.IDProvider
	Clock         func() time.Time
	ClaimAttempts uint
	ClaimDelay    time.Duration
	Metrics       *metrics.Recorder
	Logger        *zap.Logger
	// Notify is called on the control goroutine and must not block.
	Notify func(Change)
}

type pendingDial struct {
	channel transport.Channel
	noteID  notes.NoteID
}

// Session is one running peer.
type Session struct {
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time

	commands  chan func()
	events    chan transport.Event
	quit      chan struct{}
	stopped   chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	errMu     sync.Mutex
	lastError string

	// Owned by the control goroutine once started.
	endpoint transport.Endpoint
	local    notes.ActiveUser
	store    *replica.Store
	tracker  *presence.Tracker
	conns    *connections.Registry
	router   *router.Router
	pending  map[string]pendingDial
}

// New validates cfg and returns an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Substrate == nil {
		return nil, errMissingSubstrate
	}
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.ClaimAttempts == 0 {
		cfg.ClaimAttempts = defaultClaimAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Change) {}
	}
	return &Session{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		commands: make(chan func()),
		events:   make(chan transport.Event, eventBufferSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		pending:  make(map[string]pendingDial),
	}, nil
}

// Start loads the identity, claims an address and begins accepting channels.
// A *BootstrapError means no address could be claimed.
func (s *Session) Start(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}
	select {
	case <-s.stopped:
		return ErrSessionClosed
	default:
	}
	user, err := s.cfg.Identity.LoadOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("session: loading identity: %w", err)
	}

	endpoint, err := s.bootstrap(ctx, user.ID)
	if err != nil {
		return err
	}
	user.ID = notes.UserID(endpoint.Address())
	s.local = user
	s.endpoint = endpoint

	s.conns = connections.NewRegistry(s.logger.Named("connections"), s.cfg.Metrics)
	store, err := replica.New(replica.Config{
		Local:          user,
		Publisher:      &publisher{session: s},
		Samples:        s.cfg.Samples,
		IDProvider:     s.cfg.IDProvider,
		Clock:          s.clock,
		Logger:         s.logger.Named("replica"),
		OnActiveChange: s.activeChanged,
	})
	if err != nil {
		_ = endpoint.Close()
		return err
	}
	if err := store.LoadSamples(ctx); err != nil {
		_ = endpoint.Close()
		return fmt.Errorf("session: loading sample notes: %w", err)
	}
	s.store = store
	s.tracker = presence.NewTracker(store.Active)
	s.router = router.New(router.Config{
		Store:       store,
		Presence:    s.tracker,
		Connections: s.conns,
		Metrics:     s.cfg.Metrics,
		Logger:      s.logger.Named("router"),
	})

	endpoint.Listen(s.sink)
	s.started.Store(true)
	go s.run()

	s.logger.Info("session started",
		zap.String("address", endpoint.Address()),
		zap.String("name", user.Name))
	return nil
}

// Close stops the control goroutine, closes every channel and releases the address.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if !s.started.Load() {
			close(s.stopped)
			return
		}
		close(s.quit)
		<-s.stopped
	})
	return s.closeErr
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

func (s *Session) sink(event transport.Event) {
	select {
	case s.events <- event:
	case <-s.stopped:
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case command := <-s.commands:
			command()
		case event := <-s.events:
			s.handleEvent(event)
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Session) shutdown() {
	for peer, dial := range s.pending {
		_ = dial.channel.Close()
		delete(s.pending, peer)
	}
	s.conns.CloseAll()
	s.cfg.Metrics.SetConnections(0)
	if err := s.endpoint.Close(); err != nil {
		s.closeErr = err
		s.logger.Warn("closing endpoint", zap.Error(err))
	}
	s.logger.Info("session stopped", zap.String("address", s.endpoint.Address()))
}

// do runs fn on the control goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		select {
		case <-s.stopped:
			return ErrSessionClosed
		default:
			return ErrNotStarted
		}
	}
	done := make(chan struct{})
	command := func() {
		defer close(done)
		fn()
	}
	select {
	case s.commands <- command:
	case <-s.stopped:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrSessionClosed
	}
}

func (s *Session) notify(kind ChangeKind) {
	s.cfg.Notify(Change{Kind: kind, Timestamp: s.clock()})
}

func (s *Session) activeChanged(notes.NoteID) {
	s.tracker.Reset()
	s.notify(ChangePresence)
}

func (s *Session) setError(kind string, message string) {
	s.errMu.Lock()
	s.lastError = message
	s.errMu.Unlock()
	s.cfg.Metrics.Error(kind)
	s.notify(ChangeError)
}

func (s *Session) clearError() {
	s.errMu.Lock()
	s.lastError = ""
	s.errMu.Unlock()
}

// recordOperationError stores err as the last error when it is recoverable.
func (s *Session) recordOperationError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var permission *notes.PermissionError
	if errors.As(err, &permission) {
		s.setError("permission", err.Error())
	} else {
		s.setError("storage", err.Error())
	}
	s.logger.Warn("operation failed", zap.String("operation", operation), zap.Error(err))
	return err
}

// LastError returns the most recent recoverable error, or empty.
func (s *Session) LastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastError
}

func (s *Session) connect(peer notes.UserID, noteID notes.NoteID) {
	address := peer.String()
	if peer == "" || peer == s.local.ID {
		return
	}
	if s.conns.Has(address) {
		return
	}
	if _, dialing := s.pending[address]; dialing {
		return
	}
	if s.endpoint == nil {
		s.setError("connection", "Peer connection not initialized")
		return
	}
	channel := s.endpoint.Connect(address, s.sink)
	s.pending[address] = pendingDial{channel: channel, noteID: noteID}
	s.logger.Debug("connecting", zap.String("peer", address), zap.String("note_id", noteID.String()))
}

func (s *Session) disconnect(peer notes.UserID) {
	address := peer.String()
	if dial, dialing := s.pending[address]; dialing {
		delete(s.pending, address)
		_ = dial.channel.Close()
	}
	if s.conns.Close(address) {
		s.logger.Info("closed connection", zap.String("peer", address))
	}
	if s.tracker.Remove(peer) {
		s.notify(ChangePresence)
	}
	s.cfg.Metrics.SetConnections(s.conns.Len())
	s.notify(ChangeConnections)
}

// publisher gives the replica access to the session's connections.
type publisher struct {
	session *Session
}

func (p *publisher) Broadcast(message protocol.Message) {
	p.session.conns.Broadcast(message)
}

func (p *publisher) SendTo(peer notes.UserID, message protocol.Message) bool {
	return p.session.conns.SendTo(peer.String(), message) == nil
}

func (p *publisher) Connect(peer notes.UserID, noteID notes.NoteID) {
	p.session.connect(peer, noteID)
}

func (p *publisher) Disconnect(peer notes.UserID) {
	p.session.disconnect(peer)
}

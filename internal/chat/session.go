package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"teamchat/internal/clock"
	"teamchat/internal/models"
)

const (
	// DefaultTypingTTL is how long a received typing entry stays
	// visible without a refresh.
	DefaultTypingTTL = 4 * time.Second

	// DefaultTypingIdle is how long the viewer's own typing signal
	// survives without input before it is cleared.
	DefaultTypingIdle = 3 * time.Second

	// backgroundTimeout bounds network calls the engine issues on its
	// own (idle typing clear, mark-as-read for the open conversation).
	backgroundTimeout = 10 * time.Second
)

// Config wires a Session to its collaborators.
type Config struct {
	Viewer   Viewer
	Backend  Backend
	Profiles ProfileLookup

	// Notifier receives a notification after every successful send.
	// Nil disables notifications.
	Notifier Notifier

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TypingTTL and TypingIdle default to DefaultTypingTTL and
	// DefaultTypingIdle.
	TypingTTL  time.Duration
	TypingIdle time.Duration

	// OptimisticSend shows a pending entry for an outgoing message
	// before the backend answers. Off by default: the entry appears
	// once the insert is confirmed.
	OptimisticSend bool

	// NewTempID generates client ids for outgoing messages. Defaults to
	// "t-" followed by a random UUID.
	NewTempID func() string
}

// Session is the synchronized chat state of one authenticated viewer.
// All exported methods are safe for concurrent use.
type Session struct {
	viewer   Viewer
	backend  Backend
	profiles ProfileLookup
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger

	typingTTL      time.Duration
	typingIdle     time.Duration
	optimisticSend bool
	newTempID      func() string

	// ctx lives until Close and parents every background call.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	changes chan struct{}

	mu            sync.Mutex
	closed        bool
	conversations map[string]*Conversation
	notMember     map[string]bool
	totalUnread   int
	active        string
	messages      map[string][]*Message
	messageConv   map[string]string
	inflightSends map[string]bool
	creates       map[string]*createCall
	typing        map[typingKey]*typingEntry
	signals       map[string]*typingSignal
	profileCache  map[string]models.Profile

	// countedThrough is, per conversation, the newest message the last
	// bulk unread count covered.
	countedThrough map[string]time.Time

	feed       Subscription
	feedCancel context.CancelFunc
	feedDone   chan struct{}
	feedErr    error
}

// New constructs a Session. A Config without a viewer produces an inert
// Session whose reads are empty and whose writes return ErrNoViewer.
func New(config Config) (*Session, error) {
	if config.Viewer.UserID != "" && config.Backend == nil {
		return nil, errors.New("chat: Backend is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Notifier == nil {
		config.Notifier = nopNotifier{}
	}
	if config.TypingTTL <= 0 {
		config.TypingTTL = DefaultTypingTTL
	}
	if config.TypingIdle <= 0 {
		config.TypingIdle = DefaultTypingIdle
	}
	if config.NewTempID == nil {
		config.NewTempID = func() string { return "t-" + uuid.NewString() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneFeed := make(chan struct{})
	close(doneFeed)

	return &Session{
		viewer:         config.Viewer,
		backend:        config.Backend,
		profiles:       config.Profiles,
		notifier:       config.Notifier,
		clock:          config.Clock,
		logger:         config.Logger.With("component", "chat", "viewer", config.Viewer.UserID),
		typingTTL:      config.TypingTTL,
		typingIdle:     config.TypingIdle,
		optimisticSend: config.OptimisticSend,
		newTempID:      config.NewTempID,
		ctx:            ctx,
		cancel:         cancel,
		changes:        make(chan struct{}, 1),
		conversations:  make(map[string]*Conversation),
		notMember:      make(map[string]bool),
		countedThrough: make(map[string]time.Time),
		messages:       make(map[string][]*Message),
		messageConv:    make(map[string]string),
		inflightSends:  make(map[string]bool),
		creates:        make(map[string]*createCall),
		typing:         make(map[typingKey]*typingEntry),
		signals:        make(map[string]*typingSignal),
		profileCache:   make(map[string]models.Profile),
		feedDone:       doneFeed,
	}, nil
}

// Viewer returns the identity the Session acts for.
func (s *Session) Viewer() Viewer { return s.viewer }

// Start subscribes to the change feed, loads the conversation list and
// begins dispatching events. The subscription is opened before the load
// so that nothing written during the load is missed.
func (s *Session) Start(ctx context.Context) error {
	if s.inert() {
		return nil
	}
	return s.connect(ctx)
}

// Resync discards the current subscription and repeats Start: a fresh
// subscription, a full conversation reload with unread recount, and a
// reload of the open conversation's messages.
func (s *Session) Resync(ctx context.Context) error {
	if err := s.requireViewer(); err != nil {
		return err
	}
	s.disconnect()
	if err := s.connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != "" {
		if _, err := s.LoadMessages(ctx, active, defaultMessageLimit); err != nil {
			return fmt.Errorf("reloading open conversation: %w", err)
		}
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	subscription, err := s.backend.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to change feed: %w", err)
	}
	if err := s.RefreshConversations(ctx); err != nil {
		subscription.Close()
		return err
	}

	routeCtx, routeCancel := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		routeCancel()
		subscription.Close()
		return ErrClosed
	}
	s.feed = subscription
	s.feedCancel = routeCancel
	s.feedDone = done
	s.feedErr = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		err := s.route(routeCtx, subscription)
		if routeCtx.Err() != nil {
			return
		}
		s.logger.Warn("change feed lost", "error", err)
		s.mu.Lock()
		s.feedErr = err
		s.mu.Unlock()
		s.changed()
	}()
	return nil
}

func (s *Session) disconnect() {
	s.mu.Lock()
	subscription, cancel, done := s.feed, s.feedCancel, s.feedDone
	s.feed, s.feedCancel = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if subscription != nil {
		if err := subscription.Close(); err != nil {
			s.logger.Debug("closing change feed", "error", err)
		}
	}
	<-done
}

// Disconnected returns a channel closed when the current dispatcher
// stops, whether from feed loss or Close.
func (s *Session) Disconnected() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedDone
}

// FeedErr reports why the last dispatcher stopped, or nil while it runs.
func (s *Session) FeedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedErr
}

// Changes delivers a signal after any state change. Signals coalesce: a
// reader that falls behind sees one pending signal, not one per change.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Close cancels the change feed, stops every typing timer and waits for
// background calls to finish. The Session is unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for key, entry := range s.typing {
		entry.timer.Stop()
		delete(s.typing, key)
	}
	for conversationID, signal := range s.signals {
		signal.timer.Stop()
		delete(s.signals, conversationID)
	}
	s.mu.Unlock()

	s.disconnect()
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Session) inert() bool { return s.viewer.UserID == "" }

func (s *Session) requireViewer() error {
	if s.inert() {
		return ErrNoViewer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Session) changed() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// background runs fn on its own goroutine with a bounded context derived
// from the Session lifetime. Close waits for it.
func (s *Session) background(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("background call failed", "call", name, "error", err)
		}
	}()
}

// profile resolves a user's display fields through the cache. Lookup
// failures degrade to the bare user id rather than failing the caller.
func (s *Session) profile(ctx context.Context, userID string) models.Profile {
	if userID == s.viewer.UserID {
		return models.Profile{UserID: userID, DisplayName: s.viewer.DisplayName}
	}

	s.mu.Lock()
	cached, ok := s.profileCache[userID]
	s.mu.Unlock()
	if ok {
		return cached
	}

	if s.profiles == nil {
		return models.Profile{UserID: userID, DisplayName: userID}
	}
	resolved, err := s.profiles.Profile(ctx, userID)
	if err != nil {
		s.logger.Debug("profile lookup failed", "user_id", userID, "error", err)
		return models.Profile{UserID: userID, DisplayName: userID}
	}
	if resolved.DisplayName == "" {
		resolved.DisplayName = userID
	}

	s.mu.Lock()
	s.profileCache[userID] = resolved
	s.mu.Unlock()
	return resolved
}

// cachedProfileLocked is profile without the network fallback.
func (s *Session) cachedProfileLocked(userID string) models.Profile {
	if userID == s.viewer.UserID {
		return models.Profile{UserID: userID, DisplayName: s.viewer.DisplayName}
	}
	if cached, ok := s.profileCache[userID]; ok {
		return cached
	}
	return models.Profile{UserID: userID, DisplayName: userID}
}

// Package session drives one open conversation on the client side: initial load, live
// subscription, sending, read receipts and the local-only degraded mode.
//
// All session state is owned by a single event loop goroutine. Backend calls run on
// their own goroutines and post results back to the loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fitversal/coachchat/internal/models"
	"github.com/fitversal/coachchat/internal/realtime"
	"github.com/fitversal/coachchat/internal/services"
	"github.com/rs/zerolog"
)

type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateSending State = "sending"
)

const (
	DemoCoachID        = "demo-coach"
	DemoConversationID = "demo-conversation"
	demoCoachName      = "Sarah Johnson"
	demoCoachTitle     = "Personal Fitness Coach"
	demoGreeting       = "Hi! I'm Sarah, your personal fitness coach. How can I help you today?"
)

var (
	ErrNotReady = errors.New("session is not ready")
	ErrClosed   = errors.New("session is closed")
)

// Entry is a message as the session shows it. Local entries were synthesized after
// the store could not be reached and have no server-side row. A local entry never
// carries attachment fields; PendingAttachment names the file that was not uploaded.
type Entry struct {
	models.Message
	Local             bool   `json:"local,omitempty"`
	PendingAttachment string `json:"pending_attachment,omitempty"`
}

type Snapshot struct {
	State          State               `json:"state"`
	Connected      bool                `json:"connected"`
	Degraded       bool                `json:"degraded"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Counterpart    *models.Participant `json:"counterpart,omitempty"`
	Messages       []Entry             `json:"messages"`
	Unread         int                 `json:"unread"`
}

type Config struct {
	Actor services.Actor

	// ConversationID opens a known conversation. When empty the session bootstraps
	// one with CounterpartID.
	ConversationID  string
	CounterpartID   string
	CounterpartRole models.Role

	Logger zerolog.Logger
	Clock  func() time.Time

	// OnDirectoryStale is called after read receipts were applied, so unread badges
	// elsewhere can be refreshed. It runs on its own goroutine.
	OnDirectoryStale func()
}

type Session struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	events  chan func()
	quit    chan struct{}
	updates chan Snapshot
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	loopDone  chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	// loop-owned state
	state          State
	connected      bool
	everConnected  bool
	degraded       bool
	conversationID string
	counterpart    *models.Participant
	entries        []Entry
	seen           map[string]struct{}
	inflight       int
	localSeq       int
	marking        bool
	markAgain      bool
	sub            realtime.Subscription
}

// Open starts the session and returns immediately. Activation runs in the background;
// watch Updates or Snapshot for progress. Open never fails: unreachable backends put
// the session into degraded mode.
func Open(ctx context.Context, backend Backend, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		backend:  backend,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "session").Str("user_id", cfg.Actor.ID).Logger(),
		now:      cfg.Clock,
		events:   make(chan func()),
		quit:     make(chan struct{}),
		updates:  make(chan Snapshot, 1),
		ctx:      runCtx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		state:    StateLoading,
		seen:     make(map[string]struct{}),
	}
	s.snap = s.buildSnapshot()

	go s.loop()
	go s.activate()
	return s
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Updates streams snapshots. Only the most recent unread snapshot is kept; the channel
// is closed after Close.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Close unsubscribes and stops the event loop. In-flight sends are not cancelled but
// their results are discarded. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.loopDone
		s.cancel()
	})
}

// Send appends a message to the conversation. Validation and upload failures are
// returned; an unreachable store yields a locally synthesized entry and no error.
func (s *Session) Send(ctx context.Context, text string, upload *models.AttachmentUpload) (*Entry, error) {
	if strings.TrimSpace(text) == "" && upload == nil {
		return nil, fmt.Errorf("%w: message text or attachment is required", services.ErrValidation)
	}

	var (
		conversationID string
		degraded       bool
	)
	if !s.call(func() {
		conversationID = s.conversationID
		degraded = s.degraded
		if !degraded && conversationID != "" {
			s.inflight++
			s.state = StateSending
			s.publish()
		}
	}) {
		return nil, ErrClosed
	}

	if degraded {
		return s.appendLocal(text, upload)
	}
	if conversationID == "" {
		return nil, ErrNotReady
	}

	message, err := s.backend.SendMessage(ctx, s.cfg.Actor, services.SendMessageInput{
		ConversationID: conversationID,
		Text:           text,
		Upload:         upload,
	})

	if err != nil && isSurfacedSendError(err) {
		s.call(s.finishSend)
		return nil, err
	}
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("send failed, keeping local copy")
		var entry *Entry
		if !s.call(func() {
			s.finishSend()
			entry = s.synthesizeLocal(text, upload)
			s.publish()
		}) {
			return nil, ErrClosed
		}
		return entry, nil
	}

	entry := &Entry{Message: *message}
	s.call(func() {
		s.finishSend()
		s.merge(*message)
		s.publish()
	})
	return entry, nil
}

func (s *Session) appendLocal(text string, upload *models.AttachmentUpload) (*Entry, error) {
	var entry *Entry
	if !s.call(func() {
		entry = s.synthesizeLocal(text, upload)
		s.publish()
	}) {
		return nil, ErrClosed
	}
	return entry, nil
}

func (s *Session) loop() {
	defer close(s.loopDone)
	defer close(s.updates)

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			if s.sub != nil {
				s.sub.Unsubscribe()
				s.sub = nil
			}
			return
		}
	}
}

// call runs fn on the loop and waits for it. It reports false when the session closed
// before fn could run. Never call it from the loop itself.
func (s *Session) call(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.events <- func() { fn(); close(done) }:
	case <-s.quit:
		return false
	}
	<-done
	return true
}

func (s *Session) activate() {
	ctx := s.ctx
	actor := s.cfg.Actor

	conversationID := s.cfg.ConversationID
	if conversationID == "" {
		conversation, err := s.backend.Bootstrap(ctx, actor, s.cfg.CounterpartID, s.cfg.CounterpartRole)
		if err != nil {
			s.degrade("bootstrap", err)
			return
		}
		conversationID = conversation.ID
	}

	history, err := s.backend.ListMessages(ctx, actor, conversationID)
	if err != nil {
		s.degrade("list messages", err)
		return
	}

	var counterpart *models.Participant
	if s.cfg.CounterpartID != "" {
		if p, err := s.backend.Participant(ctx, s.cfg.CounterpartID); err == nil {
			counterpart = p
		} else {
			s.log.Debug().Err(err).Str("participant_id", s.cfg.CounterpartID).Msg("counterpart lookup failed")
		}
	}

	if !s.call(func() {
		s.conversationID = conversationID
		s.counterpart = counterpart
		for _, message := range history {
			s.merge(message)
		}
		s.publish()
	}) {
		return
	}

	sub, err := s.backend.Subscribe(ctx, actor, conversationID, StreamHandler{
		OnMessage:    s.onMessage,
		OnConnection: s.onConnection,
	})
	if err != nil {
		s.degrade("subscribe", err)
		return
	}

	if !s.call(func() {
		s.sub = sub
		s.connected = true
		s.everConnected = true
		if s.inflight == 0 {
			s.state = StateReady
		}
		s.requestMarkRead()
		s.publish()
	}) {
		sub.Unsubscribe()
	}
}

// degrade swaps the session to the synthetic demo conversation.
func (s *Session) degrade(stage string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Warn().Err(err).Str("stage", stage).Msg("messaging backend unreachable, entering degraded mode")

	now := s.now()
	greetingAt := now.Add(-24 * time.Hour)
	title := demoCoachTitle
	counterpart := &models.Participant{
		ID:          DemoCoachID,
		Role:        models.RoleCoach,
		DisplayName: demoCoachName,
		Title:       &title,
		LastSeenAt:  &now,
	}
	greeting := models.Message{
		ID:             "demo-welcome",
		ConversationID: DemoConversationID,
		SenderID:       DemoCoachID,
		SenderRole:     models.RoleCoach,
		Text:           demoGreeting,
		CreatedAt:      greetingAt,
		ReadAt:         &greetingAt,
	}

	s.call(func() {
		if s.sub != nil {
			s.sub.Unsubscribe()
			s.sub = nil
		}
		s.degraded = true
		s.connected = false
		s.conversationID = DemoConversationID
		s.counterpart = counterpart
		s.entries = nil
		s.seen = make(map[string]struct{})
		s.merge(greeting)
		s.state = StateReady
		s.publish()
	})
}

func (s *Session) onMessage(message models.Message) {
	s.post(func() {
		if s.degraded || message.ConversationID != s.conversationID {
			return
		}
		if !s.merge(message) {
			return
		}
		if message.ReadAt == nil && message.SenderRole.IsOppositeOf(s.cfg.Actor.Role) {
			s.requestMarkRead()
		}
		s.publish()
	})
}

func (s *Session) onConnection(connected bool) {
	s.post(func() {
		if s.degraded || s.connected == connected {
			return
		}
		s.connected = connected
		s.publish()
		if connected && s.everConnected {
			s.reconcile()
		}
		if connected {
			s.everConnected = true
		}
	})
}

// reconcile reloads history after a reconnect; events missed while disconnected are
// not redelivered.
func (s *Session) reconcile() {
	conversationID := s.conversationID
	go func() {
		history, err := s.backend.ListMessages(s.ctx, s.cfg.Actor, conversationID)
		if err != nil {
			s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("reconcile after reconnect failed")
			return
		}
		s.post(func() {
			changed := false
			for _, message := range history {
				if s.merge(message) {
					changed = true
				}
			}
			if changed {
				s.requestMarkRead()
				s.publish()
			}
		})
	}()
}

// requestMarkRead marks inbound messages read, coalescing requests while one is running.
func (s *Session) requestMarkRead() {
	if s.degraded || s.conversationID == "" {
		return
	}
	if s.marking {
		s.markAgain = true
		return
	}
	s.marking = true

	conversationID := s.conversationID
	go func() {
		_, err := s.backend.MarkRead(s.ctx, s.cfg.Actor, conversationID)
		readAt := s.now()
		s.post(func() {
			s.marking = false
			if err != nil {
				s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read failed")
			} else if s.applyReadAt(readAt) {
				s.publish()
			}
			if err == nil && s.cfg.OnDirectoryStale != nil {
				go s.cfg.OnDirectoryStale()
			}
			if s.markAgain {
				s.markAgain = false
				s.requestMarkRead()
			}
		})
	}()
}

func (s *Session) applyReadAt(readAt time.Time) bool {
	changed := false
	for i := range s.entries {
		entry := &s.entries[i]
		if entry.IsRead() || entry.Local || !entry.SenderRole.IsOppositeOf(s.cfg.Actor.Role) {
			continue
		}
		at := readAt
		entry.ReadAt = &at
		changed = true
	}
	return changed
}

// post queues fn on the loop without waiting. Dropped after Close.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quit:
	}
}

// merge adds message unless its id is already present. A copy that carries read_at
// upgrades an unread local copy; read_at never reverts.
func (s *Session) merge(message models.Message) bool {
	if _, ok := s.seen[message.ID]; ok {
		if message.ReadAt == nil {
			return false
		}
		for i := range s.entries {
			if s.entries[i].ID == message.ID && !s.entries[i].IsRead() {
				s.entries[i].ReadAt = message.ReadAt
				return true
			}
		}
		return false
	}

	s.seen[message.ID] = struct{}{}
	s.entries = append(s.entries, Entry{Message: message})
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})
	return true
}

func (s *Session) synthesizeLocal(text string, upload *models.AttachmentUpload) *Entry {
	s.localSeq++
	message := models.Message{
		ID:             fmt.Sprintf("local-%d", s.localSeq),
		ConversationID: s.conversationID,
		SenderID:       s.cfg.Actor.ID,
		SenderRole:     s.cfg.Actor.Role,
		Text:           strings.TrimSpace(text),
		CreatedAt:      s.now(),
	}

	entry := Entry{Message: message, Local: true}
	if upload != nil {
		entry.PendingAttachment = upload.Filename
	}
	s.seen[message.ID] = struct{}{}
	s.entries = append(s.entries, entry)
	return &entry
}

func (s *Session) finishSend() {
	if s.inflight > 0 {
		s.inflight--
	}
	if s.inflight == 0 && s.state == StateSending {
		s.state = StateReady
		s.publish()
	}
}

func (s *Session) publish() {
	snap := s.buildSnapshot()

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	s.updates <- snap
}

func (s *Session) buildSnapshot() Snapshot {
	entries := make([]Entry, len(s.entries))
	unread := 0
	for i, entry := range s.entries {
		if entry.ReadAt != nil {
			at := *entry.ReadAt
			entry.ReadAt = &at
		}
		entries[i] = entry
		if !entry.IsRead() && !entry.Local && entry.SenderRole.IsOppositeOf(s.cfg.Actor.Role) {
			unread++
		}
	}

	var counterpart *models.Participant
	if s.counterpart != nil {
		p := *s.counterpart
		counterpart = &p
	}

	return Snapshot{
		State:          s.state,
		Connected:      s.connected,
		Degraded:       s.degraded,
		ConversationID: s.conversationID,
		Counterpart:    counterpart,
		Messages:       entries,
		Unread:         unread,
	}
}

func isSurfacedSendError(err error) bool {
	return errors.Is(err, services.ErrValidation) ||
		errors.Is(err, services.ErrInvalidInput) ||
		errors.Is(err, services.ErrUpload) ||
		errors.Is(err, services.ErrStorageUnavailable) ||
		errors.Is(err, services.ErrForbidden) ||
		errors.Is(err, services.ErrNotFound)
}

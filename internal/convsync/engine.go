// Package convsync keeps one open conversation in sync with the backend:
// periodic message polling, sending operator messages and handing control
// between the automated responder and the operator.
package convsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ashureev/botdesk/internal/backend"
	"github.com/ashureev/botdesk/internal/domain"
	"github.com/ashureev/botdesk/internal/sanitize"
)

// PollInterval is how often the message list is re-fetched.
const PollInterval = 5 * time.Second

var (
	// ErrLoadFailure means the conversation could not be opened.
	ErrLoadFailure = errors.New("conversation load failed")
	// ErrEmptyMessage rejects blank outgoing text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendInFlight rejects a send while another is pending.
	ErrSendInFlight = errors.New("a message is already being sent")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("conversation closed")
)

// API is the subset of the backend the engine calls.
type API interface {
	GetConversation(ctx context.Context, id int64) (domain.Conversation, error)
	GetMessages(ctx context.Context, id int64) (backend.MessagePage, error)
	SendMessage(ctx context.Context, id int64, content string) (domain.Message, error)
	SetControl(ctx context.Context, id int64, aiControlled bool) (bool, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSanitizer sets the step applied to outgoing text. Defaults to sanitize.Text.
func WithSanitizer(fn sanitize.Func) Option {
	return func(e *Engine) { e.sanitize = fn }
}

// Snapshot is a copy of the engine state.
type Snapshot struct {
	Conversation  domain.Conversation
	Messages      []domain.Message
	Draft         string
	Sending       bool
	TogglePending bool
	LastError     error
}

// Engine syncs a single conversation. Create it with Open and stop it with Close.
type Engine struct {
	api      API
	id       int64
	logger   *slog.Logger
	sanitize sanitize.Func
	interval time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// poll admits one periodic fetch at a time; send admits one send.
	poll *semaphore.Weighted
	send *semaphore.Weighted

	updates chan struct{}

	mu        sync.Mutex
	closed    bool
	conv      domain.Conversation
	messages  []domain.Message
	draft     string
	sending   bool
	lastErr   error
	toggleGen uint64
	toggling  int
}

// Open loads conversation id and its messages concurrently, then starts
// polling. The engine outlives ctx; only Close stops it.
func Open(ctx context.Context, api API, id int64, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		conv domain.Conversation
		page backend.MessagePage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		conv, err = api.GetConversation(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		page, err = api.GetMessages(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: conversation %d: %w", ErrLoadFailure, id, err)
	}

	e := &Engine{
		api:      api,
		id:       id,
		logger:   logger.With("conversation_id", id),
		sanitize: sanitize.Text,
		interval: PollInterval,
		poll:     semaphore.NewWeighted(1),
		send:     semaphore.NewWeighted(1),
		updates:  make(chan struct{}, 1),
		conv:     conv,
		messages: sorted(page.Messages),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	e.wg.Add(1)
	go e.run()

	e.logger.Info("Conversation opened", "messages", len(e.messages), "ai_controlled", conv.IsAIControlled)
	return e, nil
}

// ID returns the conversation id.
func (e *Engine) ID() int64 { return e.id }

// Updates signals after every state change. Signals coalesce; read
// Snapshot for the current state. The channel is closed by Close.
func (e *Engine) Updates() <-chan struct{} { return e.updates }

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Conversation:  e.conv,
		Messages:      slices.Clone(e.messages),
		Draft:         e.draft,
		Sending:       e.sending,
		TogglePending: e.toggling > 0,
		LastError:     e.lastErr,
	}
}

// SetDraft replaces the unsent input text.
func (e *Engine) SetDraft(text string) {
	e.mu.Lock()
	e.draft = text
	e.mu.Unlock()
	e.notify()
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops polling and waits for in-flight requests to finish. No request
// is issued after Close returns. It is safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.cancel()
		e.wg.Wait()
		close(e.updates)
		e.logger.Info("Conversation closed")
	})
}

func (e *Engine) notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// track registers a network operation. It fails once the engine is closed.
func (e *Engine) track() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// bind derives a context from ctx that is also cancelled by Close.
func (e *Engine) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.ctx.Done():
			return
		}
	}
}

// tick starts a poll unless the previous one is still running.
func (e *Engine) tick() {
	if !e.poll.TryAcquire(1) {
		e.logger.Debug("Poll still in flight, skipping tick")
		return
	}
	if !e.track() {
		e.poll.Release(1)
		return
	}
	go func() {
		defer e.wg.Done()
		defer e.poll.Release(1)
		if err := e.fetch(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("Message poll failed", "error", err)
		}
	}()
}

// fetch replaces the message list with the backend's. The caller must hold
// a track slot.
func (e *Engine) fetch(ctx context.Context) error {
	page, err := e.api.GetMessages(ctx, e.id)
	if err != nil {
		return err
	}
	msgs := sorted(page.Messages)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.messages = msgs
	if e.toggling == 0 {
		e.conv.IsAIControlled = page.IsAIControlled
	}
	e.mu.Unlock()
	e.notify()
	return nil
}

// Refresh fetches the message list now, outside the poll schedule.
func (e *Engine) Refresh(ctx context.Context) error {
	if !e.track() {
		return ErrClosed
	}
	defer e.wg.Done()
	ctx, cancel := e.bind(ctx)
	defer cancel()
	if err := e.fetch(ctx); err != nil {
		return fmt.Errorf("refresh messages: %w", err)
	}
	return nil
}

// Send sanitizes raw and posts it as an operator message. Blank input and
// overlapping sends are rejected without a request. On success the draft is
// cleared and messages are re-fetched; on failure the draft is kept.
func (e *Engine) Send(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyMessage
	}
	if !e.send.TryAcquire(1) {
		return ErrSendInFlight
	}
	defer e.send.Release(1)

	content := e.sanitize(raw)
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !e.track() {
		return ErrClosed
	}
	defer e.wg.Done()
	ctx, cancel := e.bind(ctx)
	defer cancel()

	e.mu.Lock()
	e.sending = true
	e.mu.Unlock()
	e.notify()

	_, err := e.api.SendMessage(ctx, e.id, content)

	e.mu.Lock()
	e.sending = false
	if err != nil {
		e.lastErr = err
	} else {
		e.draft = ""
		e.lastErr = nil
	}
	e.mu.Unlock()
	e.notify()

	if err != nil {
		e.logger.Error("Failed to send message", "error", err)
		return fmt.Errorf("send message: %w", err)
	}

	if err := e.fetch(ctx); err != nil {
		e.logger.Warn("Refetch after send failed", "error", err)
	}
	return nil
}

// ToggleControl flips the conversation between automated and manual mode.
// The cached flag changes before the request is sent. If the request fails
// and no later toggle has started, the flag is rolled back; on success the
// backend's stored value is applied.
func (e *Engine) ToggleControl(ctx context.Context) (bool, error) {
	if !e.track() {
		return false, ErrClosed
	}
	defer e.wg.Done()

	e.mu.Lock()
	prev := e.conv.IsAIControlled
	want := !prev
	e.conv.IsAIControlled = want
	e.toggleGen++
	gen := e.toggleGen
	e.toggling++
	e.mu.Unlock()
	e.notify()

	ctx, cancel := e.bind(ctx)
	defer cancel()
	stored, err := e.api.SetControl(ctx, e.id, want)

	e.mu.Lock()
	e.toggling--
	latest := gen == e.toggleGen
	switch {
	case err != nil:
		if latest {
			e.conv.IsAIControlled = prev
		}
		e.lastErr = err
	case latest:
		e.conv.IsAIControlled = stored
	}
	current := e.conv.IsAIControlled
	e.mu.Unlock()
	e.notify()

	if err != nil {
		e.logger.Error("Failed to switch control mode", "ai_controlled", want, "error", err)
		return current, fmt.Errorf("set control: %w", err)
	}
	e.logger.Info("Control mode switched", "ai_controlled", stored)
	return current, nil
}

func sorted(msgs []domain.Message) []domain.Message {
	out := slices.Clone(msgs)
	domain.SortMessages(out)
	return out
}

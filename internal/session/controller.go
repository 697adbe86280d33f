// Package session drives conversation turns against the pipeline and rebuilds past threads from their
// persisted transcripts.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/conversation"
	"github.com/MegaGrindStone/atlas-chat/internal/models"
	"github.com/MegaGrindStone/atlas-chat/internal/stream"
)

// Transport opens the event stream of one turn. Implementations return an error, without a body, when
// the pipeline answers with a failure status.
type Transport interface {
	StreamTurn(ctx context.Context, req models.TurnRequest) (io.ReadCloser, error)
}

var (
	// ErrTurnInFlight is returned by StartTurn while another turn of the session is in flight.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrCancelled is the abort cause of a turn cancelled by the user.
	ErrCancelled = errors.New("turn cancelled")
	// ErrFirstByteTimeout is the abort cause of a turn whose stream stayed silent for too long.
	ErrFirstByteTimeout = errors.New("no data received from the pipeline in time")
	// ErrThreadLive is returned by LoadThread for the thread the session is streaming into; its live
	// state is newer than any persisted transcript.
	ErrThreadLive = errors.New("thread is live in this session")
)

// DefaultFirstByteTimeout is the time a turn may wait for its first byte.
const DefaultFirstByteTimeout = 30 * time.Second

const errLoggerKey = "error"

// Options tune a Controller. Zero values select the defaults.
type Options struct {
	FirstByteTimeout time.Duration
	FlushInterval    time.Duration
}

// Controller owns the lifecycle of the turns of one session: it opens the stream, feeds decoded events
// to the store, releases text through a Scheduler, enforces the abort boundary and records finished
// step timelines in the session's ThreadCache.
type Controller struct {
	transport Transport
	hydrator  Hydrator
	store     *conversation.Store
	cache     *conversation.ThreadCache

	firstByteTimeout time.Duration
	flushInterval    time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	inFlight bool
	cancel   context.CancelCauseFunc
	done     chan struct{}
	live     map[string]struct{}
}

// NewController creates a controller for one session. The cache is owned by the controller for the
// lifetime of the session; the hydrator built from history reads it.
func NewController(
	transport Transport,
	history HistoryFetcher,
	store *conversation.Store,
	cache *conversation.ThreadCache,
	logger *slog.Logger,
	opts Options,
) *Controller {
	if opts.FirstByteTimeout <= 0 {
		opts.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = conversation.DefaultFlushInterval
	}
	logger = logger.With(slog.String("module", "session"))

	return &Controller{
		transport:        transport,
		hydrator:         NewHydrator(history, cache, logger),
		store:            store,
		cache:            cache,
		firstByteTimeout: opts.FirstByteTimeout,
		flushInterval:    opts.FlushInterval,
		logger:           logger,
		live:             map[string]struct{}{},
	}
}

// Store returns the store the controller feeds.
func (c *Controller) Store() *conversation.Store {
	return c.store
}

// Cache returns the session's thread cache.
func (c *Controller) Cache() *conversation.ThreadCache {
	return c.cache
}

// StartTurn begins a turn asking question. priorThreadID continues an existing thread; when empty the
// thread currently held by the store, if any, is continued. Naming another thread than the one held
// switches the session to it first, loading its transcript so the new turn follows the persisted ones.
// The turn runs in the background and outlives ctx; use Cancel to stop it. A turn that is already in
// flight makes StartTurn fail with ErrTurnInFlight rather than queueing.
func (c *Controller) StartTurn(ctx context.Context, question, priorThreadID string, overrides models.Overrides) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrTurnInFlight
	}

	turnCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.inFlight = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	current := c.store.ThreadID()
	switch {
	case priorThreadID == "":
		priorThreadID = current
	case priorThreadID != current:
		if err := c.switchThread(turnCtx, priorThreadID); err != nil {
			c.release(cancel, done)
			return err
		}
	}

	_, aiMsgID, err := c.store.BeginTurn(question)
	if err != nil {
		c.release(cancel, done)
		return fmt.Errorf("failed to begin turn: %w", err)
	}

	if priorThreadID != "" {
		c.markLive(priorThreadID)
	}

	req := models.TurnRequest{
		Question:  question,
		ThreadID:  priorThreadID,
		Overrides: overrides,
	}
	go c.runTurn(turnCtx, cancel, done, aiMsgID, req)

	return nil
}

// switchThread points the session at threadID. The live state of the previous thread is dropped. When
// the transcript cannot be read the thread is continued without its history, and the timeline of the
// new turn is not cached because its position in the thread is unknown.
func (c *Controller) switchThread(ctx context.Context, threadID string) error {
	th, err := c.hydrator.LoadThread(ctx, threadID)
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}

	c.mu.Lock()
	c.live = map[string]struct{}{}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Continuing thread without its history",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		c.store.ContinueThread(threadID)
		return nil
	}

	c.store.Replace(th.ID, th.Messages)
	return nil
}

// release ends the reservation of a turn.
func (c *Controller) release(cancel context.CancelCauseFunc, done chan struct{}) {
	cancel(nil)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	close(done)
}

// Cancel aborts the in-flight turn, if any. It reports whether a turn was cancelled.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inFlight {
		return false
	}
	c.cancel(ErrCancelled)
	return true
}

// Wait blocks until the in-flight turn, if any, completed its cleanup.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// InFlight reports whether a turn is in flight.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// ClearSession aborts the in-flight turn and empties the live state. The thread cache is kept.
func (c *Controller) ClearSession() {
	c.Cancel()
	c.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = map[string]struct{}{}
	c.store.Reset()
}

// IsLive reports whether threadID was announced by a turn of this session since the last reset. A live
// thread is never replaced by its persisted transcript.
func (c *Controller) IsLive(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[threadID]
	return ok
}

// LoadThread replaces the session's conversation with the persisted thread threadID. The fetch is
// suppressed, and ErrThreadLive returned, when the thread is live in this session, including when it
// became live while the transcript was being fetched. While a turn is in flight on another thread
// LoadThread fails with ErrTurnInFlight; cancel the turn first. A failed fetch leaves the session
// untouched.
func (c *Controller) LoadThread(ctx context.Context, threadID string) (Thread, error) {
	if c.IsLive(threadID) {
		return Thread{}, ErrThreadLive
	}
	if c.InFlight() {
		return Thread{}, ErrTurnInFlight
	}

	th, err := c.hydrator.LoadThread(ctx, threadID)
	if err != nil {
		c.logger.Warn("Failed to load thread",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		return Thread{}, err
	}

	if c.IsLive(threadID) {
		return Thread{}, ErrThreadLive
	}
	if c.InFlight() {
		return Thread{}, ErrTurnInFlight
	}

	c.ClearSession()
	c.store.Replace(th.ID, th.Messages)
	return th, nil
}

func (c *Controller) runTurn(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	done chan struct{},
	aiMsgID string,
	req models.TurnRequest,
) {
	defer c.release(cancel, done)

	logger := c.logger.With(slog.String("messageID", aiMsgID))

	timer := time.AfterFunc(c.firstByteTimeout, func() { cancel(ErrFirstByteTimeout) })
	defer timer.Stop()

	body, err := c.transport.StreamTurn(ctx, req)
	if err != nil {
		turnErr := c.turnError(ctx, err, conversation.TurnErrorTransport)
		logger.Error("Failed to open turn stream",
			slog.String("kind", string(turnErr.Kind)),
			slog.String(errLoggerKey, err.Error()))
		c.store.Abort(turnErr)
		return
	}
	defer body.Close()

	// Closing the body unblocks a pending read once the abort boundary trips.
	stopClose := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stopClose()

	sched := conversation.NewScheduler(c.flushInterval, func(content string) {
		c.store.SetContent(aiMsgID, content)
	})
	defer sched.Close()

	t := turn{
		controller: c,
		threadID:   req.ThreadID,
	}

	var streamErr error
	finished := false
	for ev, err := range stream.Events(&firstByteReader{r: body, timer: timer}, logger) {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		switch ev := ev.(type) {
		case stream.ContentAppended:
			sched.Append(ev.Content)
		case stream.TurnFinished, stream.TransportFailed:
			// The final value must reach the message before it stops streaming.
			sched.Close()
		}

		eff := c.store.Apply(ev)
		t.observe(eff)
		if eff.Finished {
			finished = true
			break
		}
	}

	// Flush what arrived before the abort, then finalize.
	sched.Close()
	if finished {
		logger.Debug("Turn finished", slog.String("threadID", t.threadID))
		return
	}

	if streamErr == nil && ctx.Err() == nil {
		streamErr = errors.New("stream ended before done")
	}
	turnErr := c.turnError(ctx, streamErr, conversation.TurnErrorStream)
	logger.Info("Turn aborted",
		slog.String("kind", string(turnErr.Kind)),
		slog.String("reason", turnErr.Message))
	c.store.Abort(turnErr)
}

// turnError classifies why a turn ended early. The abort cause wins over the error that surfaced it,
// so a timeout that broke a read is still reported as a timeout.
func (c *Controller) turnError(ctx context.Context, err error, fallback conversation.TurnErrorKind) conversation.TurnError {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrFirstByteTimeout):
		return conversation.TurnError{Kind: conversation.TurnErrorTimeout, Message: cause.Error()}
	case cause != nil:
		return conversation.TurnError{Kind: conversation.TurnErrorCancelled, Message: cause.Error()}
	case err != nil:
		return conversation.TurnError{Kind: fallback, Message: err.Error()}
	}
	return conversation.TurnError{Kind: fallback}
}

func (c *Controller) markLive(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[threadID] = struct{}{}
}

// turn tracks per-turn bookkeeping that outlives single events: the thread id and a timeline snapshot
// taken before the thread id was announced.
type turn struct {
	controller *Controller
	threadID   string

	pending      []models.PipelineStep
	pendingIndex int
}

func (t *turn) observe(eff conversation.Effect) {
	if eff.ThreadID != "" && eff.ThreadID != t.threadID {
		t.threadID = eff.ThreadID
	}
	if t.threadID != "" {
		t.controller.markLive(t.threadID)
	}

	if eff.Snapshot != nil {
		t.pending = eff.Snapshot
		t.pendingIndex = eff.TurnIndex
	}
	if t.pending != nil && t.threadID != "" {
		if t.pendingIndex >= 0 {
			t.controller.cache.Append(t.threadID, t.pendingIndex, t.pending)
		}
		t.pending = nil
	}
}

// firstByteReader stops the first-byte timer as soon as data arrives.
type firstByteReader struct {
	r     io.Reader
	timer *time.Timer
	seen  bool
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 && !f.seen {
		f.seen = true
		f.timer.Stop()
	}
	return n, err
}

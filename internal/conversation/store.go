// Package conversation holds the client-side conversation state: the ordered messages, the live step
// timeline of the in-flight turn and the side-channel data the pipeline reports along the way.
package conversation

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/models"
	"github.com/MegaGrindStone/atlas-chat/internal/stream"
	"github.com/google/uuid"
)

// ErrTurnStreaming is returned by BeginTurn while another turn is still streaming.
var ErrTurnStreaming = errors.New("a turn is already streaming")

// TurnErrorKind tells the UI which message to surface for a failed turn.
type TurnErrorKind string

const (
	// TurnErrorTransport means the pipeline could not be reached or answered with a failure status
	// before streaming anything.
	TurnErrorTransport TurnErrorKind = "transport"
	// TurnErrorTimeout means no byte arrived within the first-byte window.
	TurnErrorTimeout TurnErrorKind = "timeout"
	// TurnErrorCancelled means the user cancelled the turn.
	TurnErrorCancelled TurnErrorKind = "cancelled"
	// TurnErrorStream means the stream broke or the pipeline reported an error mid-stream.
	TurnErrorStream TurnErrorKind = "stream"
)

// TurnError describes why a turn ended without a done event.
type TurnError struct {
	Kind    TurnErrorKind
	Message string
}

// State is a copy of the store's content.
type State struct {
	ThreadID string
	Messages []models.Message
	// Timeline is the live step timeline. It is non-empty only while a turn is in flight and has not
	// received its first content fragment.
	Timeline []models.PipelineStep
	// Stats are the totals of the last finished turn.
	Stats *models.AggregateStats
	// Error is set when the last turn failed.
	Error *TurnError
}

// StreamingMessage returns the message that is currently streaming, if any.
func (s State) StreamingMessage() (models.Message, bool) {
	for _, m := range s.Messages {
		if m.IsStreaming {
			return m, true
		}
	}
	return models.Message{}, false
}

// Listener observes store transitions. Callbacks run after the store lock is released, on the
// goroutine that caused the transition.
type Listener interface {
	MessageUpdated(msg models.Message)
	TimelineUpdated(steps []models.PipelineStep)
	ThreadFinished(threadID string)
	TurnFailed(messageID string, turnErr TurnError)
}

// Effect reports what a transition did beyond mutating the store.
type Effect struct {
	// ThreadID is the thread id known after the transition.
	ThreadID string
	// Snapshot is the live timeline captured by the transition when it cleared a non-empty timeline.
	Snapshot []models.PipelineStep
	// TurnIndex is the position of the streaming message among the assistant messages of its thread,
	// or -1 when earlier turns of the thread are not held by the store.
	TurnIndex int
	// Finished is set when the transition ended the turn.
	Finished bool
}

// Store applies domain events to the conversation state. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	threadID string
	messages []models.Message
	timeline []models.PipelineStep
	stats    *models.AggregateStats
	turnErr  *TurnError

	streamingID string
	contentSeen bool
	// turnsUnknown is set when the store holds only part of the thread, so message positions do not
	// match turn positions.
	turnsUnknown bool

	listeners []Listener
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Subscribe registers l for every subsequent transition.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// BeginTurn appends the user message and the placeholder assistant message of a new turn in one step
// and returns their ids.
func (s *Store) BeginTurn(question string) (string, string, error) {
	s.mu.Lock()

	if s.streamingID != "" {
		s.mu.Unlock()
		return "", "", ErrTurnStreaming
	}

	now := s.now()
	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   question,
		Timestamp: now,
	}
	am := models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleAssistant,
		IsStreaming: true,
		Timestamp:   now,
	}
	s.messages = append(s.messages, um, am)
	s.streamingID = am.ID
	s.contentSeen = false
	s.timeline = nil
	s.stats = nil
	s.turnErr = nil

	notify := s.notifyMessages(um.Clone(), am.Clone())
	s.mu.Unlock()

	notify()
	return um.ID, am.ID, nil
}

// Apply runs the transition for ev against the streaming message. Events arriving while no turn
// streams are ignored. ContentAppended only drives the timeline here; its text is accumulated by the
// Scheduler and written with SetContent.
func (s *Store) Apply(ev stream.Event) Effect {
	s.mu.Lock()

	idx := s.streamingIndexLocked()
	if idx < 0 {
		eff := Effect{ThreadID: s.threadID}
		s.mu.Unlock()
		return eff
	}
	msg := &s.messages[idx]
	eff := Effect{}

	var notifications []func()

	switch ev := ev.(type) {
	case stream.ThreadIdentified:
		s.identifyLocked(ev.ThreadID)

	case stream.StageStarted:
		if !s.contentSeen {
			s.timeline = append(s.timeline, models.PipelineStep{
				StageID:    ev.StageID,
				Label:      ev.Label,
				Status:     models.StepActive,
				StartedAt:  s.now(),
				QueryIndex: ev.QueryIndex,
			})
			notifications = append(notifications, s.notifyTimeline())
		}

	case stream.StageUpdated:
		if !s.contentSeen {
			s.completeStepLocked(ev)
			notifications = append(notifications, s.notifyTimeline())
		}
		foldStage(&msg.SideChannels, ev)
		notifications = append(notifications, s.notifyMessages(msg.Clone()))

	case stream.ContentAppended:
		if !s.contentSeen {
			s.contentSeen = true
			if len(s.timeline) > 0 {
				eff.Snapshot = s.snapshotTimelineLocked(msg)
				notifications = append(notifications, s.notifyTimeline())
			}
		}

	case stream.LinksAppended:
		msg.SideChannels.Links = append(msg.SideChannels.Links, ev.Links...)
		notifications = append(notifications, s.notifyMessages(msg.Clone()))

	case stream.TurnFinished:
		s.identifyLocked(ev.ThreadID)
		if len(s.timeline) > 0 {
			eff.Snapshot = s.snapshotTimelineLocked(msg)
			notifications = append(notifications, s.notifyTimeline())
		}
		stats := ev.Stats
		msg.Stats = &stats
		msg.IsStreaming = false
		s.stats = &stats
		s.streamingID = ""
		eff.Finished = true

		threadID := s.threadID
		listeners := slices.Clone(s.listeners)
		finished := msg.Clone()
		notifications = append(notifications, func() {
			for _, l := range listeners {
				l.MessageUpdated(finished)
				l.ThreadFinished(threadID)
			}
		})

	case stream.TransportFailed:
		eff.Finished = true
		notifications = append(notifications, s.abortLocked(TurnError{Kind: TurnErrorStream, Message: ev.Reason}))
	}

	eff.ThreadID = s.threadID
	eff.TurnIndex = s.turnIndexLocked(idx)
	s.mu.Unlock()

	for _, n := range notifications {
		n()
	}
	return eff
}

// SetContent replaces the content of the streaming message id. It is the Scheduler's sink; messages
// that finished streaming are left untouched.
func (s *Store) SetContent(id, content string) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
	if idx < 0 || !s.messages[idx].IsStreaming || s.messages[idx].Content == content {
		s.mu.Unlock()
		return
	}
	s.messages[idx].Content = content
	notify := s.notifyMessages(s.messages[idx].Clone())
	s.mu.Unlock()

	notify()
}

// Abort ends the streaming turn without a done event. Content already flushed is kept and the message
// stops streaming; a placeholder that never received content is removed, together with its user
// message when the pipeline could not be reached at all. The live timeline is discarded.
func (s *Store) Abort(turnErr TurnError) {
	s.mu.Lock()
	if s.streamingIndexLocked() < 0 {
		s.mu.Unlock()
		return
	}
	notify := s.abortLocked(turnErr)
	s.mu.Unlock()

	notify()
}

func (s *Store) abortLocked(turnErr TurnError) func() {
	idx := s.streamingIndexLocked()
	msg := s.messages[idx]

	s.streamingID = ""
	s.turnErr = &turnErr
	hadTimeline := len(s.timeline) > 0
	s.timeline = nil

	removed := msg.Content == ""
	switch {
	case removed && turnErr.Kind == TurnErrorTransport && idx > 0 && s.messages[idx-1].Role == models.RoleUser:
		s.messages = slices.Delete(s.messages, idx-1, idx+1)
	case removed:
		s.messages = slices.Delete(s.messages, idx, idx+1)
	default:
		s.messages[idx].IsStreaming = false
		msg = s.messages[idx].Clone()
	}

	listeners := slices.Clone(s.listeners)
	return func() {
		for _, l := range listeners {
			if hadTimeline {
				l.TimelineUpdated(nil)
			}
			if !removed {
				l.MessageUpdated(msg)
			}
			l.TurnFailed(msg.ID, turnErr)
		}
	}
}

// ContinueThread empties the store and points it at threadID, whose earlier turns are not loaded. Turn
// indexes stay unknown until the store is replaced or reset.
func (s *Store) ContinueThread(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.threadID = threadID
	s.turnsUnknown = threadID != ""
}

// Replace swaps the whole conversation for a hydrated thread. Live state is reset.
func (s *Store) Replace(threadID string, messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.threadID = threadID
	s.messages = make([]models.Message, len(messages))
	for i, m := range messages {
		s.messages[i] = m.Clone()
		s.messages[i].IsStreaming = false
	}
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Store) resetLocked() {
	s.threadID = ""
	s.messages = nil
	s.timeline = nil
	s.stats = nil
	s.turnErr = nil
	s.streamingID = ""
	s.contentSeen = false
	s.turnsUnknown = false
}

// ThreadID returns the thread id of the conversation, empty until the pipeline announced one.
func (s *Store) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// State returns a deep copy of the store's content.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		ThreadID: s.threadID,
		Messages: make([]models.Message, len(s.messages)),
		Timeline: slices.Clone(s.timeline),
	}
	for i, m := range s.messages {
		st.Messages[i] = m.Clone()
	}
	if s.stats != nil {
		stats := *s.stats
		st.Stats = &stats
	}
	if s.turnErr != nil {
		turnErr := *s.turnErr
		st.Error = &turnErr
	}
	return st
}

func (s *Store) streamingIndexLocked() int {
	if s.streamingID == "" {
		return -1
	}
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == s.streamingID })
}

func (s *Store) turnIndexLocked(idx int) int {
	if s.turnsUnknown {
		return -1
	}
	n := 0
	for _, m := range s.messages[:idx] {
		if m.Role == models.RoleAssistant {
			n++
		}
	}
	return n
}

// identifyLocked records the thread id announced for the streaming turn. A different id than the one
// held means the pipeline moved the turn to another thread; the messages held before it are not part
// of that thread, so turn indexes become unknown.
func (s *Store) identifyLocked(threadID string) {
	if threadID == "" || threadID == s.threadID {
		return
	}
	if s.threadID != "" {
		s.turnsUnknown = true
	}
	s.threadID = threadID
}

// completeStepLocked completes the most recent active occurrence of the stage, so a re-entered stage
// closes its latest step rather than a stale one. An update for a stage that never started is
// recorded as an already completed step.
func (s *Store) completeStepLocked(ev stream.StageUpdated) {
	now := s.now()
	detail := stepDetail(ev.Fields)

	for i := len(s.timeline) - 1; i >= 0; i-- {
		step := &s.timeline[i]
		if step.StageID != ev.StageID || step.Status != models.StepActive {
			continue
		}
		completed := now
		if completed.Before(step.StartedAt) {
			completed = step.StartedAt
		}
		step.Status = models.StepCompleted
		step.CompletedAt = &completed
		if detail != "" {
			step.Detail = detail
		}
		return
	}

	s.timeline = append(s.timeline, models.PipelineStep{
		StageID:     ev.StageID,
		Label:       ev.Fields.Label,
		Status:      models.StepCompleted,
		StartedAt:   now,
		CompletedAt: &now,
		Detail:      detail,
		QueryIndex:  ev.Fields.QueryIndex,
	})
}

func (s *Store) snapshotTimelineLocked(msg *models.Message) []models.PipelineStep {
	snapshot := slices.Clone(s.timeline)
	msg.Steps = snapshot
	s.timeline = nil
	return slices.Clone(snapshot)
}

func (s *Store) notifyMessages(msgs ...models.Message) func() {
	listeners := slices.Clone(s.listeners)
	return func() {
		for _, l := range listeners {
			for _, m := range msgs {
				l.MessageUpdated(m)
			}
		}
	}
}

func (s *Store) notifyTimeline() func() {
	listeners := slices.Clone(s.listeners)
	steps := slices.Clone(s.timeline)
	return func() {
		for _, l := range listeners {
			l.TimelineUpdated(steps)
		}
	}
}

const (
	generatePrefix = "generate_"
	executePrefix  = "execute_"
)

// foldStage folds the stage-specific fields of ev into the side channels. A generate stage appends a
// query result; the matching execute stage completes the last result of the same family instead of
// appending a second one.
func foldStage(sc *models.SideChannels, ev stream.StageUpdated) {
	f := ev.Fields
	query := firstNonEmpty(f.SQL, f.GraphQL, f.Query)

	switch {
	case strings.HasPrefix(ev.StageID, generatePrefix):
		if query == "" {
			break
		}
		sc.SubQueryResults = append(sc.SubQueryResults, models.QueryResult{
			Stage:      ev.StageID,
			Language:   strings.TrimPrefix(ev.StageID, generatePrefix),
			Query:      query,
			QueryIndex: f.QueryIndex,
		})

	case strings.HasPrefix(ev.StageID, executePrefix):
		family := strings.TrimPrefix(ev.StageID, executePrefix)
		i := lastQueryResult(sc.SubQueryResults, family)
		if i < 0 {
			sc.SubQueryResults = append(sc.SubQueryResults, models.QueryResult{
				Stage:      ev.StageID,
				Language:   family,
				Query:      query,
				QueryIndex: f.QueryIndex,
			})
			i = len(sc.SubQueryResults) - 1
		}
		r := &sc.SubQueryResults[i]
		if r.Query == "" {
			r.Query = query
		}
		if len(f.Rows) > 0 {
			r.Rows = f.Rows
		}
		if f.RowCount != nil {
			r.RowCount = f.RowCount
		}
		if f.ExecutionTimeMS != nil {
			r.ExecutionTimeMS = f.ExecutionTimeMS
		}
		r.Error = f.Error
		r.Executed = true

	case strings.HasPrefix(ev.StageID, "external_"), strings.HasPrefix(ev.StageID, "resolve_"):
		sc.ExternalQuerySummaries = append(sc.ExternalQuerySummaries, models.ExternalQuerySummary{
			Source:      firstNonEmpty(f.Source, ev.StageID),
			Query:       query,
			Summary:     f.Summary,
			ResultCount: f.ResultCount,
		})
	}

	if c := firstNonEmpty(f.Classification, classifySummary(ev)); c != "" {
		sc.Classification = c
	}
	sc.Docs = append(sc.Docs, f.Docs...)
}

func classifySummary(ev stream.StageUpdated) string {
	if ev.StageID != "classify" {
		return ""
	}
	return ev.Fields.Summary
}

func lastQueryResult(results []models.QueryResult, family string) int {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Language == family {
			return i
		}
	}
	return -1
}

func stepDetail(f stream.StageFields) string {
	return firstNonEmpty(f.Detail, f.Description, f.Summary, f.SQL, f.GraphQL, f.Query)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

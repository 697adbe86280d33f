package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/conversation"
	"github.com/MegaGrindStone/atlas-chat/internal/models"
	"github.com/MegaGrindStone/atlas-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

type message struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	HTML        string    `json:"html"`
	IsStreaming bool      `json:"is_streaming"`
	Timestamp   time.Time `json:"timestamp"`

	SideChannels models.SideChannels    `json:"side_channels"`
	Steps        []models.PipelineStep  `json:"steps,omitempty"`
	Stats        *models.AggregateStats `json:"stats,omitempty"`
}

type turnError struct {
	MessageID string `json:"message_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

type state struct {
	ThreadID string                 `json:"thread_id"`
	Messages []message              `json:"messages"`
	Timeline []models.PipelineStep  `json:"timeline"`
	Stats    *models.AggregateStats `json:"stats,omitempty"`
	Error    *turnError             `json:"error,omitempty"`
}

// SSE event types for real-time updates.
const (
	chatsSSEType     = "chats"
	messagesSSEType  = "messages"
	stepsSSEType     = "steps"
	turnErrorSSEType = "turn_error"
)

const (
	overrideFormPrefix = "override_"
	maxTitleLength     = 80
)

// HandleChats starts a turn through HTTP POST requests, lists the known threads through GET requests and
// forgets a thread through DELETE requests carrying a "thread_id" query parameter.
//
// A POST expects a "message" form field, an optional "thread_id" field naming the thread to continue,
// and any number of "override_<key>" fields forwarded to the pipeline. The turn streams in the background;
// the response is the session state right after the turn began, whose last message is the streaming
// placeholder the client should subscribe to. A turn already in flight is answered with 409 Conflict.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		m.HandleChatList(w, r)
		return
	case http.MethodDelete:
		m.handleDeleteChat(w, r)
		return
	case http.MethodPost:
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		m.logger.Error("Failed to parse form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	question := strings.TrimSpace(r.FormValue("message"))
	if question == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	overrides := models.Overrides{}
	for key, values := range r.PostForm {
		name, ok := strings.CutPrefix(key, overrideFormPrefix)
		if !ok || name == "" || len(values) == 0 || values[0] == "" {
			continue
		}
		overrides[name] = values[0]
	}

	err := m.session.StartTurn(r.Context(), question, r.FormValue("thread_id"), overrides)
	if err != nil {
		if errors.Is(err, session.ErrTurnInFlight) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		m.logger.Error("Failed to start turn", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.writeState(w)
}

// HandleCancel aborts the in-flight turn. It answers 204 No Content whether or not a turn was running.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if m.session.Cancel() {
		m.logger.Info("Turn cancelled by user")
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClear aborts the in-flight turn and empties the session, so the next turn starts a new thread.
func (m Main) HandleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.session.ClearSession()
	m.writeState(w)
}

// HandleThread replaces the session with the persisted thread named by the "thread_id" query parameter
// and responds with the resulting state. Selecting the thread the session is streaming into keeps the
// live state. While a turn streams into another thread the request is refused with 409 Conflict and the
// turn keeps running. A failed fetch leaves the session untouched and is reported as 502 Bad Gateway.
func (m Main) HandleThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}

	_, err := m.session.LoadThread(r.Context(), threadID)
	switch {
	case err == nil, errors.Is(err, session.ErrThreadLive):
	case errors.Is(err, session.ErrTurnInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	default:
		m.logger.Error("Failed to load thread",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	m.writeState(w)
}

// HandleState responds with the current session state.
func (m Main) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.writeState(w)
}

// HandleChatList responds with the known threads, most recent first.
func (m Main) HandleChatList(w http.ResponseWriter, r *http.Request) {
	chats, err := m.chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, chats)
}

func (m Main) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, "thread_id is required", http.StatusBadRequest)
		return
	}
	if m.index == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := m.index.DeleteChat(r.Context(), threadID); err != nil {
		m.logger.Error("Failed to delete chat",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	chats, err := m.chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
	} else {
		m.publishJSON(chatsSSEType, chats, chatsSSETopic)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE serves Server-Sent Events connections. Clients may pass a "message_id" query parameter to
// receive the updates of that message.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// MessageUpdated publishes the rendered message to its subscribers.
func (m Main) MessageUpdated(msg models.Message) {
	view, err := m.renderMessage(msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.publishJSON(messagesSSEType, view, messageIDTopic(msg.ID))

	if !msg.IsStreaming && msg.Role == models.RoleAssistant {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData(msg.ID)
		_ = m.sseSrv.Publish(e, messageIDTopic(msg.ID))
	}
}

// TimelineUpdated publishes the step timeline of the in-flight turn.
func (m Main) TimelineUpdated(steps []models.PipelineStep) {
	if steps == nil {
		steps = []models.PipelineStep{}
	}
	m.publishJSON(stepsSSEType, steps, sse.DefaultTopic)
}

// ThreadFinished records the thread in the chat index and publishes the updated list. The title is the
// first question of the thread.
func (m Main) ThreadFinished(threadID string) {
	if m.index == nil || threadID == "" {
		return
	}

	title := ""
	for _, msg := range m.session.Store().State().Messages {
		if msg.Role == models.RoleUser {
			title = chatTitle(msg.Content)
			break
		}
	}

	ctx := context.Background()
	err := m.index.UpsertChat(ctx, models.Chat{
		ID:        threadID,
		Title:     title,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		m.logger.Error("Failed to record chat",
			slog.String("threadID", threadID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	chats, err := m.chats(ctx)
	if err != nil {
		m.logger.Error("Failed to list chats", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publishJSON(chatsSSEType, chats, chatsSSETopic)
}

// TurnFailed publishes the error of an aborted turn.
func (m Main) TurnFailed(messageID string, turnErr conversation.TurnError) {
	m.publishJSON(turnErrorSSEType, turnError{
		MessageID: messageID,
		Kind:      string(turnErr.Kind),
		Message:   turnErr.Message,
	}, sse.DefaultTopic)
}

func (m Main) chats(ctx context.Context) ([]models.Chat, error) {
	if m.index == nil {
		return []models.Chat{}, nil
	}
	chats, err := m.index.Chats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chats: %w", err)
	}
	if chats == nil {
		chats = []models.Chat{}
	}
	return chats, nil
}

func (m Main) writeState(w http.ResponseWriter) {
	st := m.session.Store().State()

	view := state{
		ThreadID: st.ThreadID,
		Messages: make([]message, 0, len(st.Messages)),
		Timeline: st.Timeline,
		Stats:    st.Stats,
	}
	if view.Timeline == nil {
		view.Timeline = []models.PipelineStep{}
	}
	if st.Error != nil {
		view.Error = &turnError{Kind: string(st.Error.Kind), Message: st.Error.Message}
	}

	for _, msg := range st.Messages {
		mv, err := m.renderMessage(msg)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		view.Messages = append(view.Messages, mv)
	}

	writeJSON(w, view)
}

// renderMessage converts the markdown content of msg to HTML. The generated queries of an assistant
// message are appended as highlighted code blocks once the message stopped streaming.
func (m Main) renderMessage(msg models.Message) (message, error) {
	src := msg.Content
	if msg.Role == models.RoleAssistant && !msg.IsStreaming {
		src += queriesMarkdown(msg.SideChannels.SubQueryResults)
	}

	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(src), &buf); err != nil {
		return message{}, fmt.Errorf("failed to convert markdown: %w", err)
	}

	return message{
		ID:           msg.ID,
		Role:         string(msg.Role),
		Content:      msg.Content,
		HTML:         buf.String(),
		IsStreaming:  msg.IsStreaming,
		Timestamp:    msg.Timestamp,
		SideChannels: msg.SideChannels,
		Steps:        msg.Steps,
		Stats:        msg.Stats,
	}, nil
}

func queriesMarkdown(results []models.QueryResult) string {
	var sb strings.Builder
	for _, res := range results {
		if res.Query == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\n```%s\n%s\n```", res.Language, strings.TrimRight(res.Query, "\n"))
	}
	return sb.String()
}

func (m Main) publishJSON(typ string, v any, topics ...string) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to marshal event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sse.Type(typ)}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, topics...); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func chatTitle(question string) string {
	title := strings.Join(strings.Fields(question), " ")
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength]) + "…"
	}
	return title
}

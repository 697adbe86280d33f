package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/conversation"
	"github.com/MegaGrindStone/atlas-chat/internal/models"
	"github.com/MegaGrindStone/atlas-chat/internal/session"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
)

// Session is the conversation session the relay drives. It is implemented by *session.Controller.
type Session interface {
	StartTurn(ctx context.Context, question, priorThreadID string, overrides models.Overrides) error
	Cancel() bool
	ClearSession()
	LoadThread(ctx context.Context, threadID string) (session.Thread, error)
	Store() *conversation.Store
}

// ChatIndex defines the interface for the conversation list. It records every thread this client
// streamed into and lists them most recent first.
type ChatIndex interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	UpsertChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error
}

// Main relays a conversation session to browsers: HTTP endpoints start, cancel and load turns, and
// every store transition is pushed to subscribers through server-sent events.
type Main struct {
	sseSrv   *sse.Server
	markdown goldmark.Markdown

	session Session
	index   ChatIndex

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"
	errLoggerKey  = "error"
)

// NewMain creates a new Main relaying sess and recording finished threads in index. The SSE server
// subscribes every client to the default and chats topics, and to a message topic when the client asks
// for updates of a particular message. Main subscribes itself to the session's store.
func NewMain(sess Session, index ChatIndex, logger *slog.Logger) (Main, error) {
	if sess == nil {
		return Main{}, fmt.Errorf("session is required")
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		markdown: goldmark.New(
			goldmark.WithExtensions(
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
		),
		session: sess,
		index:   index,
		logger:  logger.With(slog.String("module", "handlers")),
	}

	sess.Store().Subscribe(m)

	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Shutdown aborts the in-flight turn and gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.session.Cancel()

	e := &sse.Message{Type: sse.Type("closeChat")}
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

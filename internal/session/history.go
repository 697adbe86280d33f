package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/conversation"
	"github.com/MegaGrindStone/atlas-chat/internal/models"
	"github.com/google/uuid"
)

// HistoryFetcher reads the persisted transcript of a thread.
type HistoryFetcher interface {
	FetchThread(ctx context.Context, threadID string) (models.Transcript, error)
}

// Thread is a conversation rebuilt from its persisted transcript.
type Thread struct {
	ID        string
	Messages  []models.Message
	Overrides models.Overrides
}

// Hydrator rebuilds threads from persisted transcripts. It only reads the ThreadCache.
type Hydrator struct {
	fetcher HistoryFetcher
	cache   *conversation.ThreadCache
	logger  *slog.Logger
}

// NewHydrator creates a Hydrator reading transcripts from fetcher and step timelines from cache.
func NewHydrator(fetcher HistoryFetcher, cache *conversation.ThreadCache, logger *slog.Logger) Hydrator {
	return Hydrator{
		fetcher: fetcher,
		cache:   cache,
		logger:  logger,
	}
}

// LoadThread fetches the transcript of threadID and rebuilds its messages in transcript order. The i-th
// assistant message receives the side channels of its turn summary and, only when this process streamed
// that turn, its cached step timeline. Step detail is never synthesized.
func (h Hydrator) LoadThread(ctx context.Context, threadID string) (Thread, error) {
	tr, err := h.fetcher.FetchThread(ctx, threadID)
	if err != nil {
		return Thread{}, fmt.Errorf("failed to fetch thread %s: %w", threadID, err)
	}

	summaries := pairSummaries(tr.TurnSummaries)
	now := time.Now()

	msgs := make([]models.Message, 0, len(tr.Messages))
	turnIndex := 0
	for _, tm := range tr.Messages {
		msg := models.Message{
			ID:        uuid.New().String(),
			Role:      tm.Role,
			Content:   tm.Content,
			Timestamp: now,
		}

		if tm.Role == models.RoleAssistant {
			if s, ok := summaries(turnIndex); ok {
				msg.SideChannels = s.SideChannels()
				msg.Stats = s.Stats()
			}
			if steps, ok := h.cache.Lookup(threadID, turnIndex); ok {
				msg.Steps = steps
			}
			turnIndex++
		}

		msgs = append(msgs, msg)
	}

	if n := len(tr.TurnSummaries); n > 0 && n != turnIndex {
		h.logger.Warn("Turn summaries do not match assistant messages",
			slog.String("threadID", threadID),
			slog.Int("summaries", n),
			slog.Int("assistantMessages", turnIndex))
	}

	return Thread{
		ID:        threadID,
		Messages:  msgs,
		Overrides: tr.Overrides,
	}, nil
}

// pairSummaries returns a lookup from assistant-turn index to summary. Summaries naming their
// message_index are matched by it; the others pair by position.
func pairSummaries(summaries []models.TurnSummary) func(int) (models.TurnSummary, bool) {
	indexed := map[int]models.TurnSummary{}
	for _, s := range summaries {
		if s.MessageIndex != nil {
			indexed[*s.MessageIndex] = s
		}
	}

	return func(i int) (models.TurnSummary, bool) {
		if s, ok := indexed[i]; ok {
			return s, true
		}
		if i < len(summaries) && summaries[i].MessageIndex == nil {
			return summaries[i], true
		}
		return models.TurnSummary{}, false
	}
}

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/MegaGrindStone/atlas-chat/internal/models"
)

// Wire event names.
const (
	EventThreadID      = "thread_id"
	EventNodeStart     = "node_start"
	EventPipelineState = "pipeline_state"
	EventAgentTalk     = "agent_talk"
	EventAtlasLinks    = "atlas_links"
	EventLinks         = "links"
	EventDone          = "done"
	EventError         = "error"
)

// ErrMalformedFrame is returned by Dispatch when a recognized frame carries a payload that cannot be
// decoded. Only the offending frame is lost.
var ErrMalformedFrame = errors.New("malformed frame")

const readChunkSize = 4096

const errLoggerKey = "error"

type threadPayload struct {
	ThreadID string `json:"thread_id"`
}

type nodeStartPayload struct {
	Node       string `json:"node"`
	Label      string `json:"label"`
	QueryIndex *int   `json:"query_index"`
}

type pipelineStatePayload struct {
	Stage string `json:"stage"`
	StageFields
}

type agentTalkPayload struct {
	Content string `json:"content"`
}

type linksPayload struct {
	Links []models.Link `json:"links"`
}

type donePayload struct {
	ThreadID string `json:"thread_id"`
	models.AggregateStats
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Dispatch maps a frame to its domain event. Frames with an unrecognized event name yield a nil event
// and a nil error.
func Dispatch(f Frame) (Event, error) {
	switch f.Event {
	case EventThreadID:
		var p threadPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		if p.ThreadID == "" {
			return nil, fmt.Errorf("%w: %s without thread_id", ErrMalformedFrame, f.Event)
		}
		return ThreadIdentified{ThreadID: p.ThreadID}, nil

	case EventNodeStart:
		var p nodeStartPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		if p.Node == "" {
			return nil, fmt.Errorf("%w: %s without node", ErrMalformedFrame, f.Event)
		}
		return StageStarted{StageID: p.Node, Label: p.Label, QueryIndex: p.QueryIndex}, nil

	case EventPipelineState:
		var p pipelineStatePayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		if p.Stage == "" {
			return nil, fmt.Errorf("%w: %s without stage", ErrMalformedFrame, f.Event)
		}
		return StageUpdated{StageID: p.Stage, Fields: p.StageFields, Raw: json.RawMessage(f.Payload)}, nil

	case EventAgentTalk:
		var p agentTalkPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		return ContentAppended{Content: p.Content}, nil

	case EventAtlasLinks, EventLinks:
		var p linksPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		return LinksAppended{Links: p.Links}, nil

	case EventDone:
		var p donePayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		return TurnFinished{ThreadID: p.ThreadID, Stats: p.AggregateStats}, nil

	case EventError:
		var p errorPayload
		if err := decode(f, &p); err != nil {
			// An error frame is meaningful even when its payload is not.
			return TransportFailed{Reason: f.Payload}, nil
		}
		reason := p.Message
		if reason == "" {
			reason = p.Error
		}
		return TransportFailed{Reason: reason}, nil
	}
	return nil, nil
}

func decode(f Frame, v any) error {
	if err := json.Unmarshal([]byte(f.Payload), v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedFrame, f.Event, err)
	}
	return nil
}

// Events returns the sequence of domain events read from r. The sequence reads r chunk by chunk,
// decodes frames across chunk boundaries and dispatches them in arrival order. Malformed frames are
// logged and skipped. A read error other than io.EOF is yielded once and ends the sequence. Each call
// starts from a fresh decoder, so the sequence is restartable per turn but a given reader can only be
// consumed once.
func Events(r io.Reader, logger *slog.Logger) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var dec Decoder
		buf := make([]byte, readChunkSize)

		emit := func(frames []Frame) bool {
			for _, f := range frames {
				ev, err := Dispatch(f)
				if err != nil {
					logger.Warn("Skipping malformed frame",
						slog.String("event", f.Event),
						slog.String(errLoggerKey, err.Error()))
					continue
				}
				if ev == nil {
					logger.Debug("Ignoring unknown event", slog.String("event", f.Event))
					continue
				}
				if !yield(ev, nil) {
					return false
				}
			}
			return true
		}

		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !emit(dec.Feed(buf[:n])) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				emit(dec.End())
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("failed to read stream: %w", err))
				return
			}
		}
	}
}

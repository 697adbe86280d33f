package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Chat is an entry of the conversation list. ID is the thread id assigned by the pipeline, Title is
// derived from the first question asked in the thread.
type Chat struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message. A message with this role only carries text content.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. A message with this role carries streamed text
	// content and the side-channel data reported by the pipeline.
	RoleAssistant Role = "assistant"
)

// Overrides are per-turn pipeline overrides. Each key is sent as a top-level "override_<key>" field of
// the turn request body.
type Overrides map[string]string

const overridePrefix = "override_"

// TurnRequest is the body sent to the pipeline once per turn.
type TurnRequest struct {
	Question  string
	ThreadID  string
	Overrides Overrides
}

// MarshalJSON flattens the overrides into "override_*" fields next to the question.
func (t TurnRequest) MarshalJSON() ([]byte, error) {
	body := map[string]string{
		"question": t.Question,
	}
	if t.ThreadID != "" {
		body["thread_id"] = t.ThreadID
	}
	for k, v := range t.Overrides {
		k = strings.TrimPrefix(k, overridePrefix)
		if k == "" {
			continue
		}
		body[overridePrefix+k] = v
	}
	return json.Marshal(body)
}

package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Transcript is a persisted thread as returned by the history endpoint. The endpoint answers either a
// bare list of messages or an object carrying messages, per-turn summaries and the overrides the
// thread was run with.
type Transcript struct {
	Messages      []TranscriptMessage `json:"messages"`
	TurnSummaries []TurnSummary       `json:"turn_summaries,omitempty"`
	Overrides     Overrides           `json:"overrides,omitempty"`
}

// TranscriptMessage is one persisted message.
type TranscriptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TurnSummary carries the side-channel data of one assistant turn. Summaries pair with assistant
// messages by position unless MessageIndex names the assistant turn explicitly.
type TurnSummary struct {
	MessageIndex    *int                   `json:"message_index,omitempty"`
	QueryResults    []QueryResult          `json:"query_results,omitempty"`
	Links           []Link                 `json:"links,omitempty"`
	DocsConsulted   []Doc                  `json:"docs_consulted,omitempty"`
	ExternalQueries []ExternalQuerySummary `json:"external_queries,omitempty"`
	Classification  string                 `json:"classification,omitempty"`

	TotalRows            *int     `json:"total_rows,omitempty"`
	TotalQueries         *int     `json:"total_queries,omitempty"`
	TotalExecutionTimeMS *float64 `json:"total_execution_time_ms,omitempty"`
	TotalTimeMS          *float64 `json:"total_time_ms,omitempty"`
}

// UnmarshalJSON accepts both shapes of the history response.
func (t *Transcript) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var msgs []TranscriptMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			return fmt.Errorf("failed to unmarshal transcript messages: %w", err)
		}
		*t = Transcript{Messages: msgs}
		return nil
	}

	type transcript Transcript
	var v transcript
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to unmarshal transcript: %w", err)
	}
	*t = Transcript(v)
	return nil
}

// SideChannels converts the summary into the side channels of its assistant message.
func (s TurnSummary) SideChannels() SideChannels {
	return SideChannels{
		Links:                  s.Links,
		Docs:                   s.DocsConsulted,
		SubQueryResults:        s.QueryResults,
		ExternalQuerySummaries: s.ExternalQueries,
		Classification:         s.Classification,
	}
}

// Stats returns the per-turn totals, or nil when the summary carries none.
func (s TurnSummary) Stats() *AggregateStats {
	if s.TotalRows == nil && s.TotalQueries == nil && s.TotalExecutionTimeMS == nil && s.TotalTimeMS == nil {
		return nil
	}
	var st AggregateStats
	if s.TotalRows != nil {
		st.TotalRows = *s.TotalRows
	}
	if s.TotalQueries != nil {
		st.TotalQueries = *s.TotalQueries
	}
	if s.TotalExecutionTimeMS != nil {
		st.TotalExecutionTimeMS = *s.TotalExecutionTimeMS
	}
	if s.TotalTimeMS != nil {
		st.TotalTimeMS = *s.TotalTimeMS
	}
	return &st
}

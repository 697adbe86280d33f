package models

import (
	"encoding/json"
	"slices"
	"time"
)

// Message is one entry of the conversation. The assistant message of a turn is created as an empty
// placeholder with IsStreaming set, its Content and SideChannels are mutated in place while the turn
// streams, and it is never mutated once IsStreaming flips to false.
type Message struct {
	ID          string
	Role        Role
	Content     string
	IsStreaming bool
	Timestamp   time.Time

	SideChannels SideChannels

	// Steps is the pipeline timeline snapshotted onto the message when its turn received its first
	// content fragment. Empty for messages whose steps were never observed by this process.
	Steps []PipelineStep
	// Stats is filled once the turn finished.
	Stats *AggregateStats
}

// SideChannels holds the auxiliary data attached to an assistant message beyond its text.
type SideChannels struct {
	Links                  []Link                 `json:"links,omitempty"`
	Docs                   []Doc                  `json:"docs,omitempty"`
	SubQueryResults        []QueryResult          `json:"query_results,omitempty"`
	ExternalQuerySummaries []ExternalQuerySummary `json:"external_queries,omitempty"`
	Classification         string                 `json:"classification,omitempty"`
}

// Link is a reference emitted alongside the answer.
type Link struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// UnmarshalJSON accepts either a bare URL string or an object.
func (l *Link) UnmarshalJSON(data []byte) error {
	var url string
	if err := json.Unmarshal(data, &url); err == nil {
		*l = Link{URL: url}
		return nil
	}
	type link Link
	var v link
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = Link(v)
	return nil
}

// Doc is a documentation page consulted by the pipeline.
type Doc struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// QueryResult is one generated sub-query and, once executed, its outcome. A two-phase stage edits a
// single QueryResult: the generate phase appends it, the execute phase completes it.
type QueryResult struct {
	Stage           string          `json:"stage,omitempty"`
	Language        string          `json:"language,omitempty"`
	Query           string          `json:"query"`
	QueryIndex      *int            `json:"query_index,omitempty"`
	Rows            json.RawMessage `json:"rows,omitempty"`
	RowCount        *int            `json:"row_count,omitempty"`
	ExecutionTimeMS *float64        `json:"execution_time_ms,omitempty"`
	Error           string          `json:"error,omitempty"`
	Executed        bool            `json:"executed,omitempty"`
}

// ExternalQuerySummary summarizes a query the pipeline ran against an external system, such as an
// entity resolver.
type ExternalQuerySummary struct {
	Source      string `json:"source,omitempty"`
	Query       string `json:"query,omitempty"`
	Summary     string `json:"summary,omitempty"`
	ResultCount *int   `json:"result_count,omitempty"`
}

// Clone returns a deep copy of the message so it can be handed out of the store.
func (m Message) Clone() Message {
	c := m
	c.SideChannels = m.SideChannels.Clone()
	c.Steps = slices.Clone(m.Steps)
	if m.Stats != nil {
		s := *m.Stats
		c.Stats = &s
	}
	return c
}

// Clone returns a deep copy of the side channels.
func (s SideChannels) Clone() SideChannels {
	c := SideChannels{
		Links:                  slices.Clone(s.Links),
		Docs:                   slices.Clone(s.Docs),
		SubQueryResults:        slices.Clone(s.SubQueryResults),
		ExternalQuerySummaries: slices.Clone(s.ExternalQuerySummaries),
		Classification:         s.Classification,
	}
	for i := range c.SubQueryResults {
		c.SubQueryResults[i].Rows = slices.Clone(c.SubQueryResults[i].Rows)
	}
	return c
}

// Empty reports whether no side-channel data was collected.
func (s SideChannels) Empty() bool {
	return len(s.Links) == 0 && len(s.Docs) == 0 && len(s.SubQueryResults) == 0 &&
		len(s.ExternalQuerySummaries) == 0 && s.Classification == ""
}

package stream

import (
	"encoding/json"

	"github.com/MegaGrindStone/atlas-chat/internal/models"
)

// Event is a typed domain event decoded from a frame. The set of implementations is closed:
// ThreadIdentified, StageStarted, StageUpdated, ContentAppended, LinksAppended, TurnFinished and
// TransportFailed.
type Event interface {
	isEvent()
}

// ThreadIdentified announces the thread the turn belongs to.
type ThreadIdentified struct {
	ThreadID string
}

// StageStarted reports that a pipeline stage began.
type StageStarted struct {
	StageID    string
	Label      string
	QueryIndex *int
}

// StageUpdated reports progress or completion of a stage, with stage-specific fields.
type StageUpdated struct {
	StageID string
	Fields  StageFields
	// Raw is the undecoded payload, kept for stages whose fields are not modelled.
	Raw json.RawMessage
}

// StageFields are the stage-specific fields of a pipeline_state payload that feed the side channels.
// Absent fields keep their zero value.
type StageFields struct {
	Label       string `json:"label,omitempty"`
	Detail      string `json:"detail,omitempty"`
	QueryIndex  *int   `json:"query_index,omitempty"`
	SQL         string `json:"sql,omitempty"`
	GraphQL     string `json:"graphql,omitempty"`
	Query       string `json:"query,omitempty"`
	Description string `json:"description,omitempty"`

	Rows            json.RawMessage `json:"rows,omitempty"`
	RowCount        *int            `json:"row_count,omitempty"`
	ExecutionTimeMS *float64        `json:"execution_time_ms,omitempty"`
	Error           string          `json:"error,omitempty"`

	Classification string       `json:"classification,omitempty"`
	Docs           []models.Doc `json:"docs,omitempty"`

	Source      string `json:"source,omitempty"`
	Summary     string `json:"summary,omitempty"`
	ResultCount *int   `json:"result_count,omitempty"`
}

// ContentAppended carries one fragment of the answer text.
type ContentAppended struct {
	Content string
}

// LinksAppended carries links emitted alongside the answer.
type LinksAppended struct {
	Links []models.Link
}

// TurnFinished terminates a turn and carries its totals.
type TurnFinished struct {
	ThreadID string
	Stats    models.AggregateStats
}

// TransportFailed reports that the stream failed, either because the server said so or because the
// connection broke.
type TransportFailed struct {
	Reason string
}

func (ThreadIdentified) isEvent() {}
func (StageStarted) isEvent()     {}
func (StageUpdated) isEvent()     {}
func (ContentAppended) isEvent()  {}
func (LinksAppended) isEvent()    {}
func (TurnFinished) isEvent()     {}
func (TransportFailed) isEvent()  {}

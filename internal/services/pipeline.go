package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/atlas-chat/internal/models"
)

// Pipeline talks to the remote question-answering pipeline: it opens the event stream of a turn and
// reads persisted thread transcripts.
type Pipeline struct {
	baseURL    string
	streamPath string
	threadPath string
	apiKey     string

	client *http.Client

	logger *slog.Logger
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

const (
	defaultStreamPath = "/chat/stream"
	defaultThreadPath = "/threads"
)

// WithPaths overrides the stream and thread endpoint paths. Empty values keep the defaults.
func WithPaths(streamPath, threadPath string) PipelineOption {
	return func(p *Pipeline) {
		if streamPath != "" {
			p.streamPath = streamPath
		}
		if threadPath != "" {
			p.threadPath = threadPath
		}
	}
}

// WithAPIKey sends apiKey as a bearer token.
func WithAPIKey(apiKey string) PipelineOption {
	return func(p *Pipeline) {
		p.apiKey = apiKey
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) PipelineOption {
	return func(p *Pipeline) {
		p.client = client
	}
}

// NewPipeline creates a Pipeline client for the pipeline served at baseURL. The HTTP client has no
// overall timeout because turn streams are long-lived; the session enforces its own deadlines.
func NewPipeline(baseURL string, logger *slog.Logger, opts ...PipelineOption) Pipeline {
	p := Pipeline{
		baseURL:    strings.TrimRight(baseURL, "/"),
		streamPath: defaultStreamPath,
		threadPath: defaultThreadPath,
		client:     &http.Client{},
		logger:     logger.With(slog.String("module", "pipeline")),
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// StreamTurn posts req and returns the response body, which carries the turn's event stream. Non-2xx
// responses are reported as errors and their body is closed.
func (p Pipeline) StreamTurn(ctx context.Context, req models.TurnRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.streamPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	p.authorize(httpReq)

	p.logger.Debug("Starting turn",
		slog.String("threadID", req.ThreadID),
		slog.Int("overrides", len(req.Overrides)))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(raw))
	}

	return resp.Body, nil
}

// FetchThread reads the persisted transcript of threadID.
func (p Pipeline) FetchThread(ctx context.Context, threadID string) (models.Transcript, error) {
	u := p.baseURL + p.threadPath + "/" + url.PathEscape(threadID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Transcript{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.Transcript{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.Transcript{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(raw))
	}

	var tr models.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return models.Transcript{}, fmt.Errorf("error decoding transcript: %w", err)
	}
	return tr, nil
}

func (p Pipeline) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

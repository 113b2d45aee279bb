// Package memoryclient implements the Memory Client: the
// runner-side wrapper that calls the memory service's prepare/ack HTTP
// endpoints around a single agent invocation, injecting the compiled XML
// into the prompt and gracefully degrading to an uninjected run whenever
// the service is disabled, unreachable, or returns an error.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config points the client at a running memory service.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client wraps the memory service's prepare/ack pair.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}, logger: logger.With("component", "memory-client")}
}

// PrepareRequest mirrors the memory service's POST /v1/turn/prepare body.
type PrepareRequest struct {
	ModeID     string `json:"modeId"`
	SessionKey string `json:"sessionKey"`
	Engine     string `json:"engine"`
	ForceFull  bool   `json:"forceFull,omitempty"`
}

type prepareResponse struct {
	PrepareID    string `json:"prepareId"`
	Mode         string `json:"mode"`
	FromRevision int64  `json:"fromRevision"`
	ToRevision   int64  `json:"toRevision"`
	XML          string `json:"xml"`
}

// Outcome is what RunWithMemory hands back: the (possibly XML-prefixed)
// prompt to execute, and an ack callback the caller invokes with the run's
// success/failure once it knows the result.
type Outcome struct {
	Prompt   string
	Injected bool
	ack      func(ctx context.Context, success bool)
}

// Ack reports the run's outcome. A no-op when memory was never prepared
// (disabled, unset mode, or a failed prepare) — step 5
// applies after a successful prepare.
func (o Outcome) Ack(ctx context.Context, success bool) {
	if o.ack != nil {
		o.ack(ctx, success)
	}
}

// Prepare 1-3: decide whether memory applies,
// call prepare, and prefix the prompt when the compiled XML is non-empty.
// sessionIDAbsent (no agent session id to resume for this turn) forces
// forceFull.
func (c *Client) Prepare(ctx context.Context, modeID, sessionKey, engine, prompt string, sessionIDAbsent bool) Outcome {
	if !c.cfg.Enabled || modeID == "" {
		return Outcome{Prompt: prompt}
	}

	req := PrepareRequest{ModeID: modeID, SessionKey: sessionKey, Engine: engine, ForceFull: sessionIDAbsent}
	resp, err := c.postPrepare(ctx, req)
	if err != nil {
		c.logger.Warn("memory prepare failed, running without injection", "mode_id", modeID, "error", err)
		return Outcome{Prompt: prompt}
	}

	finalPrompt := prompt
	injected := false
	if (resp.Mode == "full" || resp.Mode == "delta") && resp.XML != "" {
		finalPrompt = resp.XML + "\n\n" + prompt
		injected = true
	}

	prepareID := resp.PrepareID
	return Outcome{
		Prompt:   finalPrompt,
		Injected: injected,
		ack: func(ackCtx context.Context, success bool) {
			status := "failed"
			if success {
				status = "success"
			}
			if err := c.postAck(ackCtx, modeID, prepareID, sessionKey, status); err != nil {
				c.logger.Warn("memory ack failed", "mode_id", modeID, "prepare_id", prepareID, "error", err)
			}
		},
	}
}

func (c *Client) postPrepare(ctx context.Context, req PrepareRequest) (*prepareResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal prepare request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/turn/prepare", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build prepare request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call prepare: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read prepare response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prepare returned status %d: %s", httpResp.StatusCode, string(raw))
	}

	var out prepareResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode prepare response: %w", err)
	}
	return &out, nil
}

type ackRequest struct {
	ModeID     string `json:"modeId"`
	PrepareID  string `json:"prepareId"`
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}

func (c *Client) postAck(ctx context.Context, modeID, prepareID, sessionKey, status string) error {
	body, err := json.Marshal(ackRequest{ModeID: modeID, PrepareID: prepareID, SessionKey: sessionKey, Status: status})
	if err != nil {
		return fmt.Errorf("marshal ack request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/turn/ack", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ack request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call ack: %w", err)
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, httpResp.Body)

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("ack returned status %d", httpResp.StatusCode)
	}
	return nil
}

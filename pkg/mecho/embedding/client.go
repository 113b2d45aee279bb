// Package embedding implements the external embedding endpoint client used
// by the memory service's archival search. This client tolerates a legacy
// /embeddings path and a modern /v1/embeddings path, and decodes whichever
// response shape the configured endpoint actually returns using
// tidwall/gjson rather than a single rigid struct.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Config points the client at an embedding endpoint.
type Config struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Client calls an OpenAI-compatible embeddings endpoint, falling back from
// the legacy unversioned path to /v1/embeddings on a 404 (
// question: "some self-hosted endpoints still only serve the legacy path").
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": c.cfg.Model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	base := strings.TrimRight(c.cfg.BaseURL, "/")
	vectors, err := c.post(ctx, base+"/embeddings", body, len(texts))
	if err != nil && isNotFound(err) {
		vectors, err = c.post(ctx, base+"/v1/embeddings", body, len(texts))
	}
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("embedding: endpoint returned status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusNotFound
}

func (c *Client) post(ctx context.Context, url string, body []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: call %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, body: string(raw)}
	}

	return decodeVectors(raw, want)
}

// decodeVectors tolerates the several response shapes observed across
// embedding providers: OpenAI-style {"data":[{"embedding":[...],"index":n}]},
// a bare top-level {"embeddings":[[...]]} array, or a single-input
// {"embedding":[...]} object.
func decodeVectors(raw []byte, want int) ([][]float32, error) {
	root := gjson.ParseBytes(raw)
	if errMsg := root.Get("error.message"); errMsg.Exists() {
		return nil, fmt.Errorf("embedding: endpoint error: %s", errMsg.String())
	}

	out := make([][]float32, want)

	if data := root.Get("data"); data.IsArray() {
		data.ForEach(func(_, item gjson.Result) bool {
			idx := int(item.Get("index").Int())
			vec := toFloat32Slice(item.Get("embedding"))
			if idx >= 0 && idx < want {
				out[idx] = vec
			}
			return true
		})
		return out, nil
	}

	if arr := root.Get("embeddings"); arr.IsArray() {
		i := 0
		arr.ForEach(func(_, item gjson.Result) bool {
			if i < want {
				out[i] = toFloat32Slice(item)
			}
			i++
			return true
		})
		return out, nil
	}

	if single := root.Get("embedding"); single.IsArray() && want == 1 {
		out[0] = toFloat32Slice(single)
		return out, nil
	}

	return nil, fmt.Errorf("embedding: unrecognized response shape")
}

func toFloat32Slice(r gjson.Result) []float32 {
	if !r.IsArray() {
		return nil
	}
	vals := r.Array()
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v.Float())
	}
	return out
}

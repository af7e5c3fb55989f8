// Package remote executes processing stages against a remote workbench
// service over HTTP. The client satisfies the workflow engine's
// Executor contract, so the engine can prefer remote execution and fall
// back to the local stage implementations when the service is down.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
	"github.com/metaboflow/metaboflow/pkg/stages"
)

const (
	defaultTimeout = 30 * time.Second

	processPath = "/process"
	healthPath  = "/health"
)

// Client calls the remote processing service. It owns its own timeout;
// callers never need to wrap ExecuteStep in a deadline.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// processRequest is the wire form of one stage execution request.
type processRequest struct {
	Step       stages.StepType         `json:"step"`
	Data       []*model.SampleDocument `json:"data"`
	Parameters map[string]interface{}  `json:"parameters,omitempty"`
}

// processResponse mirrors the service's response: documents, a human
// message, and per-stage counters as optional top-level fields.
type processResponse struct {
	Data    []*model.SampleDocument `json:"data"`
	Message string                  `json:"message"`
	Error   string                  `json:"error,omitempty"`

	PeaksDetected       *int `json:"peaksDetected,omitempty"`
	AlignedFeatures     *int `json:"alignedFeatures,omitempty"`
	PeaksFiltered       *int `json:"peaksFiltered,omitempty"`
	CompoundsIdentified *int `json:"compoundsIdentified,omitempty"`
	SignificantFeatures *int `json:"significantFeatures,omitempty"`
}

func (r *processResponse) counts() map[string]int {
	out := map[string]int{}
	for name, v := range map[string]*int{
		stages.CountPeaksDetected:       r.PeaksDetected,
		stages.CountAlignedFeatures:     r.AlignedFeatures,
		stages.CountPeaksFiltered:       r.PeaksFiltered,
		stages.CountCompoundsIdentified: r.CompoundsIdentified,
		stages.CountSignificantFeatures: r.SignificantFeatures,
	} {
		if v != nil {
			out[name] = *v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ExecuteStep runs one stage on the remote service.
func (c *Client) ExecuteStep(ctx context.Context, step stages.StepType, docs []*model.SampleDocument, params map[string]interface{}) (*stages.Output, error) {
	body, err := json.Marshal(processRequest{Step: step, Data: docs, Parameters: params})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeRemoteExecution, "encoding process request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeRemoteExecution, "building process request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.RemoteExecution(string(step), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, errors.RemoteExecution(string(step), err)
	}

	var pr processResponse
	if resp.StatusCode != http.StatusOK {
		// The service reports stage errors as {"error": "..."} bodies.
		if json.Unmarshal(raw, &pr) == nil && pr.Error != "" {
			return nil, errors.New(errors.CodeRemoteExecution, pr.Error).
				WithContext("step", string(step)).
				WithContext("status", resp.StatusCode)
		}
		return nil, errors.New(errors.CodeRemoteExecution,
			fmt.Sprintf("remote service returned status %d", resp.StatusCode)).
			WithContext("step", string(step))
	}

	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, errors.Wrap(err, errors.CodeRemoteExecution, "decoding process response").
			WithContext("step", string(step))
	}
	if len(pr.Data) == 0 {
		return nil, errors.New(errors.CodeRemoteExecution, "remote service returned no documents").
			WithContext("step", string(step))
	}

	return &stages.Output{
		Documents: pr.Data,
		Message:   pr.Message,
		Counts:    pr.counts(),
	}, nil
}

// Healthy reports whether the remote service answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode == http.StatusOK
}

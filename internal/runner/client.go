package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brook-data/brook/manager/internal/domain"
)

// pipelineClient speaks the control protocol every pipeline process exposes:
// GET /status plus POST /start, /pause, /shutdown. Probes are short-lived; a
// slow pipeline is indistinguishable from a dead one past the probe timeout.
type pipelineClient struct {
	http *http.Client
}

func newPipelineClient() *pipelineClient {
	return &pipelineClient{
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// processStatus is what a pipeline process reports on GET /status.
// State uses the same PascalCase vocabulary as the lifecycle states.
type processStatus struct {
	State string                `json:"state"`
	Error *domain.PipelineError `json:"error,omitempty"`
}

func (c *pipelineClient) status(ctx context.Context, addr string) (*processStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status probe: pipeline answered %d", resp.StatusCode)
	}
	var st processStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return nil, fmt.Errorf("status probe: decode: %w", err)
	}
	return &st, nil
}

// action posts one of the lifecycle verbs (start, pause, shutdown).
func (c *pipelineClient) action(ctx context.Context, addr, verb string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/"+verb, strings.NewReader(""))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: pipeline answered %d", verb, resp.StatusCode)
	}
	return nil
}

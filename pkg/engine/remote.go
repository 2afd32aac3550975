package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignatij/docflow/pkg/models"
	"github.com/pkg/errors"
)

const DefaultRemoteTimeout = 60 * time.Second

// RemoteDriver runs components behind an HTTP endpoint. The component target
// is the URL documents are posted to.
type RemoteDriver struct {
	client *http.Client
}

func NewRemoteDriver(client *http.Client) *RemoteDriver {
	if client == nil {
		client = &http.Client{Timeout: DefaultRemoteTimeout}
	}
	return &RemoteDriver{client: client}
}

func (d *RemoteDriver) Name() string { return "remote" }

func (d *RemoteDriver) Setup(context.Context) error { return nil }

func (d *RemoteDriver) Instantiate(_ context.Context, c models.PipelineComponent, index int) (Instance, error) {
	if c.Target == "" {
		return nil, errors.Errorf("remote component %s has no endpoint", c.ID)
	}
	return &remoteInstance{id: fmt.Sprintf("%s-%d", c.ID, index), endpoint: c.Target, client: d.client}, nil
}

func (d *RemoteDriver) Shutdown(context.Context) error {
	d.client.CloseIdleConnections()
	return nil
}

type remoteInstance struct {
	id       string
	endpoint string
	client   *http.Client
}

type remoteRequest struct {
	Path     string            `json:"path"`
	Text     string            `json:"text"`
	Language string            `json:"language,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

type remoteResponse struct {
	Payload     json.RawMessage `json:"payload"`
	Annotations map[string]int  `json:"annotations"`
}

func (i *remoteInstance) ID() string       { return i.id }
func (i *remoteInstance) Endpoint() string { return i.endpoint }
func (i *remoteInstance) Close() error     { return nil }

func (i *remoteInstance) Process(ctx context.Context, req Request) (Result, error) {
	var durations models.PhaseDurations

	start := time.Now()
	body, err := json.Marshal(remoteRequest{Path: req.Path, Text: string(req.Text), Language: req.Language, Options: req.Options})
	if err != nil {
		return Result{}, errors.Wrap(err, "encode request")
	}
	durations.Serialize = time.Since(start).Milliseconds()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrapf(err, "create request to %s", i.endpoint)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start = time.Now()
	resp, err := i.client.Do(httpReq)
	if err != nil {
		return Result{}, errors.Wrapf(err, "post to %s", i.endpoint)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errors.Wrapf(err, "read response of %s", i.endpoint)
	}
	durations.Process = time.Since(start).Milliseconds()
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, errors.Errorf("component %s answered %d: %s", i.id, resp.StatusCode, bytes.TrimSpace(raw))
	}

	start = time.Now()
	var decoded remoteResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, errors.Wrapf(err, "decode response of %s", i.endpoint)
	}
	durations.Deserialize = time.Since(start).Milliseconds()

	return Result{Payload: string(decoded.Payload), Annotations: decoded.Annotations, Durations: durations}, nil
}

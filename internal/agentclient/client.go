// Package agentclient proxies for a remote function agent over HTTP, the
// same shape as the scheduler's own remoteAgent: one small wrapper per
// endpoint, JSON in and out, errors classified from the status code. Each
// client additionally runs its RPCs through a circuit breaker, since unlike
// the scheduler's polling reads, FAM's deploy/kill RPCs sit on a
// retry budget that should stop hammering a genuinely dead agent early.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/sony/gobreaker"

	"github.com/soundcloud/fnproxy/internal/types"
)

const apiVersionPrefix = "/api/v1"

// Client proxies for one agent endpoint.
type Client struct {
	base       url.URL
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a Client for endpoint. The breaker trips after 5 consecutive
// failures and probes again after 30s, mirroring a conservative
// deploy/kill retry budget without needing per-call config.
func New(endpoint string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, types.NewStatus(types.CodeParameterError, "agentclient: invalid endpoint %q: %s", endpoint, err)
	}
	return &Client{
		base:       *u,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "agent:" + u.Host,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}, nil
}

// DeployRequest is the wire shape of a deploy_instance RPC.
type DeployRequest struct {
	InstanceID   string             `json:"instance_id"`
	FunctionRef  string             `json:"function_ref"`
	Resources    map[string]float64 `json:"resources"`
	BindingToken string             `json:"binding_token"`
}

// InstanceInfo is one agent-reported instance's status, returned by both
// deploy_instance and query_instance_status.
type InstanceInfo struct {
	InstanceID string               `json:"instance_id"`
	Status     types.InstanceStatus `json:"status"`
	Reason     string               `json:"reason,omitempty"`
}

func (c *Client) DeployInstance(ctx context.Context, req DeployRequest) (*InstanceInfo, error) {
	var info InstanceInfo
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/instances/%s", req.InstanceID), req, &info)
	return &info, err
}

func (c *Client) KillInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/instances/%s", instanceID), nil, nil)
}

func (c *Client) QueryInstanceStatus(ctx context.Context, instanceID string) (*InstanceInfo, error) {
	var info InstanceInfo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/instances/%s", instanceID), nil, &info)
	return &info, err
}

// DebugInstanceInfo is one agent's opaque debug blob for one of its
// instances, persisted verbatim under /yr/debug/<InstanceId> — the proxy
// never interprets its contents, only stores and serves them back.
type DebugInstanceInfo struct {
	InstanceID string          `json:"instance_id"`
	Info       json.RawMessage `json:"info"`
}

// QueryDebugInstanceInfos fetches every debug blob the agent currently
// holds, for FAM's QueryDebugInstanceInfos fan-out.
func (c *Client) QueryDebugInstanceInfos(ctx context.Context) ([]DebugInstanceInfo, error) {
	var infos []DebugInstanceInfo
	err := c.do(ctx, http.MethodGet, "/instances/debug", nil, &infos)
	return infos, err
}

// UpdateCred pushes a refreshed binding token / credential to the agent,
// e.g. after a tenant policy hook rotates one.
func (c *Client) UpdateCred(ctx context.Context, instanceID, bindingToken string) error {
	body := struct {
		BindingToken string `json:"binding_token"`
	}{BindingToken: bindingToken}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/cred", instanceID), body, nil)
}

// CleanStatus tells the agent to drop whatever bookkeeping it holds for
// this proxy, sent when a register or recover attempt fails partway
// through (e.g. after the agent accepted the registration but before
// instances synced) and the agent would otherwise be left out of step.
func (c *Client) CleanStatus(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/clean_status", nil, nil)
}

// Ping is the liveness RPC the heartbeat monitor drives.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, nil)
}

// Resources fetches the agent's current capacity/usage report, used to
// seed or refresh the Resource View's ResourceUnit for this agent.
func (c *Client) Resources(ctx context.Context) (*types.ResourceUnit, error) {
	var unit types.ResourceUnit
	err := c.do(ctx, http.MethodGet, "/resources", nil, &unit)
	return &unit, err
}

// WatchInstances opens a reconnecting SSE subscription to the agent's
// instance-status stream, the same eventsource.New(req, retry) shape
// harpoon-scheduler/agent.go used to watch container status instead of
// polling. Each event's data is one InstanceInfo; the returned channel is
// closed when ctx is done or the stream terminates permanently.
func (c *Client) WatchInstances(ctx context.Context) (<-chan InstanceInfo, error) {
	u := c.base
	u.Path = apiVersionPrefix + "/instances/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, types.NewStatus(types.CodeParameterError, "agentclient: build watch request: %s", err)
	}

	es := eventsource.New(req, 1*time.Second)
	out := make(chan InstanceInfo)

	go func() {
		defer close(out)
		defer es.Close()
		for {
			ev, err := es.Read()
			if err != nil {
				if err == eventsource.ErrClosed || ctx.Err() != nil {
					return
				}
				continue
			}
			var info InstanceInfo
			if err := json.Unmarshal(ev.Data, &info); err != nil {
				continue
			}
			select {
			case out <- info:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doOnce(ctx, method, path, body, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return types.NewStatus(types.CodeInnerCommunication, "agentclient %s: circuit open: %s", c.base.Host, err)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	u := c.base
	u.Path = apiVersionPrefix + path

	var reqBody *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return types.NewStatus(types.CodeParameterError, "agentclient: encode request: %s", err)
		}
		reqBody = bytes.NewReader(buf)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return types.NewStatus(types.CodeParameterError, "agentclient: build request: %s", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NewStatus(types.CodeInnerCommunication, "agentclient %s: %s", u.Host, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewStatus(types.CodeNotFound, "agentclient %s: %s not found", u.Host, path)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// the agent understood the deploy request but the function itself
		// is fatally broken (bad image, crashes on start) — not retryable.
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return types.NewStatus(types.CodeUserFunctionFatal, "agentclient %s: function failed: %s", u.Host, errResp.Error)
	case resp.StatusCode >= 400:
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return types.NewStatus(types.CodeInnerCommunication, "agentclient %s: HTTP %d: %s", u.Host, resp.StatusCode, errResp.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewStatus(types.CodeInnerCommunication, "agentclient %s: invalid response: %s", u.Host, err)
	}
	return nil
}

// Package gateway is the cron gateway client of §6: an opaque HTTP POST of
// {tool:"cron", args:{...}} to a configured endpoint, interpreting only the
// ok/result/error.message envelope fields per the contract. Grounded on the
// teacher's outbound http.Client usage (pkg/credentials/baserow_token.go)
// for request construction and bearer-token auth.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/openclaw/antfarm/internal/errs"
)

// Client talks to the cron gateway.
type Client struct {
	Endpoint string
	Token    string
	HTTP     *http.Client
}

// New builds a Client; an empty endpoint means no gateway is configured and
// every call returns a GatewayError.
func New(endpoint, token string) *Client {
	return &Client{
		Endpoint: endpoint,
		Token:    token,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

type envelopeRequest struct {
	Tool string   `json:"tool"`
	Args cronArgs `json:"args"`
}

type cronArgs struct {
	Action string `json:"action"`
	Job    any    `json:"job,omitempty"`
}

type envelopeResponse struct {
	OK     bool `json:"ok"`
	Result any  `json:"result,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AddJob registers a periodic polling job; job is an opaque payload the
// gateway defines the shape of.
func (c *Client) AddJob(ctx context.Context, job any) (any, error) {
	return c.call(ctx, cronArgs{Action: "add", Job: job})
}

// RemoveJob removes a previously registered job.
func (c *Client) RemoveJob(ctx context.Context, job any) (any, error) {
	return c.call(ctx, cronArgs{Action: "remove", Job: job})
}

// ListCronJobs proxies the gateway's listing for the external surface's
// listCronJobs read-only query (§4.6).
func (c *Client) ListCronJobs(ctx context.Context) (any, error) {
	return c.call(ctx, cronArgs{Action: "list"})
}

func (c *Client) call(ctx context.Context, args cronArgs) (any, error) {
	if c.Endpoint == "" {
		return nil, errs.GatewayError(fmt.Errorf("no gateway endpoint configured"), "cron %s", args.Action)
	}

	body, err := json.Marshal(envelopeRequest{Tool: "cron", Args: args})
	if err != nil {
		return nil, errs.GatewayError(err, "marshal cron request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.GatewayError(err, "build cron request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errs.GatewayError(err, "cron gateway unreachable")
	}
	defer resp.Body.Close()

	var env envelopeResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, errs.GatewayError(err, "decode cron gateway response")
	}
	if !env.OK {
		msg := "cron gateway returned a non-ok response"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return nil, errs.GatewayError(fmt.Errorf(msg), "cron %s", args.Action)
	}
	return env.Result, nil
}

// Package builtin holds the handlers and workflows every pulseline daemon
// ships with. Programs embedding the engine register their own alongside.
package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/internal/httpclient"
	"github.com/teranos/pulseline/pulse/async"
	"github.com/teranos/pulseline/pulse/workflow"
)

const (
	Noop     = "noop"
	Sleep    = "sleep"
	HTTPPost = "http.post"

	// HTTPDelivery is a workflow: skip when no url, post, summarize.
	HTTPDelivery = "http.delivery"

	// MaxSleep bounds the sleep handler.
	MaxSleep = time.Hour
)

// Register adds the built-in handlers and workflows. client carries the
// egress policy for http.post.
func Register(handlers *async.Registry, defs *workflow.Registry, client *httpclient.Client) {
	handlers.Register(async.NewHandler(Noop, "1.0.0", noop))
	handlers.Register(async.NewHandler(Sleep, "1.0.0", sleep))
	handlers.Register(async.NewHandler(HTTPPost, "1.0.0", httpPost(client)))
	if defs != nil {
		defs.Register(httpDelivery())
	}
}

func noop(ctx context.Context, params json.RawMessage, ec async.ExecContext) (json.RawMessage, error) {
	return params, nil
}

// SleepParams is the input of the sleep handler.
type SleepParams struct {
	MS int64 `json:"ms"`
}

func sleep(ctx context.Context, params json.RawMessage, ec async.ExecContext) (json.RawMessage, error) {
	var p SleepParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	d := time.Duration(p.MS) * time.Millisecond
	if d < 0 || d > MaxSleep {
		return nil, async.Permanent(errors.Newf("sleep ms must be between 0 and %d, got %d", MaxSleep.Milliseconds(), p.MS))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "sleep interrupted")
	case <-t.C:
	}
	return json.Marshal(map[string]int64{"slept_ms": p.MS})
}

// HTTPPostParams is the input of the http.post handler.
type HTTPPostParams struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// HTTPPostResult is its output.
type HTTPPostResult struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// httpPost sends body to url. 5xx, 408, 429 and transport errors are
// retried; other non-2xx statuses and refused urls are not.
func httpPost(client *httpclient.Client) async.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage, ec async.ExecContext) (json.RawMessage, error) {
		var p HTTPPostParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.URL) == "" {
			return nil, async.Permanent(errors.New("http.post requires url"))
		}
		if _, err := client.Validate(p.URL); err != nil {
			return nil, async.Permanent(err)
		}
		body := []byte(p.Body)
		if len(body) == 0 {
			body = []byte(`{}`)
		}
		headers := map[string]string{"X-Pulseline-Execution": ec.ExecutionID}
		for k, v := range p.Headers {
			headers[k] = v
		}

		resp, err := client.PostJSON(ctx, p.URL, body, headers)
		if resp == nil {
			return nil, async.Retryable(errors.Wrapf(err, "POST %s", p.URL))
		}
		if err != nil {
			err = errors.Wrapf(err, "POST %s", p.URL)
			switch {
			case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
				return nil, async.Retryable(err)
			default:
				return nil, async.Permanent(err)
			}
		}
		return json.Marshal(HTTPPostResult{Status: resp.StatusCode, Body: resp.Body})
	}
}

func httpDelivery() *workflow.Definition {
	return &workflow.Definition{
		Name:    HTTPDelivery,
		Version: "1.0.0",
		Steps: []workflow.StepDef{
			{
				Name: "has-url",
				Type: workflow.StepCondition,
				Condition: func(ctx context.Context, sc workflow.StepContext) (bool, error) {
					var p HTTPPostParams
					if err := decode(sc.Params, &p); err != nil {
						return false, err
					}
					return strings.TrimSpace(p.URL) != "", nil
				},
			},
			{
				Name: "post",
				Type: workflow.StepTask,
				Task: &workflow.TaskSpec{Workflow: HTTPPost},
			},
			{
				Name: "summarize",
				Type: workflow.StepOperation,
				Operation: func(ctx context.Context, sc workflow.StepContext) (json.RawMessage, error) {
					var res HTTPPostResult
					if raw, ok := sc.Outputs["post"]; ok {
						if err := json.Unmarshal(raw, &res); err != nil {
							return nil, errors.Wrap(err, "post output")
						}
					}
					return json.Marshal(map[string]interface{}{"delivered": res.Status >= 200 && res.Status < 300, "status": res.Status})
				},
			},
		},
	}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return async.Permanent(errors.Wrap(err, "invalid params"))
	}
	return nil
}

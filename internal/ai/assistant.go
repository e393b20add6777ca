package ai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Assistant answers a prompt with a pre-configured hosted assistant that
// does its own retrieval over uploaded guideline documents.
type Assistant interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// RunState is the coarse lifecycle of an asynchronous assistant run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// StateFromStatus maps a provider run status onto RunState.
func StateFromStatus(status string) RunState {
	switch status {
	case "queued", "":
		return RunPending
	case "completed":
		return RunCompleted
	case "failed", "cancelled", "expired", "incomplete":
		return RunFailed
	default:
		// in_progress, requires_action, cancelling
		return RunRunning
	}
}

func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

var ErrRunTimeout = errors.New("assistant run did not finish within the maximum wait")

type RunFailedError struct {
	RunID   string
	Status  string
	Message string
}

func (e *RunFailedError) Error() string {
	msg := fmt.Sprintf("assistant run %s ended with status %s", e.RunID, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// RunStatus is one observation of a run.
type RunStatus struct {
	ID      string
	Status  string
	Message string
}

const (
	defaultPollInterval = time.Second
	defaultMaxWait      = 10 * time.Minute
)

// RunPoller polls a run until it reaches a terminal state or MaxWait passes.
type RunPoller struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// Wait calls fetch every Interval. Transient fetch errors are retried,
// others end the wait.
func (p RunPoller) Wait(ctx context.Context, fetch func(ctx context.Context) (RunStatus, error)) error {
	interval, maxWait := p.Interval, p.MaxWait
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	errNotDone := errors.New("run not finished")
	op := func() error {
		st, err := fetch(waitCtx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Temporary() {
				return err
			}
			return backoff.Permanent(err)
		}

		switch state := StateFromStatus(st.Status); state {
		case RunCompleted:
			return nil
		case RunFailed:
			return backoff.Permanent(&RunFailedError{RunID: st.ID, Status: st.Status, Message: st.Message})
		default:
			log.Debug().Str("run_id", st.ID).Str("status", st.Status).Str("state", string(state)).Msg("assistant run in progress")
			return errNotDone
		}
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx))
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return ErrRunTimeout
	}
	return err
}

// Ask runs prompt on the configured assistant: create a thread holding the
// prompt, start a run, wait for it, return the newest assistant message.
func (c *OpenAIClient) Ask(ctx context.Context, prompt string) (string, error) {
	if c.config.AssistantID == "" {
		return "", errors.New("assistant id unset")
	}

	var thread struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, "POST", "/threads", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}, &thread)
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err = c.do(ctx, "POST", "/threads/"+thread.ID+"/runs", map[string]string{
		"assistant_id": c.config.AssistantID,
	}, &run)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	log.Info().Str("thread_id", thread.ID).Str("run_id", run.ID).Msg("assistant run created")

	poller := RunPoller{Interval: c.config.PollInterval, MaxWait: c.config.MaxWait}
	err = poller.Wait(ctx, func(ctx context.Context) (RunStatus, error) {
		var r struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			LastError *struct {
				Message string `json:"message"`
			} `json:"last_error"`
		}
		if err := c.do(ctx, "GET", "/threads/"+thread.ID+"/runs/"+run.ID, nil, &r); err != nil {
			return RunStatus{}, err
		}
		st := RunStatus{ID: r.ID, Status: r.Status}
		if r.LastError != nil {
			st.Message = r.LastError.Message
		}
		return st, nil
	})
	if err != nil {
		return "", err
	}

	return c.latestAssistantMessage(ctx, thread.ID)
}

func (c *OpenAIClient) latestAssistantMessage(ctx context.Context, threadID string) (string, error) {
	q := url.Values{"order": {"desc"}, "limit": {"10"}}
	var out struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.do(ctx, "GET", "/threads/"+threadID+"/messages?"+q.Encode(), nil, &out); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	for _, m := range out.Data {
		if m.Role != "assistant" {
			continue
		}
		for _, part := range m.Content {
			if part.Type == "text" {
				return strings.TrimSpace(part.Text.Value), nil
			}
		}
	}
	return "", errors.New("assistant returned no text message")
}

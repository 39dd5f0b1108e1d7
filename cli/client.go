package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// errNoEvent reports a pull that ended without an event.
var errNoEvent = errors.New("no event")

// apiError is a non-2xx response from the daemon.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// client speaks the petalpoll HTTP API.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) (*client, error) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	if _, err := url.Parse(addr); err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return &client{base: addr, http: &http.Client{}}, nil
}

func eventsPath(subject string, rest ...string) string {
	parts := append([]string{"events", url.PathEscape(subject)}, rest...)
	return "/" + strings.Join(parts, "/")
}

func (c *client) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, data, decodeAPIError(resp.StatusCode, data)
	}
	return resp.StatusCode, data, nil
}

func decodeAPIError(status int, data []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
		return &apiError{Status: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	return &apiError{Status: status, Message: strings.TrimSpace(string(data))}
}

func (c *client) publish(ctx context.Context, subject, payload string) (int, error) {
	_, data, err := c.do(ctx, http.MethodPost, eventsPath(subject), strings.NewReader(payload))
	if err != nil {
		return 0, err
	}
	var resp struct {
		Listeners int `json:"listeners"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("decoding publish response: %w", err)
	}
	return resp.Listeners, nil
}

// pull waits on the shared log, or on a session when session is set. A
// negative wait uses the server default.
func (c *client) pull(ctx context.Context, subject, session string, wait time.Duration) (string, error) {
	path := eventsPath(subject)
	if session != "" {
		path = eventsPath(subject, "sub", url.PathEscape(session))
	}
	if wait >= 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	status, data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	if status == http.StatusNoContent {
		return "", errNoEvent
	}
	return string(data), nil
}

func (c *client) subscribe(ctx context.Context, subject string) (string, error) {
	_, data, err := c.do(ctx, http.MethodPost, eventsPath(subject, "sub"), nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *client) unsubscribe(ctx context.Context, subject, session string) error {
	_, _, err := c.do(ctx, http.MethodDelete, eventsPath(subject, "sub", url.PathEscape(session)), nil)
	return err
}

func (c *client) unbind(ctx context.Context, subject string) error {
	_, _, err := c.do(ctx, http.MethodDelete, eventsPath(subject), nil)
	return err
}

// exitFor maps a client error onto a process exit code.
func exitFor(err error) error {
	var apiErr *apiError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNoEvent):
		return exitError(exitTimeout, "no event")
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
		return exitError(exitNotFound, "%v", err)
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict:
		return exitError(exitConflict, "%v", err)
	default:
		return exitError(exitRuntime, "%v", err)
	}
}

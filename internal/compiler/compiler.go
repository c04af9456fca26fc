// Package compiler talks to the remote code-execution backend.
package compiler

//go:generate mockgen -source=compiler.go -destination=mock_compiler.go -package=compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/manpreetbhatti/codesync/internal/room"
)

var (
	ErrUnsupportedLanguage = room.ErrUnsupportedLanguage
	ErrEmptySource         = errors.New("source code is required")
)

type Request struct {
	Script   string
	Language string
}

// Result mirrors the execute response. Numeric fields arrive as strings or numbers depending on the backend version.
type Result struct {
	Output     string      `json:"output"`
	StatusCode int         `json:"statusCode,omitempty"`
	Memory     json.Number `json:"memory,omitempty"`
	CPUTime    json.Number `json:"cpuTime,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type Compiler interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// RemoteError is returned when the backend answers with a non-success status.
type RemoteError struct {
	StatusCode int
	Details    string
}

func (e *RemoteError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("compiler returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("compiler returned status %d: %s", e.StatusCode, e.Details)
}

type JDoodle struct {
	url          string
	clientID     string
	clientSecret string
	client       *http.Client
}

func NewJDoodle(url, clientID, clientSecret string, timeout time.Duration) *JDoodle {
	return &JDoodle{
		url:          url,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	Script       string `json:"script"`
	Language     string `json:"language"`
	VersionIndex string `json:"versionIndex"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func (j *JDoodle) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Script == "" {
		return Result{}, ErrEmptySource
	}
	version, err := room.VersionIndex(req.Language)
	if err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(executeRequest{
		Script:       req.Script,
		Language:     req.Language,
		VersionIndex: version,
		ClientID:     j.clientID,
		ClientSecret: j.clientSecret,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encoding execute request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("calling compiler: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("reading compiler response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &RemoteError{StatusCode: resp.StatusCode, Details: remoteDetails(raw)}
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("decoding compiler response: %w", err)
	}
	return result, nil
}

func remoteDetails(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(bytes.TrimSpace(raw))
}

// Render turns a compile outcome into the text shown in a room's output pane.
func Render(res Result, err error) string {
	switch {
	case err != nil:
		return "Error: " + err.Error()
	case res.Error != "":
		return "Error: " + res.Error
	default:
		return res.Output
	}
}

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgeplan/relay/internal/reliability"
)

// Transient upstream statuses are retried before the stream opens; once
// events flow, failures surface as error events instead.
const maxRequestRetries = 2

// HTTPAdapter streams turn events from an engine exposed over HTTP. The
// endpoint answers a POST with an NDJSON body, one Event per line.
type HTTPAdapter struct {
	url    string
	client *http.Client
}

func NewHTTPAdapter(url string) *HTTPAdapter {
	return &HTTPAdapter{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (a *HTTPAdapter) StreamTurn(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var res *http.Response
	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/x-ndjson")

		res, err = a.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			break
		}

		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		_ = res.Body.Close()
		if !reliability.IsRetryableHTTPStatus(res.StatusCode) || attempt >= maxRequestRetries {
			return nil, fmt.Errorf("engine http status %d: %s", res.StatusCode, string(body))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, 100*time.Millisecond, time.Second)):
		}
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer res.Body.Close()

		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		sawTerminal := false

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(line), &evt); err != nil {
				evt = Event{Type: EventError, Err: fmt.Sprintf("malformed engine event: %v", err)}
			}
			if evt.Type == EventEndOfTurn || evt.Type == EventError {
				sawTerminal = true
			}
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
			if sawTerminal {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case events <- Event{Type: EventError, Err: fmt.Sprintf("stream read: %v", err)}:
			case <-ctx.Done():
			}
			return
		}
		if !sawTerminal {
			// Engine closed the stream without a terminal marker. Treat the
			// truncation as an engine failure so the turn is not left open.
			select {
			case events <- Event{Type: EventError, Err: "engine stream ended without end_of_turn"}:
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}

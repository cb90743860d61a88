package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readEvent reads the next event from r. Comment lines are skipped.
func readEvent(r *bufio.Reader) (sseEvent, error) {
	var ev sseEvent
	var data []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.name == "" && len(data) == 0 {
				continue
			}
			ev.data = strings.Join(data, "\n")
			return ev, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// SubscribeCheckpoints implements ledger.Subscriber. It returns once the
// server confirmed the subscription; the channel closes when ctx is done or
// the stream ends.
func (c *Client) SubscribeCheckpoints(ctx context.Context) (<-chan ledger.Checkpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, decodeError(resp.StatusCode, body)
	}

	r := bufio.NewReader(resp.Body)
	ev, err := readEvent(r)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if ev.name != "ready" {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream: expected ready event, got %q", ev.name)
	}

	out := make(chan ledger.Checkpoint, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for {
			ev, err := readEvent(r)
			if err != nil {
				return
			}
			if ev.name != "checkpoint" {
				continue
			}
			var cp ledger.Checkpoint
			if err := json.Unmarshal([]byte(ev.data), &cp); err != nil {
				c.logger.Warn("dropping malformed checkpoint event",
					zap.String("registry", c.base),
					zap.Int("bytes", len(ev.data)),
					zap.Error(err),
				)
				continue
			}
			select {
			case out <- cp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

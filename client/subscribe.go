package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/CrowderSoup/boardsync/services"
	"github.com/gorilla/websocket"
)

// Event is one live update pushed by the backend.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	User string          `json:"user,omitempty"`
}

// Subscribe connects to the backend's websocket feed and calls fn for every
// event until ctx is done or the connection drops. It returns ctx.Err() when
// stopped by the context.
func (c *Client) Subscribe(ctx context.Context, fn func(Event)) error {
	target, err := c.wsURL(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("client: subscribe: %w", err)
	}
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	c.log.WithField("url", c.paths.WebSocket).Info("Subscribed to live updates")
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: subscribe: %w", err)
		}

		for _, line := range services.SplitFrame(message) {
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				c.log.WithError(err).Warn("Skipping malformed event")
				continue
			}
			fn(ev)
		}
	}
}

func (c *Client) wsURL(ctx context.Context) (string, error) {
	u, err := url.Parse(c.baseURL + c.paths.WebSocket)
	if err != nil {
		return "", fmt.Errorf("client: subscribe: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("client: token: %w", err)
		}
		if token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

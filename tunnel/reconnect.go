package tunnel

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"github.com/WaterWhisperer/capsuletun/protocol"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	maxAttempts    = 10
)

// DialRelay establishes a WebSocket connection to a capsuletun relay.
func DialRelay(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	// Read limit must fit a maximum-size frame plus its header.
	conn.SetReadLimit(protocol.MaxPayloadSize + 1024)
	return conn, nil
}

// Reconnect attempts to re-establish a WebSocket connection with exponential
// backoff. It returns the new connection on success or an error after
// maxAttempts failures.
func Reconnect(ctx context.Context, wsURL string, verbose bool) (*websocket.Conn, error) {
	out := Stderr

	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if verbose {
			fmt.Fprintf(out, "Reconnection attempt %d/%d (waiting %s)...\n", attempt, maxAttempts, backoff)
		} else if attempt == 1 {
			fmt.Fprintln(out, "Connection lost. Reconnecting...")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		conn, err := DialRelay(ctx, wsURL)
		if err == nil {
			fmt.Fprintln(out, "Reconnected successfully.")
			return conn, nil
		}

		if verbose {
			fmt.Fprintf(out, "Attempt %d failed: %v\n", attempt, err)
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return nil, fmt.Errorf("unable to reconnect after %d attempts", maxAttempts)
}

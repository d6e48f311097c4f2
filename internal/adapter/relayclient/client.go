// Package relayclient speaks the relay's WebSocket protocol from the client side.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cmcscbl/chef-td-relay/internal/domain"
	apperrors "github.com/cmcscbl/chef-td-relay/internal/platform/errors"
	"github.com/cmcscbl/chef-td-relay/internal/platform/retry"
	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

var (
	// ErrBadToken is returned when the relay answers with {"error":"bad token"}.
	ErrBadToken = errors.New("relay rejected the token")
	// ErrUnexpectedReply is returned when a reply is neither hello nor an error.
	ErrUnexpectedReply = errors.New("unexpected reply from relay")
)

// HandshakeError is a failed upgrade that got an HTTP response.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

type Client struct {
	conn  *websocket.Conn
	token string

	writeMu sync.Mutex
}

// Dial connects to the relay at url, retrying according to policy.
// Handshakes refused with 4xx are not retried, except 429 which waits
// RateLimitBackoff.
func Dial(ctx context.Context, url, token string, policy retry.Policy) (*Client, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, err := retry.Do(ctx, policy, classifyDialError, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
			}
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn, token: token}, nil
}

func classifyDialError(err error) retry.Action {
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		return retry.Retry
	}
	switch apperrors.FromStatus(hsErr.StatusCode, "").Type {
	case apperrors.TypeRateLimited:
		return retry.After
	case apperrors.TypeUnavailable, apperrors.TypeInternal:
		return retry.Retry
	default:
		return retry.Stop
	}
}

// Identify declares role and waits for the relay's hello.
func (c *Client) Identify(ctx context.Context, role domain.Role) error {
	msg := map[string]string{
		"token": c.token,
		"type":  domain.TypeIdentify,
		"role":  string(role),
	}
	if err := c.writeJSON(msg); err != nil {
		return err
	}

	for {
		raw, err := c.Receive(ctx)
		if err != nil {
			return fmt.Errorf("waiting for hello: %w", err)
		}
		var reply domain.Reply
		if err := json.Unmarshal(raw, &reply); err != nil {
			return fmt.Errorf("%w: %s", ErrUnexpectedReply, raw)
		}
		switch {
		case reply.Error == domain.ReasonBadToken:
			return ErrBadToken
		case reply.Error != "":
			return fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Error)
		case reply.Command == domain.CommandHello:
			return nil
		default:
			slog.DebugContext(ctx, "Skipping frame while waiting for hello", "frame", string(raw))
		}
	}
}

// Send issues a command. fields are merged into the record; token and command
// cannot be overridden.
func (c *Client) Send(command domain.CommandName, fields map[string]any) error {
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["token"] = c.token
	msg["command"] = string(command)
	return c.writeJSON(msg)
}

// Receive returns the next text frame. ctx bounds the wait and its error is
// returned when it ends the read; a Receive cut short by ctx leaves the
// connection unusable.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}

	// Only ctx moves the read deadline, so a timeout implies ctx.Err() != nil.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read: %w", err)
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	c.writeMu.Unlock()

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

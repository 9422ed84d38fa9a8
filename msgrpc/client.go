// Package msgrpc implements sandbox.RPCClient as a MessagePack-RPC
// client over HTTP POST, the wire format Metasploit's msfrpcd speaks:
// each request is a binary-encoded array of method name and arguments,
// and every call but login carries a token.
package msgrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	sandbox "github.com/sarnowski/msfailab"
)

const apiPath = "/api/"

// Client is a stateless MessagePack-RPC client; it carries no session
// state itself (that lives in the Console Actor and Container Actor),
// only transport configuration.
type Client struct {
	http *http.Client
}

// New builds a Client with the given per-call timeout.
func New(callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Client{http: &http.Client{Timeout: callTimeout}}
}

// call issues one MessagePack-RPC request: the method name followed by
// args, encoded as a flat array per the wire format, and decodes the
// response into a map.
func (c *Client) call(ctx context.Context, endpoint sandbox.Endpoint, method string, args ...any) (map[string]any, error) {
	req := make([]any, 0, len(args)+1)
	req = append(req, method)
	req = append(req, args...)

	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("msgrpc: encode request: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d%s", endpoint.Host, endpoint.Port, apiPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("msgrpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "binary/message-pack")
	httpReq.Header.Set("Accept", "binary/message-pack")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("msgrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("msgrpc: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("msgrpc: %s: http status %d", method, resp.StatusCode)
	}

	var result map[string]any
	if err := msgpack.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("msgrpc: decode response: %w", err)
	}

	if errMsg, ok := result["error_message"]; ok {
		return nil, fmt.Errorf("msgrpc: %s: %v", method, errMsg)
	}
	return result, nil
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("msgrpc: missing field %q", key)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("msgrpc: field %q has unexpected type %T", key, v)
	}
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Call issues an arbitrary RPC method with the token prepended to its
// arguments, for callers that need console-RPC surface beyond the typed
// operations (module listing, job control, database services).
func (c *Client) Call(ctx context.Context, endpoint sandbox.Endpoint, token sandbox.Token, method string, args ...any) (map[string]any, error) {
	callArgs := append([]any{string(token)}, args...)
	return c.call(ctx, endpoint, method, callArgs...)
}

// Login authenticates against the RPC endpoint. Login is the one call
// that does not carry a token.
func (c *Client) Login(ctx context.Context, endpoint sandbox.Endpoint, user, password string) (sandbox.Token, error) {
	result, err := c.call(ctx, endpoint, "auth.login", user, password)
	if err != nil {
		return "", err
	}
	token, err := stringField(result, "token")
	if err != nil {
		return "", err
	}
	return sandbox.Token(token), nil
}

// ConsoleCreate opens a new console session.
func (c *Client) ConsoleCreate(ctx context.Context, endpoint sandbox.Endpoint, token sandbox.Token) (sandbox.ConsoleSessionId, error) {
	result, err := c.call(ctx, endpoint, "console.create", string(token))
	if err != nil {
		return "", err
	}
	id, err := stringField(result, "id")
	if err != nil {
		return "", err
	}
	return sandbox.ConsoleSessionId(id), nil
}

// ConsoleDestroy closes a console session.
func (c *Client) ConsoleDestroy(ctx context.Context, endpoint sandbox.Endpoint, token sandbox.Token, session sandbox.ConsoleSessionId) error {
	_, err := c.call(ctx, endpoint, "console.destroy", string(token), string(session))
	return err
}

// ConsoleWrite writes bytes to a console session's input.
func (c *Client) ConsoleWrite(ctx context.Context, endpoint sandbox.Endpoint, token sandbox.Token, session sandbox.ConsoleSessionId, data []byte) (int, error) {
	result, err := c.call(ctx, endpoint, "console.write", string(token), string(session), string(data))
	if err != nil {
		return 0, err
	}
	// msgpack decodes integers into sized types (int8, uint16, ...), so
	// match on the kind rather than on one concrete type.
	var wrote int
	switch v := reflect.ValueOf(result["wrote"]); v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		wrote = int(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		wrote = int(v.Uint())
	case reflect.Float32, reflect.Float64:
		wrote = int(v.Float())
	}
	return wrote, nil
}

// ConsoleRead destructively drains buffered output.
func (c *Client) ConsoleRead(ctx context.Context, endpoint sandbox.Endpoint, token sandbox.Token, session sandbox.ConsoleSessionId) (sandbox.ConsoleReadResult, error) {
	result, err := c.call(ctx, endpoint, "console.read", string(token), string(session))
	if err != nil {
		return sandbox.ConsoleReadResult{}, err
	}

	data, _ := stringField(result, "data")
	busy := boolField(result, "busy")
	prompt, _ := stringField(result, "prompt")

	return sandbox.ConsoleReadResult{Data: data, Busy: busy, Prompt: prompt}, nil
}

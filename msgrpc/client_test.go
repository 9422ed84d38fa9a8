package msgrpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	sandbox "github.com/sarnowski/msfailab"
)

// decodeRequest unpacks the [method, ...args] array the client sends, the
// same shape the real msfrpcd expects.
func decodeRequest(t *testing.T, body []byte) []any {
	t.Helper()
	var req []any
	if err := msgpack.Unmarshal(body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func testEndpoint(t *testing.T, srv *httptest.Server) sandbox.Endpoint {
	t.Helper()
	u := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.SplitN(u, ":", 2)
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return sandbox.Endpoint{Host: parts[0], Port: port}
}

func TestClientLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := decodeRequest(t, body)
		if req[0] != "auth.login" || req[1] != "msf" || req[2] != "msf" {
			t.Fatalf("unexpected request: %#v", req)
		}
		resp, _ := msgpack.Marshal(map[string]any{"result": "success", "token": "abc123"})
		w.Write(resp)
	}))
	defer srv.Close()

	c := New(time.Second)
	token, err := c.Login(context.Background(), testEndpoint(t, srv), "msf", "msf")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token != "abc123" {
		t.Errorf("token = %q, want %q", token, "abc123")
	}
}

func TestClientConsoleReadRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := decodeRequest(t, body)
		if req[0] != "console.read" || req[1] != "tok" || req[2] != "1" {
			t.Fatalf("unexpected request: %#v", req)
		}
		resp, _ := msgpack.Marshal(map[string]any{"data": "msf6 > ", "busy": false, "prompt": "msf6 > "})
		w.Write(resp)
	}))
	defer srv.Close()

	c := New(time.Second)
	res, err := c.ConsoleRead(context.Background(), testEndpoint(t, srv), "tok", "1")
	if err != nil {
		t.Fatalf("ConsoleRead: %v", err)
	}
	if res.Busy || res.Prompt != "msf6 > " {
		t.Errorf("unexpected result: %#v", res)
	}
}

func TestClientSurfacesRPCErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := msgpack.Marshal(map[string]any{"error": true, "error_message": "Invalid Token"})
		w.Write(resp)
	}))
	defer srv.Close()

	c := New(time.Second)
	_, err := c.ConsoleRead(context.Background(), testEndpoint(t, srv), "bad", "1")
	if err == nil || !strings.Contains(err.Error(), "Invalid Token") {
		t.Fatalf("expected error mentioning Invalid Token, got %v", err)
	}
}

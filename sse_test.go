package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp-bridge"
)

func setupSSEServer(t *testing.T, messageURL func(base string) string) (<-chan mcp.Session, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := mcp.NewSSEServer(messageURL(testServer.URL))
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/messages/", server.HandleMessage())

	sessions := make(chan mcp.Session, 5)
	go func() {
		for sess := range server.Sessions() {
			sessions <- sess
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			t.Logf("server forced to shutdown: %v", err)
		}
		testServer.Close()
	})

	return sessions, testServer
}

func TestSSEServerAndClient(t *testing.T) {
	tests := []struct {
		name       string
		messageURL func(base string) string
	}{
		{
			name:       "absolute endpoint",
			messageURL: func(base string) string { return base + "/messages/" },
		},
		{
			name:       "relative endpoint",
			messageURL: func(string) string { return "/messages/" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions, testServer := setupSSEServer(t, tt.messageURL)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client := mcp.NewSSEClient(testServer.URL+"/sse", testServer.Client())
			clientSession, err := client.StartSession(ctx)
			if err != nil {
				t.Fatalf("failed to start session: %v", err)
			}
			defer clientSession.Stop()

			var serverSession mcp.Session
			select {
			case serverSession = <-sessions:
			case <-ctx.Done():
				t.Fatal("timeout waiting for server session")
			}

			serverReceived := make(chan mcp.JSONRPCMessage, 1)
			go func() {
				for msg := range serverSession.Messages() {
					serverReceived <- msg
				}
			}()
			clientReceived := make(chan mcp.JSONRPCMessage, 1)
			go func() {
				for msg := range clientSession.Messages() {
					clientReceived <- msg
				}
			}()

			req := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Method: "ping"}
			if err := clientSession.Send(ctx, req); err != nil {
				t.Fatalf("failed to send message to server: %v", err)
			}

			select {
			case got := <-serverReceived:
				if got.Method != "ping" || got.ID != "1" {
					t.Errorf("server received %+v, want ping with ID 1", got)
				}
			case <-ctx.Done():
				t.Fatal("timeout waiting for server to receive message")
			}

			res := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Result: json.RawMessage(`{}`)}
			if err := serverSession.Send(ctx, res); err != nil {
				t.Fatalf("failed to send message to client: %v", err)
			}

			select {
			case got := <-clientReceived:
				if got.ID != "1" || string(got.Result) != "{}" {
					t.Errorf("client received %+v, want result for ID 1", got)
				}
			case <-ctx.Done():
				t.Fatal("timeout waiting for client to receive message")
			}
		})
	}
}

func TestSSEServerMultipleClients(t *testing.T) {
	sessions, testServer := setupSSEServer(t, func(base string) string { return base + "/messages/" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		client := mcp.NewSSEClient(testServer.URL+"/sse", testServer.Client())
		clientSession, err := client.StartSession(ctx)
		if err != nil {
			t.Fatalf("client %d failed to start session: %v", i, err)
		}
		defer clientSession.Stop()

		select {
		case sess := <-sessions:
			ids[sess.ID()] = true
		case <-ctx.Done():
			t.Fatalf("timeout waiting for session %d", i)
		}
	}

	if len(ids) != 3 {
		t.Errorf("got %d distinct session IDs, want 3", len(ids))
	}
}

func TestSSEHandleMessageNegativeCases(t *testing.T) {
	_, testServer := setupSSEServer(t, func(base string) string { return base + "/messages/" })

	tests := []struct {
		name       string
		query      string
		body       string
		wantStatus int
	}{
		{
			name:       "missing session id",
			query:      "",
			body:       `{"jsonrpc":"2.0","method":"ping"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown session id",
			query:      "?sessionId=unknown",
			body:       `{"jsonrpc":"2.0","method":"ping"}`,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := testServer.Client().Post(testServer.URL+"/messages/"+tt.query, "application/json",
				bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("failed to post message: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("got status %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestSSEClientConnectFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", http.StatusInternalServerError)
			},
		},
		{
			name: "stream ends before endpoint",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "event: message\ndata: {}\n\n")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testServer := httptest.NewServer(tt.handler)
			defer testServer.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			client := mcp.NewSSEClient(testServer.URL, testServer.Client())
			if _, err := client.StartSession(ctx); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSSEClientConnectTimeout(t *testing.T) {
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer testServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client := mcp.NewSSEClient(testServer.URL, testServer.Client())
	_, err := client.StartSession(ctx)
	if err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Errorf("StartSession = %v, want endpoint wait error", err)
	}
}

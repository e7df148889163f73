package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// MockPolicyServer speaks both policy transports: a websocket stream at
// /ws pushing {"type":"CACHE_CONFIG","data":...} envelopes, and an HTTP
// poll endpoint at /poll returning the current policy as JSON.
type MockPolicyServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	pollPolicy []byte

	// Tracking
	PollCount    int
	StreamOpened int
}

// NewMockPolicyServer creates a policy server with no poll policy
// configured (polls return 404 until SetPollPolicy).
func NewMockPolicyServer() *MockPolicyServer {
	mock := &MockPolicyServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := mock.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mock.mu.Lock()
		mock.conns = append(mock.conns, conn)
		mock.StreamOpened++
		mock.mu.Unlock()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.PollCount++
		policy := mock.pollPolicy
		mock.mu.Unlock()

		if policy == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(policy)
	})

	mock.server = httptest.NewServer(mux)
	return mock
}

// StreamURL returns the websocket stream URL.
func (m *MockPolicyServer) StreamURL() string {
	return "ws://" + strings.TrimPrefix(m.server.URL, "http://") + "/ws"
}

// PollURL returns the HTTP fallback URL.
func (m *MockPolicyServer) PollURL() string {
	return m.server.URL + "/poll"
}

// PushPolicy broadcasts a CACHE_CONFIG envelope to every open stream.
func (m *MockPolicyServer) PushPolicy(policy any) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(map[string]json.RawMessage{
		"type": json.RawMessage(`"CACHE_CONFIG"`),
		"data": data,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, envelope); err != nil {
			return err
		}
	}
	return nil
}

// PushRaw broadcasts an arbitrary message to every open stream.
func (m *MockPolicyServer) PushRaw(message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return err
		}
	}
	return nil
}

// SetPollPolicy configures the policy returned by the poll endpoint.
func (m *MockPolicyServer) SetPollPolicy(policy any) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pollPolicy = data
	m.mu.Unlock()
	return nil
}

// CloseConnections drops every open stream connection, simulating a
// stream outage while the server keeps running.
func (m *MockPolicyServer) CloseConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

// Close shuts down the server and all connections.
func (m *MockPolicyServer) Close() {
	m.CloseConnections()
	m.server.Close()
}

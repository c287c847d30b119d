package paas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"rewardhub/internal/config"
)

type gateway struct {
	mu     sync.Mutex
	logins int
	logs   []CreateLogRequest
	casts  []BroadcastRequest
	auth   []string
}

func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.logins++
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"token":"tok-1","expires_at":"2099-01-01T00:00:00Z"}`))
	})
	mux.HandleFunc("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		var req CreateLogRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.logs = append(g.logs, req)
		g.auth = append(g.auth, r.Header.Get("Authorization"))
		g.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/v1/notify/broadcast", func(w http.ResponseWriter, r *http.Request) {
		var req BroadcastRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.casts = append(g.casts, req)
		g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(BroadcastResponse{Project: "p1", Event: req.Event, Items: []BroadcastItem{{Channel: "telegram", OK: true}}})
	})
	return mux
}

func TestNewClientRequiresGateway(t *testing.T) {
	if c := NewClient(config.PaaSConfig{}); c != nil {
		t.Fatalf("expected nil client without base url")
	}
	c := NewClient(config.PaaSConfig{BaseURL: "http://gw", APIKey: "k"})
	if c == nil || c.Agent != DefaultAgent {
		t.Fatalf("expected default agent, got %+v", c)
	}
}

func TestNotifyBroadcastsAndAudits(t *testing.T) {
	g := &gateway{}
	srv := httptest.NewServer(g.handler())
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, APIKey: "k", HTTP: srv.Client()}
	var n Notifier = c
	n.Notify(context.Background(), Notification{
		Event:  EventContestPayout,
		UserID: 7,
		Amount: decimal.NewFromInt(245),
		TxHash: "0xabc",
		Key:    "contest:r:winner:1:7",
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.logins != 1 {
		t.Fatalf("expected one login, got %d", g.logins)
	}
	if len(g.casts) != 1 || g.casts[0].Event != EventContestPayout {
		t.Fatalf("unexpected broadcasts: %+v", g.casts)
	}
	if g.casts[0].Message != "contest_payout: 245 project to user 7 (tx 0xabc)" {
		t.Fatalf("unexpected message %q", g.casts[0].Message)
	}
	if len(g.logs) != 1 || g.logs[0].Agent != DefaultAgent || g.logs[0].Details["idempotency_key"] != "contest:r:winner:1:7" {
		t.Fatalf("unexpected audit log: %+v", g.logs)
	}
	if g.auth[0] != "Bearer tok-1" {
		t.Fatalf("expected bearer token, got %q", g.auth[0])
	}
}

func TestNilClientIsNoop(t *testing.T) {
	var c *Client
	c.Notify(context.Background(), Notification{Event: EventStakeClaim})
	if err := c.CreateLog(context.Background(), CreateLogRequest{}); err != nil {
		t.Fatalf("nil client: %v", err)
	}
	LogBestEffortCtx(context.Background(), "noop", "info", nil)
}

func TestBroadcastRequiresMessage(t *testing.T) {
	c := &Client{BaseURL: "http://127.0.0.1:0", APIKey: "k"}
	if _, err := c.Broadcast(context.Background(), BroadcastRequest{}); err == nil {
		t.Fatalf("expected error for empty message")
	}
}

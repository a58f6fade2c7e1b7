package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/client"
	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/gateway"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/internal/transport/sse"
	"github.com/haasonsaas/sessiongate/internal/transport/ws"
	"github.com/haasonsaas/sessiongate/pkg/models"
)

const token = "e2e-key-0123456789"

func startGateway(t *testing.T) *httptest.Server {
	t.Helper()
	validator := auth.NewService(auth.Config{
		APIKeys: []auth.APIKeyConfig{{Key: token, UserID: "tester"}},
	})
	wsTransport := ws.New(ws.Config{Validator: validator})
	sseTransport := sse.New(sse.Config{Validator: validator, HeartbeatInterval: time.Second})
	g, err := gateway.New(gateway.Options{
		Apps:       []engine.App{engine.NewEchoApp(engine.EchoConfig{ID: "assistant"})},
		Transports: []transport.Transport{wsTransport, sseTransport},
	})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	srv := gateway.NewServer(g, gateway.ServerOptions{
		WSPath:     "/ws",
		WS:         wsTransport,
		PathPrefix: "/api",
		SSE:        sseTransport,
	})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Stop(ctx)
		ts.Close()
	})
	return ts
}

func runConversation(t *testing.T, peer *client.Peer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := peer.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer peer.Disconnect()
	if peer.ClientID() == "" {
		t.Fatal("ClientID() is empty after connect")
	}
	if err := peer.SubscribeToSession(ctx, "s1"); err != nil {
		t.Fatalf("SubscribeToSession() error = %v", err)
	}

	stream, err := peer.Send(ctx, models.TextMessage("hello there"), "s1")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	var names []string
	for ev, err := range stream.Events(ctx) {
		if err != nil {
			t.Fatalf("Events() error = %v", err)
		}
		names = append(names, ev.Name)
	}
	if len(names) == 0 || names[len(names)-1] != models.EventMessageEnd {
		t.Fatalf("stream events = %v, want to end with message_end", names)
	}

	status, err := peer.Status(ctx, "s1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.Session == nil || status.Session.MessageCount != 1 {
		t.Fatalf("Status().Session = %+v, want messageCount 1", status.Session)
	}

	apps, err := peer.ListApps(ctx)
	if err != nil {
		t.Fatalf("ListApps() error = %v", err)
	}
	if len(apps) != 1 || apps[0] != "assistant" {
		t.Fatalf("ListApps() = %v", apps)
	}
}

func TestWebSocketPeer(t *testing.T) {
	ts := startGateway(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	runConversation(t, client.New(client.NewWebSocketDelegate(url, nil), client.Options{Token: token}))
}

func TestHTTPPeer(t *testing.T) {
	ts := startGateway(t)
	runConversation(t, client.New(client.NewHTTPDelegate(ts.URL+"/api", token), client.Options{}))
}

func TestBadTokenIsRejected(t *testing.T) {
	ts := startGateway(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	peer := client.New(client.NewWebSocketDelegate(url, nil), client.Options{Token: "wrong"})
	if err := peer.Connect(context.Background()); err == nil {
		t.Fatal("Connect() error = nil, want unauthenticated")
	}
	if got := peer.State(); got != client.StateError {
		t.Fatalf("State() = %s, want error", got)
	}
}

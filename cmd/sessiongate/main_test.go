package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/sessiongate/internal/auth"
	"github.com/haasonsaas/sessiongate/internal/engine"
	"github.com/haasonsaas/sessiongate/internal/gateway"
	"github.com/haasonsaas/sessiongate/internal/transport"
	"github.com/haasonsaas/sessiongate/internal/transport/sse"
	"github.com/haasonsaas/sessiongate/internal/transport/ws"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessiongate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "send", "call", "status", "token", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRunTokenIssuesVerifiableJWT(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\n")
	var out bytes.Buffer
	if err := runToken(&out, path, "alice", "alice@example.com", []string{"admin"}); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}
	service := auth.NewService(auth.Config{JWTSecret: testSecret, TokenExpiry: time.Hour})
	user, err := service.ValidateJWT(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if user.ID != "alice" || !user.HasRole("admin") {
		t.Fatalf("user = %+v", user)
	}
}

func TestRunTokenRequiresSecret(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	if err := runToken(&bytes.Buffer{}, path, "alice", "", nil); err == nil {
		t.Fatal("runToken() error = nil, want missing secret")
	}
}

func TestRunConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{name: "minimal", content: "server:\n  port: 9000\n"},
		{name: "bad policy", content: "gateway:\n  overflow_policy: explode\n", wantErr: true},
		{name: "unknown field", content: "server:\n  nope: 1\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runConfigValidate(&bytes.Buffer{}, writeConfig(t, tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("runConfigValidate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunConfigSchema(t *testing.T) {
	var out bytes.Buffer
	if err := runConfigSchema(&out); err != nil {
		t.Fatalf("runConfigSchema() error = %v", err)
	}
	if !strings.Contains(out.String(), "overflow_policy") {
		t.Fatalf("schema missing gateway fields:\n%s", out.String())
	}
}

func startTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	validator := auth.NewService(auth.Config{AllowAnonymous: true})
	wsTransport := ws.New(ws.Config{Validator: validator})
	sseTransport := sse.New(sse.Config{Validator: validator})
	g, err := gateway.New(gateway.Options{
		Apps:       []engine.App{engine.NewEchoApp(engine.EchoConfig{ID: "assistant"})},
		Transports: []transport.Transport{wsTransport, sseTransport},
	})
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	srv := gateway.NewServer(g, gateway.ServerOptions{WSPath: "/ws", WS: wsTransport, PathPrefix: "/api", SSE: sseTransport})
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

func TestRunSendAndCall(t *testing.T) {
	ts := startTestGateway(t)
	flags := clientFlags{url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", timeout: 10 * time.Second}

	var out bytes.Buffer
	if err := runSend(context.Background(), &out, flags, "s1", "hello gateway", false); err != nil {
		t.Fatalf("runSend() error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "hello gateway" {
		t.Fatalf("runSend() output = %q", got)
	}

	out.Reset()
	httpFlags := clientFlags{url: ts.URL + "/api", timeout: 10 * time.Second}
	if err := runCall(context.Background(), &out, httpFlags, "list_sessions", `{"appId":"assistant"}`); err != nil {
		t.Fatalf("runCall() error = %v", err)
	}
	if !strings.Contains(out.String(), `"messageCount": 1`) {
		t.Fatalf("runCall() output = %s", out.String())
	}

	if err := runCall(context.Background(), &bytes.Buffer{}, flags, "ping", `{nope`); err == nil {
		t.Fatal("runCall() with invalid JSON error = nil")
	}
}

func TestNewPeerRejectsUnknownScheme(t *testing.T) {
	if _, err := newPeer(clientFlags{url: "ftp://example.com"}); err == nil {
		t.Fatal("newPeer() error = nil, want unsupported scheme")
	}
}

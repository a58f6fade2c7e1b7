package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/haasonsaas/sessiongate/internal/client"
	"github.com/haasonsaas/sessiongate/pkg/models"
)

// =============================================================================
// Client Command Handlers
// =============================================================================

// newPeer picks the delegate from the URL scheme: ws/wss dials the socket
// transport, http/https targets the HTTP transport prefix.
func newPeer(flags clientFlags) (*client.Peer, error) {
	u, err := url.Parse(flags.url)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", flags.url, err)
	}
	var delegate client.Delegate
	switch u.Scheme {
	case "ws", "wss":
		delegate = client.NewWebSocketDelegate(flags.url, nil)
	case "http", "https":
		delegate = client.NewHTTPDelegate(flags.url, flags.token)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q (want ws, wss, http or https)", u.Scheme)
	}
	return client.New(delegate, client.Options{
		Token:          flags.token,
		RequestTimeout: flags.timeout,
	}), nil
}

// withPeer connects, runs fn and disconnects.
func withPeer(ctx context.Context, flags clientFlags, fn func(context.Context, *client.Peer) error) error {
	peer, err := newPeer(flags)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()
	if err := peer.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", flags.url, err)
	}
	defer peer.Disconnect()
	return fn(ctx, peer)
}

func runSend(ctx context.Context, out io.Writer, flags clientFlags, session, text string, raw bool) error {
	return withPeer(ctx, flags, func(ctx context.Context, peer *client.Peer) error {
		stream, err := peer.Send(ctx, models.TextMessage(text), session)
		if err != nil {
			return err
		}
		for ev, err := range stream.Events(ctx) {
			if err != nil {
				return err
			}
			if raw {
				if err := writeJSONLine(out, ev); err != nil {
					return err
				}
				continue
			}
			if err := printEvent(out, ev); err != nil {
				return err
			}
		}
		if !raw {
			_, _ = fmt.Fprintln(out)
		}
		return nil
	})
}

// printEvent renders streamed text deltas and surfaces error events.
func printEvent(out io.Writer, ev client.Event) error {
	switch ev.Name {
	case models.EventMessageDelta:
		var delta struct {
			Text string `json:"text"`
		}
		if err := ev.Decode(&delta); err != nil {
			return fmt.Errorf("decode delta: %w", err)
		}
		_, err := io.WriteString(out, delta.Text)
		return err
	case models.EventError:
		var failure struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = ev.Decode(&failure)
		return fmt.Errorf("execution failed: %s %s", failure.Code, failure.Message)
	}
	return nil
}

func runCall(ctx context.Context, out io.Writer, flags clientFlags, method, params string) error {
	if !json.Valid([]byte(params)) {
		return fmt.Errorf("params must be valid JSON")
	}
	return withPeer(ctx, flags, func(ctx context.Context, peer *client.Peer) error {
		payload, err := peer.Request(ctx, method, json.RawMessage(params))
		if err != nil {
			return err
		}
		return writeIndented(out, payload)
	})
}

func runStatus(ctx context.Context, out io.Writer, flags clientFlags, session string) error {
	return withPeer(ctx, flags, func(ctx context.Context, peer *client.Peer) error {
		status, err := peer.Status(ctx, session)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Uptime:   %dms\n", status.UptimeMs)
		fmt.Fprintf(out, "Clients:  %d\n", status.Clients)
		fmt.Fprintf(out, "Sessions: %d (%d active)\n", status.Sessions, status.Active)
		fmt.Fprintf(out, "Apps:     %s\n", strings.Join(status.Apps, ", "))
		if s := status.Session; s != nil {
			fmt.Fprintf(out, "\nSession %s\n", s.ID)
			fmt.Fprintf(out, "  Messages:    %d\n", s.MessageCount)
			fmt.Fprintf(out, "  Active:      %t\n", s.Active)
			fmt.Fprintf(out, "  Subscribers: %d\n", len(s.Subscribers))
			fmt.Fprintf(out, "  Last active: %s\n", s.LastActivityAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	})
}

func writeIndented(out io.Writer, payload json.RawMessage) error {
	if len(payload) == 0 {
		_, err := fmt.Fprintln(out, "null")
		return err
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(out io.Writer, v any) error {
	return json.NewEncoder(out).Encode(v)
}

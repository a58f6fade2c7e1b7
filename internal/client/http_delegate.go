package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/haasonsaas/sessiongate/pkg/protocol"
)

// sseConnected is the event name of the first frame on /events.
const sseConnected = "connected"

var errHTTPConnClosed = errors.New("http connection closed")

// HTTPDelegate speaks the request/stream transport: events arrive on a held
// GET /events stream and each request is a POST /invoke whose JSON reply is
// turned back into a res frame.
type HTTPDelegate struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPDelegate targets the transport mounted at baseURL. token is used
// when the connect frame carries none.
func NewHTTPDelegate(baseURL, token string) *HTTPDelegate {
	return &HTTPDelegate{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// Open returns a connection that opens its event stream when the peer sends
// the connect frame.
func (d *HTTPDelegate) Open(context.Context) (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpConn{
		delegate: d,
		token:    d.token,
		ctx:      ctx,
		cancel:   cancel,
		inbound:  make(chan []byte, 256),
		done:     make(chan struct{}),
	}, nil
}

type httpConn struct {
	delegate *HTTPDelegate
	ctx      context.Context
	cancel   context.CancelFunc
	inbound  chan []byte
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	token    string
	clientID string
	body     io.Closer
}

type invokeRequest struct {
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

type invokeReply struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *protocol.Error `json:"error,omitempty"`
}

func (c *httpConn) Send(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return errHTTPConnClosed
	default:
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	switch frame.Type {
	case protocol.TypeConnect:
		if frame.Token != "" {
			c.mu.Lock()
			c.token = frame.Token
			c.mu.Unlock()
		}
		go c.openStream(frame)
	case protocol.TypeRequest:
		go c.invoke(frame)
	default:
		return fmt.Errorf("cannot send %s frame over http", frame.Type)
	}
	return nil
}

func (c *httpConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, errHTTPConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *httpConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.mu.Lock()
		body := c.body
		c.mu.Unlock()
		if body != nil {
			_ = body.Close()
		}
	})
	return nil
}

func (c *httpConn) deliver(frame *protocol.Frame) {
	data, err := protocol.Encode(frame)
	if err != nil {
		return
	}
	select {
	case c.inbound <- data:
	case <-c.done:
	}
}

func (c *httpConn) authorize(req *http.Request) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// openStream holds GET /events open, answers the connect frame with the
// server's connected payload and forwards every later frame.
func (c *httpConn) openStream(hello *protocol.Frame) {
	endpoint := c.delegate.baseURL + "/events"
	if hello.ClientID != "" {
		endpoint += "?clientId=" + url.QueryEscape(hello.ClientID)
	}
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		c.deliver(protocol.NewErrorResult(hello.ID, err))
		return
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.delegate.client.Do(req)
	if err != nil {
		c.deliver(protocol.NewErrorResult(hello.ID, protocol.Errorf(protocol.CodeConnectionClosed, "%v", err)))
		return
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		c.deliver(protocol.NewErrorResult(hello.ID, replyError(resp)))
		return
	}
	c.mu.Lock()
	c.body = resp.Body
	c.mu.Unlock()
	defer c.Close()
	defer resp.Body.Close()

	reader := protocol.NewSSEReader(resp.Body, 0)
	for {
		ev, err := reader.Next()
		if err != nil {
			return
		}
		if ev.Event == sseConnected {
			var payload protocol.ConnectPayload
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				c.deliver(protocol.NewErrorResult(hello.ID, err))
				return
			}
			c.mu.Lock()
			c.clientID = payload.ClientID
			c.mu.Unlock()
			reply, err := protocol.NewResult(hello.ID, payload)
			if err != nil {
				return
			}
			c.deliver(reply)
			continue
		}
		frame, err := protocol.Decode(ev.Data)
		if err != nil {
			continue
		}
		c.deliver(frame)
	}
}

// invoke posts a req frame to /invoke and delivers the reply as a res frame.
func (c *httpConn) invoke(frame *protocol.Frame) {
	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()
	body, err := json.Marshal(invokeRequest{Method: frame.Method, Params: frame.Params, ClientID: clientID})
	if err != nil {
		c.deliver(protocol.NewErrorResult(frame.ID, err))
		return
	}
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.delegate.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		c.deliver(protocol.NewErrorResult(frame.ID, err))
		return
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.delegate.client.Do(req)
	if err != nil {
		c.deliver(protocol.NewErrorResult(frame.ID, protocol.Errorf(protocol.CodeConnectionClosed, "%v", err)))
		return
	}
	defer resp.Body.Close()
	var reply invokeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		c.deliver(protocol.NewErrorResult(frame.ID, fmt.Errorf("decode invoke reply: %w", err)))
		return
	}
	if !reply.OK {
		if reply.Error == nil {
			reply.Error = protocol.Errorf(protocol.CodeInternal, "invoke failed with status %d", resp.StatusCode)
		}
		c.deliver(protocol.NewErrorResult(frame.ID, reply.Error))
		return
	}
	result, err := protocol.NewResult(frame.ID, reply.Payload)
	if err != nil {
		c.deliver(protocol.NewErrorResult(frame.ID, err))
		return
	}
	c.deliver(result)
}

func replyError(resp *http.Response) error {
	var reply invokeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err == nil && reply.Error != nil {
		return reply.Error
	}
	return protocol.Errorf(protocol.CodeConnectionClosed, "event stream returned status %d", resp.StatusCode)
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentsync/internal/domain"
	"agentsync/internal/infra/tracer"
)

// ErrClosed is returned for requests on a closed connection.
var ErrClosed = errors.New("transport closed")

const (
	defaultRequestTimeout = 15 * time.Second
	writeTimeout          = 5 * time.Second
	backlogWarn           = 256 // queued events per backlog warning
	readLimit             = 1 << 20
)

// Config configures a Client.
type Config struct {
	URL            string // ws:// or wss:// endpoint
	Token          string
	SendRate       float64 // requests per second
	SendBurst      int
	RequestTimeout time.Duration
}

// Client is a WebSocket RPC client. It implements domain.OutboundSender and
// domain.PermissionResponder, and delivers inbound event frames in arrival
// order through Run.
//
// Responses never wait on event delivery: events queue without bound until
// Run consumes them, so a client whose Run is not running only grows its
// backlog, which is logged every backlogWarn events.
type Client struct {
	ws       *websocket.Conn
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	nextID   atomic.Uint64
	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once

	qmu      sync.Mutex
	queue    []domain.Inbound
	notify   chan struct{} // signalled when queue grows
	readDone chan struct{} // closed when readLoop exits

	mu      sync.Mutex
	pending map[uint64]chan Frame
	err     error
}

var (
	_ domain.OutboundSender      = (*Client)(nil)
	_ domain.PermissionResponder = (*Client)(nil)
)

// Dial connects to cfg.URL, authenticating with a bearer token, and starts
// the read loop.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := &websocket.DialOptions{}
	if cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cfg.Token}}
	}
	ws, _, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	return newClient(ws, cfg, logger), nil
}

func newClient(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Client {
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := max(cfg.SendBurst, 1)
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ws.SetReadLimit(readLimit)
	c := &Client{
		ws:      ws,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		logger:  logger,
		done:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
		readDone: make(chan struct{}),
		pending:  make(map[uint64]chan Frame),
	}
	go c.readLoop()
	return c
}

// readLoop routes response frames to their waiting requests and queues
// event frames for Run. It owns the read side of the connection.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		var frame Frame
		if err := wsjson.Read(context.Background(), c.ws, &frame); err != nil {
			c.shutdown(err)
			return
		}
		switch frame.Type {
		case FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("response for unknown request", "id", frame.ID)
				continue
			}
			ch <- frame
		case FrameTypeEvent:
			var in domain.Inbound
			if err := json.Unmarshal(frame.Payload, &in); err != nil {
				c.logger.Warn("drop malformed event frame", "error", err)
				continue
			}
			c.enqueue(in)
		default:
			c.logger.Debug("ignore frame", "type", string(frame.Type))
		}
	}
}

func (c *Client) enqueue(in domain.Inbound) {
	c.qmu.Lock()
	c.queue = append(c.queue, in)
	n := len(c.queue)
	c.qmu.Unlock()
	if n%backlogWarn == 0 {
		c.logger.Warn("inbound events waiting for Run", "queued", n)
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (domain.Inbound, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return domain.Inbound{}, false
	}
	in := c.queue[0]
	c.queue[0] = domain.Inbound{}
	c.queue = c.queue[1:]
	return in, true
}

// Run delivers inbound events to h, one at a time in arrival order, until ctx
// is done or the connection closes. Events received before the close are
// still delivered. A normal closure returns nil.
func (c *Client) Run(ctx context.Context, h domain.InboundHandler) error {
	for {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			in, ok := c.dequeue()
			if !ok {
				break
			}
			h.HandleInbound(ctx, in)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		case <-c.readDone:
			// Drain what arrived between the last dequeue and the close.
			for {
				in, ok := c.dequeue()
				if !ok {
					return c.closeErr()
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				h.HandleInbound(ctx, in)
			}
		}
	}
}

// SendMessage implements domain.MessageSender.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	return c.SendOutbound(ctx, domain.Outbound{SessionID: sessionID, Text: text})
}

// SendOutbound implements domain.OutboundSender.
func (c *Client) SendOutbound(ctx context.Context, msg domain.Outbound) error {
	_, err := c.request(ctx, MethodSendMessage, msg)
	return domain.WrapOp("transport.SendOutbound", err)
}

// RespondPermission implements domain.PermissionResponder.
func (c *Client) RespondPermission(ctx context.Context, resp domain.PermissionResponse) error {
	_, err := c.request(ctx, MethodRespondPermission, resp)
	return domain.WrapOp("transport.RespondPermission", err)
}

// request sends one RPC frame and waits for its response.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "transport.request",
		trace.WithAttributes(tracer.StringAttr("rpc.method", method)))
	defer span.End()

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: payload}); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			err := domain.NewDomainError("transport."+method, domain.ErrSendFailed, resp.Error)
			tracer.RecordError(span, err)
			return nil, err
		}
		tracer.SetOK(span)
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		err := fmt.Errorf("%s: no response after %s", method, c.timeout)
		tracer.RecordError(span, err)
		return nil, err
	case <-c.done:
		return nil, c.connErr()
	}
}

func (c *Client) write(ctx context.Context, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Client) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, ErrClosed) {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) connErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// closeErr is connErr with a normal closure reported as nil.
func (c *Client) closeErr() error {
	if err := c.connErr(); err != ErrClosed {
		return err
	}
	return nil
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

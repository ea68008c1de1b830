package stomp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"counselchat/internal/domain"
	"counselchat/internal/ports"
)

var (
	errConnClosed       = errors.New("stomp connection closed")
	errHeartbeatTimeout = errors.New("stomp heartbeat timeout")
)

// Config controls the STOMP-over-websocket transport.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ReceiptTimeout   time.Duration
	// HeartbeatGrace is added to twice the negotiated inbound interval
	// before a silent connection is declared dead.
	HeartbeatGrace time.Duration
	Logger         *log.Logger
}

// Transport implements ports.RealtimeTransport with STOMP 1.2 frames carried
// in websocket text messages.
type Transport struct {
	cfg    Config
	dialer websocket.Dialer
}

func NewTransport(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 5 * time.Second
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Transport{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

func (t *Transport) Dial(ctx context.Context, req ports.DialRequest) (ports.RealtimeConn, error) {
	if strings.TrimSpace(t.cfg.URL) == "" {
		return nil, errors.New("counseling websocket URL is not configured")
	}

	headers := http.Header{}
	if req.Token != "" {
		headers.Set("Authorization", "Bearer "+req.Token)
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket handshake returned %d", domain.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to counseling websocket: %w", err)
	}

	host := req.Host
	if host == "" {
		if parsed, err := url.Parse(t.cfg.URL); err == nil {
			host = parsed.Hostname()
		}
	}

	c := &conn{
		ws:             ws,
		logger:         t.cfg.Logger,
		receiptTimeout: t.cfg.ReceiptTimeout,
		grace:          t.cfg.HeartbeatGrace,
		handlers:       make(map[string]func([]byte)),
		receipts:       make(map[string]chan error),
		done:           make(chan struct{}),
	}

	if err := c.handshake(ctx, host, req, t.cfg.HandshakeTimeout); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go c.readLoop()
	if c.outgoing > 0 {
		go c.heartbeatLoop()
	}
	return c, nil
}

type conn struct {
	ws             *websocket.Conn
	logger         *log.Logger
	receiptTimeout time.Duration
	grace          time.Duration

	outgoing time.Duration
	incoming time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func([]byte)
	receipts map[string]chan error

	done      chan struct{}
	doneOnce  sync.Once
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
	closing   atomic.Bool
}

func (c *conn) handshake(ctx context.Context, host string, req ports.DialRequest, timeout time.Duration) error {
	heartbeat := "0,0"
	if req.Heartbeat > 0 {
		ms := strconv.FormatInt(req.Heartbeat.Milliseconds(), 10)
		heartbeat = ms + "," + ms
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, heartbeat,
	)
	if req.Token != "" {
		connect.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if err := c.writeFrame(connect); err != nil {
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		frames, err := c.readFrames()
		if err != nil {
			return fmt.Errorf("failed waiting for CONNECTED: %w", err)
		}
		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				c.negotiateHeartbeat(req.Heartbeat, f.Header.Get(frame.HeartBeat))
				return nil
			case frame.ERROR:
				return brokerError(f)
			}
		}
	}
}

func (c *conn) negotiateHeartbeat(wanted time.Duration, serverHeader string) {
	if wanted <= 0 {
		return
	}
	parts := strings.Split(serverHeader, ",")
	if len(parts) != 2 {
		return
	}
	sx, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	sy, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil {
		return
	}
	if sy > 0 {
		c.outgoing = maxDuration(wanted, time.Duration(sy)*time.Millisecond)
	}
	if sx > 0 {
		c.incoming = maxDuration(wanted, time.Duration(sx)*time.Millisecond)
	}
}

func (c *conn) Subscribe(ctx context.Context, destination string, handler func(body []byte)) (ports.Subscription, error) {
	id := "sub-" + uuid.NewString()
	receipt := "rcpt-" + uuid.NewString()
	wait := make(chan error, 1)

	c.mu.Lock()
	c.handlers[id] = handler
	c.receipts[receipt] = wait
	c.mu.Unlock()

	subscribe := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
		frame.Receipt, receipt,
	)
	if err := c.writeFrame(subscribe); err != nil {
		c.dropSubscription(id, receipt)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}

	if err := c.awaitReceipt(ctx, receipt, wait); err != nil {
		c.dropSubscription(id, receipt)
		return nil, fmt.Errorf("subscription to %s not confirmed: %w", destination, err)
	}
	return &subscription{conn: c, id: id}, nil
}

func (c *conn) Send(_ context.Context, destination string, body []byte) error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return errConnClosed
	default:
	}

	send := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	send.Header.Set(frame.ContentLength, strconv.Itoa(len(body)))
	send.Body = body
	if err := c.writeFrame(send); err != nil {
		c.fail(fmt.Errorf("failed to publish to %s: %w", destination, err))
		return err
	}
	return nil
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close sends DISCONNECT, waits briefly for its receipt and closes the socket.
func (c *conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		select {
		case <-c.done:
		default:
			receipt := "disconnect-" + uuid.NewString()
			wait := make(chan error, 1)
			c.mu.Lock()
			c.receipts[receipt] = wait
			c.mu.Unlock()

			if err := c.writeFrame(frame.New(frame.DISCONNECT, frame.Receipt, receipt)); err == nil {
				if err := c.awaitReceipt(ctx, receipt, wait); err != nil {
					c.logger.Printf("stomp: disconnect receipt not received: %v", err)
				}
			}

			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		c.finish(nil)
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) awaitReceipt(ctx context.Context, receipt string, wait chan error) error {
	timer := time.NewTimer(c.receiptTimeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		return err
	case <-timer.C:
		c.mu.Lock()
		delete(c.receipts, receipt)
		c.mu.Unlock()
		return fmt.Errorf("receipt %s timed out", receipt)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.receipts, receipt)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return errConnClosed
	}
}

func (c *conn) dropSubscription(id, receipt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
	delete(c.receipts, receipt)
}

func (c *conn) readLoop() {
	for {
		if c.incoming > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(2*c.incoming + c.grace))
		}
		frames, err := c.readFrames()
		if err != nil {
			if c.closing.Load() {
				c.finish(nil)
				return
			}
			var netErr interface{ Timeout() bool }
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				c.fail(errHeartbeatTimeout)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.fail(errConnClosed)
			default:
				c.fail(fmt.Errorf("failed to read broker frame: %w", err))
			}
			return
		}
		for _, f := range frames {
			c.dispatch(f)
		}
	}
}

// readFrames reads one websocket message and decodes the STOMP frames in it.
// A bare newline message is a heartbeat and yields no frames.
func (c *conn) readFrames() ([]*frame.Frame, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	reader := frame.NewReader(bytes.NewReader(payload))
	var frames []*frame.Frame
	for {
		f, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			if len(frames) > 0 {
				return frames, nil
			}
			c.logger.Printf("stomp: dropping undecodable message: %v", err)
			return nil, nil
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func (c *conn) dispatch(f *frame.Frame) {
	switch f.Command {
	case frame.MESSAGE:
		c.mu.Lock()
		handler := c.handlers[f.Header.Get(frame.Subscription)]
		c.mu.Unlock()
		if handler == nil {
			c.logger.Printf("stomp: message for unknown subscription %q", f.Header.Get(frame.Subscription))
			return
		}
		handler(f.Body)
	case frame.RECEIPT:
		c.resolveReceipt(f.Header.Get(frame.ReceiptId), nil)
	case frame.ERROR:
		err := brokerError(f)
		if id := f.Header.Get(frame.ReceiptId); id != "" {
			c.resolveReceipt(id, err)
		}
		c.fail(err)
	}
}

func (c *conn) resolveReceipt(id string, err error) {
	c.mu.Lock()
	wait, ok := c.receipts[id]
	delete(c.receipts, id)
	c.mu.Unlock()
	if ok {
		wait <- err
	}
}

func (c *conn) heartbeatLoop() {
	ticker := time.NewTicker(c.outgoing)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(fmt.Errorf("failed to send heartbeat: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (c *conn) fail(err error) {
	c.finish(err)
	_ = c.ws.Close()
}

func (c *conn) finish(err error) {
	c.doneOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

type subscription struct {
	conn *conn
	id   string
	once sync.Once
}

func (s *subscription) Unsubscribe(_ context.Context) error {
	var err error
	s.once.Do(func() {
		s.conn.mu.Lock()
		delete(s.conn.handlers, s.id)
		s.conn.mu.Unlock()

		select {
		case <-s.conn.done:
			return
		default:
		}
		err = s.conn.writeFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, s.id))
	})
	return err
}

func brokerError(f *frame.Frame) error {
	message := strings.TrimSpace(f.Header.Get(frame.Message))
	body := strings.TrimSpace(string(f.Body))
	detail := message
	if detail == "" {
		detail = body
	}
	if detail == "" {
		detail = "broker returned an error"
	}

	lowered := strings.ToLower(message + " " + body)
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "invalid token", "expired", "access denied"} {
		if strings.Contains(lowered, marker) {
			return fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
		}
	}
	return fmt.Errorf("broker error: %s", detail)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

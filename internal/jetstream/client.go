package jetstream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrTimeout is returned by Next when no frame arrived within the poll
// window. It is a poll point for the caller, not a disconnect.
var ErrTimeout = errors.New("jetstream: read timeout")

var errNotConnected = errors.New("jetstream: not connected")

// Config holds the client connection settings.
type Config struct {
	URL             string
	MaxMessageBytes int64
}

type frame struct {
	data []byte
	err  error
}

// Client reads the Jetstream subscribe endpoint. A read pump goroutine feeds
// frames into a channel so Next can poll with a timeout while the underlying
// connection keeps a single blocking reader.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan frame
	closed chan struct{}
}

// NewClient creates a Jetstream client for the given subscribe URL.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 45 * time.Second,
		},
	}
}

// Connect dials the subscribe endpoint and starts the read pump. All dial
// failures are transient; the supervisor retries them with backoff.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	// Backstop for the in-band size check in Decode. A frame over this
	// limit kills the connection and trips a reconnect.
	conn.SetReadLimit(512 * 1024)
	conn.SetPongHandler(func(string) error { return nil })

	frames := make(chan frame, 256)
	closed := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.frames = frames
	c.closed = closed
	c.mu.Unlock()

	go readPump(conn, frames, closed)

	log.Info().Str("url", c.cfg.URL).Msg("Connected to Jetstream")
	return nil
}

func readPump(conn *websocket.Conn, frames chan<- frame, closed <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case frames <- frame{err: err}:
			case <-closed:
			}
			return
		}
		select {
		case frames <- frame{data: data}:
		case <-closed:
			return
		}
	}
}

// Next returns the next decoded event. It returns ErrTimeout when no frame
// arrived within timeout, ErrNotPost/ErrMalformed for skippable frames, and
// any other error when the connection is broken.
func (c *Client) Next(timeout time.Duration) (*Event, error) {
	c.mu.Lock()
	frames := c.frames
	c.mu.Unlock()
	if frames == nil {
		return nil, errNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-frames:
		if f.err != nil {
			return nil, f.err
		}
		return Decode(f.data, c.cfg.MaxMessageBytes)
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Ping sends a keepalive ping frame.
func (c *Client) Ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// Close tears down the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.conn = nil
	c.frames = nil
	c.closed = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(closed)
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

// IsTimeout reports whether err is a poll window expiry rather than a broken
// connection.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

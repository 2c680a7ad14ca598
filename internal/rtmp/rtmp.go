// Package rtmp implements a minimal RTMP publishing client: handshake,
// the connect/createStream/publish command exchange, and media message
// delivery. It speaks just enough of the protocol to push an H.264/AAC
// stream at an ingest server; playback and server roles are out of
// scope.
package rtmp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/aperture/internal/amf0"
)

const (
	rtmpVersion      = 0x03
	handshakeSize    = 1536
	defaultPort      = "1935"
	commandTimeout   = 10 * time.Second
	ackWindowDefault = 2500000
)

var (
	ErrBadURL          = errors.New("rtmp: malformed URL")
	ErrHandshake       = errors.New("rtmp: handshake failed")
	ErrCommandRejected = errors.New("rtmp: command rejected by server")
	ErrClosed          = errors.New("rtmp: connection closed")
)

// Client is an RTMP publishing session. After Dial succeeds the stream
// is live on the server and media messages can be written. Write
// methods are not safe for concurrent use; the muxer serializes them.
type Client struct {
	log *slog.Logger

	conn net.Conn
	cw   *chunkWriter
	cr   *chunkReader

	app       string
	streamKey string
	tcURL     string

	streamID uint32
	txnID    float64

	mu      sync.Mutex
	pending map[float64]chan []any
	statusC chan []any

	bytesIn    atomic.Int64
	lastAcked  int64
	ackWindow  int64
	readerDone chan struct{}
	readerErr  error
	closed     atomic.Bool
}

// Dial connects to an RTMP URL of the form
// rtmp://host[:port]/app/streamKey and completes the publish handshake.
// The returned client is live: the server expects media next.
func Dial(ctx context.Context, rawURL string) (*Client, error) {
	app, key, host, tcURL, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("rtmp: dial %s: %w", host, err)
	}

	c := &Client{
		log:        slog.With("component", "rtmp", "host", host, "app", app),
		conn:       conn,
		cw:         newChunkWriter(conn),
		cr:         newChunkReader(conn),
		app:        app,
		streamKey:  key,
		tcURL:      tcURL,
		pending:    make(map[float64]chan []any),
		statusC:    make(chan []any, 4),
		ackWindow:  ackWindowDefault,
		readerDone: make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(commandTimeout))
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()

	if err := c.publishFlow(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetDeadline(time.Time{})
	c.log.Info("publishing", "stream_id", c.streamID)
	return c, nil
}

func parseURL(rawURL string) (app, key, host, tcURL string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if u.Scheme != "rtmp" {
		return "", "", "", "", fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return "", "", "", "", fmt.Errorf("%w: path must be /app/streamKey", ErrBadURL)
	}
	app = strings.Join(parts[:len(parts)-1], "/")
	key = parts[len(parts)-1]
	host = u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	tcURL = "rtmp://" + u.Host + "/" + app
	return app, key, host, tcURL, nil
}

// handshake performs the uncomplicated C0C1/S0S1S2/C2 exchange. Digest
// handshakes are an FMS compatibility layer that plain-version peers
// negotiate away.
func (c *Client) handshake() error {
	c1 := make([]byte, 1+handshakeSize)
	c1[0] = rtmpVersion
	// Zero time field and zero version field, random filler.
	if _, err := rand.Read(c1[9:]); err != nil {
		return err
	}
	if _, err := c.conn.Write(c1); err != nil {
		return fmt.Errorf("%w: write C0C1: %v", ErrHandshake, err)
	}

	s0s1 := make([]byte, 1+handshakeSize)
	if err := readFull(c.conn, s0s1); err != nil {
		return fmt.Errorf("%w: read S0S1: %v", ErrHandshake, err)
	}
	if s0s1[0] != rtmpVersion {
		return fmt.Errorf("%w: server version 0x%02x", ErrHandshake, s0s1[0])
	}

	// C2 echoes S1.
	if _, err := c.conn.Write(s0s1[1:]); err != nil {
		return fmt.Errorf("%w: write C2: %v", ErrHandshake, err)
	}
	s2 := make([]byte, handshakeSize)
	if err := readFull(c.conn, s2); err != nil {
		return fmt.Errorf("%w: read S2: %v", ErrHandshake, err)
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// publishFlow runs the command sequence every ingest server expects:
// connect, releaseStream, FCPublish, createStream, publish.
func (c *Client) publishFlow(ctx context.Context) error {
	if err := c.writeProtocol(msgSetChunkSize, u32be(outboundChunkSize)); err != nil {
		return err
	}

	res, err := c.command(ctx, csidCommand, 0, "connect", map[string]any{
		"app":      c.app,
		"type":     "nonprivate",
		"flashVer": "FMLE/3.0 (compatible; aperture)",
		"tcUrl":    c.tcURL,
	})
	if err != nil {
		return fmt.Errorf("rtmp: connect: %w", err)
	}
	if err := checkResult(res); err != nil {
		return fmt.Errorf("rtmp: connect: %w", err)
	}

	// releaseStream and FCPublish are fire-and-forget; servers that do
	// not implement them ignore the transaction.
	if err := c.fireCommand(csidCommand, 0, "releaseStream", nil, c.streamKey); err != nil {
		return err
	}
	if err := c.fireCommand(csidCommand, 0, "FCPublish", nil, c.streamKey); err != nil {
		return err
	}

	res, err = c.command(ctx, csidCommand, 0, "createStream", nil)
	if err != nil {
		return fmt.Errorf("rtmp: createStream: %w", err)
	}
	if len(res) < 4 {
		return fmt.Errorf("rtmp: createStream: short reply")
	}
	sid, ok := res[3].(float64)
	if !ok {
		return fmt.Errorf("rtmp: createStream: stream ID missing")
	}
	c.streamID = uint32(sid)

	if err := c.fireCommand(csidCommand, c.streamID, "publish", nil, c.streamKey, "live"); err != nil {
		return err
	}
	return c.awaitPublishStatus(ctx)
}

func (c *Client) awaitPublishStatus(ctx context.Context) error {
	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()
	for {
		select {
		case vals := <-c.statusC:
			code := statusCode(vals)
			switch {
			case code == "NetStream.Publish.Start":
				return nil
			case strings.HasPrefix(code, "NetStream.Publish."):
				return fmt.Errorf("%w: %s", ErrCommandRejected, code)
			}
		case <-timer.C:
			return fmt.Errorf("rtmp: publish: no status from server")
		case <-ctx.Done():
			return ctx.Err()
		case <-c.readerDone:
			return fmt.Errorf("rtmp: publish: %w", c.readerErr)
		}
	}
}

func statusCode(vals []any) string {
	for _, v := range vals {
		if props, ok := v.(map[string]any); ok {
			if code, ok := props["code"].(string); ok {
				return code
			}
		}
	}
	return ""
}

func checkResult(vals []any) error {
	if len(vals) == 0 {
		return fmt.Errorf("empty reply")
	}
	if name, _ := vals[0].(string); name == "_error" {
		return fmt.Errorf("%w: %s", ErrCommandRejected, statusCode(vals))
	}
	return nil
}

// command sends an AMF0 command and waits for its _result/_error reply.
func (c *Client) command(ctx context.Context, csid, streamID uint32, name string, obj map[string]any, args ...any) ([]any, error) {
	c.mu.Lock()
	c.txnID++
	txn := c.txnID
	ch := make(chan []any, 1)
	c.pending[txn] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, txn)
		c.mu.Unlock()
	}()

	if err := c.writeCommand(csid, streamID, name, txn, obj, args...); err != nil {
		return nil, err
	}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case vals := <-ch:
		return vals, nil
	case <-timer.C:
		return nil, fmt.Errorf("no reply to %s", name)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.readerDone:
		return nil, fmt.Errorf("connection lost: %w", c.readerErr)
	}
}

// fireCommand sends a command without waiting for a reply.
func (c *Client) fireCommand(csid, streamID uint32, name string, obj map[string]any, args ...any) error {
	c.mu.Lock()
	c.txnID++
	txn := c.txnID
	c.mu.Unlock()
	return c.writeCommand(csid, streamID, name, txn, obj, args...)
}

func (c *Client) writeCommand(csid, streamID uint32, name string, txn float64, obj map[string]any, args ...any) error {
	body := amf0.AppendString(nil, name)
	body = amf0.AppendNumber(body, txn)
	if obj != nil {
		body = amf0.AppendObject(body, obj)
	} else {
		body = amf0.AppendNull(body)
	}
	for _, a := range args {
		body = amf0.AppendValue(body, a)
	}
	return c.cw.writeMessage(csid, &message{
		typeID:   msgCommandAMF0,
		streamID: streamID,
		body:     body,
	})
}

func (c *Client) writeProtocol(typeID uint8, body []byte) error {
	return c.cw.writeMessage(csidProtocol, &message{typeID: typeID, body: body})
}

func u32be(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// readLoop drains inbound messages: protocol control, command replies,
// and status events. It also sends acknowledgements when the server's
// ack window fills.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		m, err := c.cr.readMessage()
		if err != nil {
			c.readerErr = err
			if !c.closed.Load() {
				c.log.Warn("read loop ended", "error", err)
			}
			return
		}
		c.bytesIn.Add(int64(len(m.body)))
		c.handleMessage(m)
	}
}

func (c *Client) handleMessage(m *message) {
	switch m.typeID {
	case msgSetChunkSize:
		if len(m.body) >= 4 {
			c.cr.setChunkSize(int(binary.BigEndian.Uint32(m.body)))
		}
	case msgWindowAckSize:
		if len(m.body) >= 4 {
			c.ackWindow = int64(binary.BigEndian.Uint32(m.body))
		}
	case msgUserControl:
		// Ping request (event type 6) must be answered with a pong.
		if len(m.body) >= 6 && binary.BigEndian.Uint16(m.body) == 6 {
			pong := append([]byte{0, 7}, m.body[2:6]...)
			_ = c.writeProtocol(msgUserControl, pong)
		}
	case msgCommandAMF0:
		vals, err := amf0.DecodeAll(m.body)
		if err != nil || len(vals) < 2 {
			return
		}
		name, _ := vals[0].(string)
		switch name {
		case "_result", "_error":
			txn, _ := vals[1].(float64)
			c.mu.Lock()
			ch := c.pending[txn]
			c.mu.Unlock()
			if ch != nil {
				ch <- vals
			}
		case "onStatus":
			select {
			case c.statusC <- vals:
			default:
			}
		}
	}
	c.maybeAck()
}

func (c *Client) maybeAck() {
	in := c.bytesIn.Load()
	if in-c.lastAcked >= c.ackWindow/2 {
		c.lastAcked = in
		_ = c.writeProtocol(msgAcknowledgement, u32be(uint32(in)))
	}
}

// WriteMetaData publishes the stream metadata as an AMF0 data message.
// The "@setDataFrame" prefix tells the server to cache the metadata and
// replay it to late joiners.
func (c *Client) WriteMetaData(body []byte) error {
	full := amf0.AppendString(nil, "@setDataFrame")
	full = append(full, body...)
	return c.cw.writeMessage(csidAudio, &message{
		typeID:   msgDataAMF0,
		streamID: c.streamID,
		body:     full,
	})
}

// WriteVideoTag sends an FLV video tag body as an RTMP video message.
func (c *Client) WriteVideoTag(body []byte, timestampMS uint32, _ bool) error {
	return c.cw.writeMessage(csidVideo, &message{
		typeID:    msgVideo,
		streamID:  c.streamID,
		timestamp: timestampMS,
		body:      body,
	})
}

// WriteAudioTag sends an FLV audio tag body as an RTMP audio message.
func (c *Client) WriteAudioTag(body []byte, timestampMS uint32) error {
	return c.cw.writeMessage(csidAudio, &message{
		typeID:    msgAudio,
		streamID:  c.streamID,
		timestamp: timestampMS,
		body:      body,
	})
}

// Close tears the publish down politely, then closes the socket.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = c.fireCommand(csidCommand, c.streamID, "FCUnpublish", nil, c.streamKey)
	_ = c.fireCommand(csidCommand, 0, "deleteStream", nil, float64(c.streamID))
	return c.conn.Close()
}

package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/zsiec/ccx"

	"github.com/zsiec/aperture/internal/certs"
	"github.com/zsiec/aperture/internal/mux"
)

// alpnProtocol is the ALPN token viewers must offer.
const alpnProtocol = "aperture-flv"

// Application error codes sent on connection close.
const (
	errCodeShutdown quic.ApplicationErrorCode = 0
	errCodeSlow     quic.ApplicationErrorCode = 1
	errCodeInternal quic.ApplicationErrorCode = 2
)

// viewerQueueSize bounds the per-viewer tag queue. It must exceed the
// largest header+GOP replay (a 2 s GOP at 60 fps plus its audio is
// around 220 tags) with room for live tags on top.
const viewerQueueSize = 512

// captionQueueSize bounds the per-viewer caption queue.
const captionQueueSize = 16

// maxIdleTimeout disconnects viewers whose path has gone quiet.
const maxIdleTimeout = 30 * time.Second

// ServerConfig holds the fanout server configuration.
type ServerConfig struct {
	Addr  string
	Cert  *certs.CertInfo
	Relay *Relay
}

// Server accepts QUIC viewer connections and streams the relayed
// container to each. Every viewer gets two server-initiated
// unidirectional streams: one carrying a complete FLV byte stream, one
// carrying newline-delimited JSON caption frames.
type Server struct {
	log    *slog.Logger
	config ServerConfig

	viewerSeq atomic.Int64
	accepted  atomic.Int64
}

// NewServer validates the configuration and creates a fanout server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	if config.Relay == nil {
		return nil, errors.New("distribution: Relay is required")
	}
	return &Server{
		log:    slog.With("component", "fanout"),
		config: config,
	}, nil
}

// Accepted returns the number of viewer connections accepted so far.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Start listens for viewers and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		NextProtos:   []string{alpnProtocol},
	}
	ln, err := quic.ListenAddr(s.config.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout: maxIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("distribution: listen %s: %w", s.config.Addr, err)
	}
	defer ln.Close()

	s.log.Info("fanout listening", "addr", s.config.Addr,
		"cert_fingerprint", s.config.Cert.FingerprintBase64())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.accepted.Add(1)

		v := newViewerSession(
			fmt.Sprintf("viewer-%d-%s", s.viewerSeq.Add(1), conn.RemoteAddr()),
			conn,
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveViewer(ctx, v)
		}()
	}
}

func (s *Server) serveViewer(ctx context.Context, v *viewerSession) {
	s.log.Info("viewer connected", "viewer", v.id)

	s.config.Relay.AddViewer(v)
	defer s.config.Relay.RemoveViewer(v.id)

	if err := v.run(ctx); err != nil {
		s.log.Debug("viewer session ended", "viewer", v.id, "error", err)
	}
}

// viewerSession drains the relay's per-viewer queues onto the QUIC
// connection. SendTag never blocks: a full queue means the viewer
// cannot keep up with the live edge and the relay evicts it.
type viewerSession struct {
	id   string
	conn quic.Connection

	tagCh chan []byte
	capCh chan *ccx.CaptionFrame

	evicted atomic.Bool

	tagsSent  atomic.Int64
	bytesSent atomic.Int64
	dropped   atomic.Int64
}

var _ Viewer = (*viewerSession)(nil)

func newViewerSession(id string, conn quic.Connection) *viewerSession {
	return &viewerSession{
		id:    id,
		conn:  conn,
		tagCh: make(chan []byte, viewerQueueSize),
		capCh: make(chan *ccx.CaptionFrame, captionQueueSize),
	}
}

func (v *viewerSession) ID() string { return v.id }

// SendTag queues a framed tag for delivery. Returns false once the
// queue overflows, which the relay treats as an eviction.
func (v *viewerSession) SendTag(tag []byte) bool {
	if v.evicted.Load() {
		return false
	}
	select {
	case v.tagCh <- tag:
		return true
	default:
		v.dropped.Add(1)
		v.evicted.Store(true)
		v.conn.CloseWithError(errCodeSlow, "viewer too slow")
		return false
	}
}

// SendCaption queues a caption frame, dropping when full. Captions are
// advisory; losing one never costs the viewer its connection.
func (v *viewerSession) SendCaption(frame *ccx.CaptionFrame) {
	select {
	case v.capCh <- frame:
	default:
		v.dropped.Add(1)
	}
}

func (v *viewerSession) Stats() ViewerStats {
	return ViewerStats{
		ID:        v.id,
		TagsSent:  v.tagsSent.Load(),
		BytesSent: v.bytesSent.Load(),
		Dropped:   v.dropped.Load(),
	}
}

func (v *viewerSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer v.conn.CloseWithError(errCodeShutdown, "stream ended")

	mediaStream, err := v.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open media stream: %w", err)
	}
	captionStream, err := v.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open caption stream: %w", err)
	}

	go v.captionLoop(ctx, captionStream)

	// The FLV file header precedes the replayed header tags already
	// sitting in the queue.
	if _, err := mediaStream.Write(mux.FLVFileHeader); err != nil {
		return err
	}

	for {
		select {
		case tag := <-v.tagCh:
			if _, err := mediaStream.Write(tag); err != nil {
				return err
			}
			v.tagsSent.Add(1)
			v.bytesSent.Add(int64(len(tag)))
		case <-ctx.Done():
			return nil
		case <-v.conn.Context().Done():
			return context.Cause(v.conn.Context())
		}
	}
}

func (v *viewerSession) captionLoop(ctx context.Context, stream quic.SendStream) {
	enc := json.NewEncoder(stream)
	for {
		select {
		case frame := <-v.capCh:
			if err := enc.Encode(frame); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

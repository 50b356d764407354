// Package websocket streams chunked deliveries over the persistent session
// channel. A stream is one meta frame, the chunks in order, then a complete
// frame; the client acknowledges by closing the connection.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"scriptgate/internal/config"
	"scriptgate/internal/delivery"
	"scriptgate/internal/infrastructure"
)

// Frame types
const (
	FrameMeta     = "meta"
	FrameChunk    = "chunk"
	FrameComplete = "complete"
)

// maxMessageSize bounds what the client may send; it only ever closes.
const maxMessageSize = 512

// Frame is one JSON text message on the channel.
type Frame struct {
	Type        string `json:"type"`
	Seq         int    `json:"seq"`
	Data        string `json:"data,omitempty"`
	ChunkCount  int    `json:"chunkCount,omitempty"`
	PayloadSize int    `json:"payloadSize,omitempty"`
	ServerTS    int64  `json:"serverTs,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Watermark   string `json:"watermark,omitempty"`
}

// Streamer upgrades requests and writes chunk sets to them.
type Streamer struct {
	upgrader websocket.Upgrader
	cfg      config.WebSocketConfig
	logger   *slog.Logger
}

// NewStreamer creates a streamer. checkOrigin may be nil, in which case
// requests without an Origin header (executors) and any origin are accepted.
func NewStreamer(cfg config.WebSocketConfig, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Streamer {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Streamer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		cfg:    cfg,
		logger: logger.With(slog.String("component", "websocket.streamer")),
	}
}

// Upgrade switches the request to the WebSocket protocol. On failure the
// upgrader has already written an HTTP error.
func (s *Streamer) Upgrade(w http.ResponseWriter, r *http.Request) (Connection, error) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewConnectionWrapper(conn), nil
}

// Stream writes set to conn and waits for the client to close. It always
// closes conn.
func (s *Streamer) Stream(ctx context.Context, conn Connection, set *delivery.ChunkSet) error {
	defer conn.Close()
	start := time.Now()

	err := s.write(conn, Frame{
		Type:        FrameMeta,
		ChunkCount:  len(set.Chunks),
		PayloadSize: set.PayloadSize,
		ServerTS:    set.ServerTS,
		Mode:        string(set.Mode),
	})
	if err != nil {
		return err
	}
	for i, chunk := range set.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := Frame{Type: FrameChunk, Seq: i, Data: base64.StdEncoding.EncodeToString(chunk)}
		if err := s.write(conn, frame); err != nil {
			return err
		}
	}
	if err := s.write(conn, Frame{Type: FrameComplete, Watermark: set.Watermark}); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Chunk stream sent",
		slog.String("remote_addr", conn.RemoteAddr()),
		slog.Int("chunks", len(set.Chunks)),
		slog.Int("payload_size", set.PayloadSize),
		slog.Duration("duration", time.Since(start)))

	return s.awaitClose(ctx, conn)
}

func (s *Streamer) write(conn Connection, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// awaitClose keeps the connection alive with pings until the client closes
// it, the pong deadline lapses or ctx ends.
func (s *Streamer) awaitClose(ctx context.Context, conn Connection) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	done := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				done <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("channel closed: %w", err)
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/markview/markview/internal/hub"
)

const (
	// Time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the peer.
	maxMessageSize = 4096
)

// inboundFrame is a client-to-server protocol message.
type inboundFrame struct {
	Type  string   `json:"type"`
	Paths []string `json:"paths,omitempty"`
}

// outboundFrame is a server-to-client protocol message.
type outboundFrame struct {
	Type         string           `json:"type"`
	SubscriberID string           `json:"subscriber_id,omitempty"`
	LastSeq      uint64           `json:"last_seq,omitempty"`
	Event        *hub.ChangeEvent `json:"event,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.deps.Config.Server.AllowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			break
		}
		opts.OriginPatterns = append(opts.OriginPatterns, origin)
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn(r.Context(), err, "websocket upgrade rejected")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.deps.Hub.Subscribe(hub.FilterAll())
	defer s.deps.Hub.Unsubscribe(sub.ID())
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := s.writeFrame(ctx, conn, outboundFrame{
		Type:         "connected",
		SubscriberID: sub.ID().String(),
		LastSeq:      s.deps.Sequencer.Sequence(),
	}); err != nil {
		return
	}

	go func() {
		defer cancel()
		s.writePump(ctx, conn, sub)
	}()

	s.readPump(ctx, conn, sub)
}

// readPump consumes protocol frames from the peer until the connection
// dies or stays idle past the configured timeout.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sub *hub.Subscriber) {
	idle := s.deps.Config.Hub.IdleTimeout

	for {
		readCtx := ctx
		cancel := func() {}
		if idle > 0 {
			readCtx, cancel = context.WithTimeout(ctx, idle)
		}

		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Debug(ctx, "websocket read ended", "reason", err.Error())
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = s.writeFrame(ctx, conn, outboundFrame{Type: "error", Error: "malformed frame"})
			continue
		}

		switch frame.Type {
		case "subscribe":
			if len(frame.Paths) == 0 {
				sub.SetFilter(hub.FilterAll())
			} else {
				sub.SetFilter(hub.FilterPaths(frame.Paths...))
			}
		case "unsubscribe":
			// Explicit unsubscribe ends the subscription for good; the
			// connection has nothing left to carry and is closed.
			s.deps.Hub.Unsubscribe(sub.ID())
			return
		case "ping":
			if err := s.writeFrame(ctx, conn, outboundFrame{Type: "pong"}); err != nil {
				return
			}
		default:
			_ = s.writeFrame(ctx, conn, outboundFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

// writePump drains the subscriber queue onto the wire and pings the peer
// whenever the queue stays empty for a ping interval.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, sub *hub.Subscriber) {
	interval := s.deps.Config.Hub.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		nextCtx, cancel := context.WithTimeout(ctx, interval)
		msg, err := sub.Next(nextCtx)
		cancel()

		if err != nil {
			if nextCtx.Err() != nil && ctx.Err() == nil {
				// Queue idle: ping the peer instead.
				pingCtx, cancel := context.WithTimeout(ctx, writeWait)
				pingErr := conn.Ping(pingCtx)
				cancel()
				if pingErr != nil {
					return
				}
				continue
			}
			return
		}

		frame := outboundFrame{Type: string(msg.Type), Event: msg.Event}
		if err := s.writeFrame(ctx, conn, frame); err != nil {
			return
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data)
}

package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"terrastream.dev/internal/protocol"
	"terrastream.dev/internal/sim/engine"
	"terrastream.dev/internal/sim/terrain/region"
	"terrastream.dev/internal/sim/tuning"
)

const outQueueSize = 64

type Server struct {
	engine *engine.Engine
	cfg    tuning.Tuning
	log    *log.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]chan []byte
}

func NewServer(e *engine.Engine, cfg tuning.Tuning, logger *log.Logger) *Server {
	s := &Server{
		engine: e,
		cfg:    cfg,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]chan []byte{},
	}
	e.SetNotifier(s.broadcastRegion)
	return s
}

// broadcastRegion fans a region lifecycle change out to every connected
// observer. A slow consumer drops notifications rather than stalling the tick
// thread.
func (s *Server) broadcastRegion(c region.Coord, st region.Status) {
	msg := protocol.RegionMsg{
		Type:            protocol.TypeRegion,
		ProtocolVersion: protocol.Version,
		Coord:           [3]int{c.X, c.Y, c.Z},
		Status:          st.String(),
		Tick:            s.engine.CurrentTick(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, out := range s.subs {
		select {
		case out <- b:
		default:
		}
	}
}

func (s *Server) subscribe(id string) chan []byte {
	out := make(chan []byte, outQueueSize)
	s.mu.Lock()
	s.subs[id] = out
	s.mu.Unlock()
	return out
}

func (s *Server) unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		observerID := s.handshake(conn)
		if observerID == "" {
			return
		}

		out := s.subscribe(observerID)
		defer s.unsubscribe(observerID)

		done := make(chan struct{})

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-done:
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleMessage(out, observerID, msg)
		}

		close(done)
	}
}

func (s *Server) handleMessage(out chan []byte, observerID string, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendErr(out, protocol.ErrProtoBadRequest, "malformed JSON")
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.sendErr(out, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}

	switch base.Type {
	case protocol.TypePos:
		var pos protocol.PosMsg
		if err := json.Unmarshal(msg, &pos); err != nil {
			s.sendErr(out, protocol.ErrProtoBadRequest, "malformed POS")
			return
		}
		s.engine.SetObserver(observerID, region.Vec3{X: pos.Pos[0], Y: pos.Pos[1], Z: pos.Pos[2]})

	case protocol.TypeEdit:
		var edit protocol.EditMsg
		if err := json.Unmarshal(msg, &edit); err != nil {
			s.sendErr(out, protocol.ErrProtoBadRequest, "malformed EDIT")
			return
		}
		if edit.Radius <= 0 {
			s.sendErr(out, protocol.ErrBadRequest, "radius must be positive")
			return
		}
		var adding bool
		switch edit.Mode {
		case "ADD":
			adding = true
		case "REMOVE":
			adding = false
		default:
			s.sendErr(out, protocol.ErrBadRequest, "mode must be ADD or REMOVE")
			return
		}
		s.engine.ApplyEdit(region.Vec3{X: edit.Pos[0], Y: edit.Pos[1], Z: edit.Pos[2]}, edit.Radius, adding)

	default:
		s.sendErr(out, protocol.ErrProtoBadRequest, "unknown message type")
	}
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}

	observerID := uuid.NewString()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ObserverID:      observerID,
		WorldParams: protocol.WorldParams{
			TickRateHz: s.cfg.TickRateHz,
			RegionSize: s.cfg.RegionSize,
			VoxelSize:  s.cfg.VoxelSize,
			LoadRadius: s.cfg.Streaming.LoadRadius,
			Seed:       s.cfg.Seed,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	return observerID
}

// sendErr queues the error on the outbound channel; the writer goroutine owns
// the connection once the handshake is done.
func (s *Server) sendErr(out chan []byte, code, detail string) {
	b, err := json.Marshal(protocol.ErrMsg{
		Type:            protocol.TypeErr,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         detail,
	})
	if err != nil {
		return
	}
	select {
	case out <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

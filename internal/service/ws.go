package service

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/api/schemas"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsMaxMessage   = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement for frame events happens per message against
	// the frame's allow-list; the socket itself is host-side UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsInbound is a frame event relayed to the service by the host UI: the
// raw postMessage payload plus the browsing context origin it came from.
type wsInbound struct {
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
}

// wsOutbound is an event pushed to the host UI.
type wsOutbound struct {
	Type    string           `json:"type"`
	Error   string           `json:"error,omitempty"`
	Locator *schemas.Locator `json:"locator,omitempty"`
}

// handleWebsocket services one frame's event channel. The host UI
// forwards frame postMessages inbound; completed locators stream
// outbound.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	frameID := r.URL.Query().Get("frame")
	locators, err := s.manager.Locators(frameID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	log := s.logger.With(zap.String("frame_id", frameID))
	log.Debug("Websocket connected")

	done := make(chan struct{})
	outbound := make(chan wsOutbound, 8)

	// Single writer goroutine: gorilla connections allow one concurrent
	// writer, so locator events, error pushes and pings all funnel here.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		defer conn.Close()

		for {
			select {
			case <-done:
				return
			case loc := <-locators:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(wsOutbound{Type: "locator", Locator: &loc}); err != nil {
					log.Debug("Websocket write failed", zap.Error(err))
					return
				}
			case out := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(out); err != nil {
					log.Debug("Websocket write failed", zap.Error(err))
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader: inbound frame events.
	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(raw, &in); err != nil {
			pushWsError(outbound, "malformed event envelope")
			continue
		}

		if err := s.manager.HandleMessage(frameID, in.Origin, in.Message); err != nil {
			pushWsError(outbound, err.Error())
		}
	}
}

// pushWsError queues an error event, dropping it if the writer is
// saturated.
func pushWsError(outbound chan<- wsOutbound, msg string) {
	select {
	case outbound <- wsOutbound{Type: "error", Error: msg}:
	default:
	}
}

package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarkusPolo/consoled/internal/api"
	"github.com/MarkusPolo/consoled/internal/console"
	"github.com/MarkusPolo/consoled/internal/model"
	"github.com/MarkusPolo/consoled/internal/serial"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon binds to loopback; same-origin enforcement is not useful there.
	CheckOrigin: func(*http.Request) bool { return true },
}

// consoleHandler upgrades to a websocket and bridges it to a console stream.
// Raw terminal bytes travel as binary frames in both directions; JSON text
// frames carry control messages and events.
func (s *Server) consoleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ref := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/console/"), "/")
	path, baud, err := s.resolvePort(r.Context(), ref)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
		return
	}
	if raw := r.URL.Query().Get("baud"); raw != "" {
		b, err := strconv.Atoi(raw)
		if err != nil || b <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid baud")
			return
		}
		baud = b
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: ws}
	defer ws.Close()

	st, err := s.hub.Attach(path, baud)
	if err != nil {
		code := websocket.ClosePolicyViolation
		reason := "Port busy"
		if !errors.Is(err, serial.ErrPortBusy) {
			reason = "Port unavailable"
		}
		conn.writeControl(websocket.FormatCloseMessage(code, reason))
		return
	}
	defer st.Close()
	s.log.Info("console attached", zap.String("port", path), zap.Int("baud", baud))

	go s.consoleWritePump(conn, st)
	s.consoleReadPump(conn, st)
}

// consoleReadPump consumes client frames until the socket or stream dies.
func (s *Server) consoleReadPump(conn *wsConn, st *console.Stream) {
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-st.Done():
			return
		default:
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := st.Send(data); err != nil {
				conn.writeEvent(api.ConsoleEvent{
					Type:    string(console.EventError),
					Code:    model.ErrCodeSessionClosed,
					Message: err.Error(),
				})
				return
			}
		case websocket.TextMessage:
			s.handleConsoleControl(conn, st, data)
		}
	}
}

func (s *Server) handleConsoleControl(conn *wsConn, st *console.Stream, data []byte) {
	var ctl api.ConsoleControl
	if err := json.Unmarshal(data, &ctl); err != nil {
		conn.writeEvent(api.ConsoleEvent{
			Type:    string(console.EventError),
			Code:    model.ErrCodeInvalidRequest,
			Message: "invalid control message",
		})
		return
	}
	switch ctl.Type {
	case "capture":
		if strings.TrimSpace(ctl.Command) == "" {
			conn.writeEvent(api.ConsoleEvent{
				Type:    string(console.EventError),
				Code:    model.ErrCodeInvalidRequest,
				Message: "capture requires a command",
			})
			return
		}
		if err := st.Capture(ctl.Command); err != nil {
			code := model.ErrCodeInternal
			if errors.Is(err, console.ErrAlreadyCapturing) {
				code = model.ErrCodeAlreadyCapture
			}
			conn.writeEvent(api.ConsoleEvent{
				Type:    string(console.EventError),
				Code:    code,
				Message: err.Error(),
			})
		}
	case "set_backspace":
		b, err := parseBackspace(ctl.Sequence)
		if err != nil {
			conn.writeEvent(api.ConsoleEvent{
				Type:    string(console.EventError),
				Code:    model.ErrCodeInvalidRequest,
				Message: err.Error(),
			})
			return
		}
		st.SetBackspace(b)
	case "set_keymap":
		rules := make([]console.Rule, 0, len(ctl.Rules))
		for _, r := range ctl.Rules {
			rules = append(rules, console.Rule{
				Trigger:     []byte(r.Trigger),
				Replacement: []byte(r.Replacement),
			})
		}
		st.SetKeymap(rules)
	default:
		conn.writeEvent(api.ConsoleEvent{
			Type:    string(console.EventError),
			Code:    model.ErrCodeInvalidRequest,
			Message: "unknown control type " + strconv.Quote(ctl.Type),
		})
	}
}

// consoleWritePump forwards stream events to the socket. It owns all outbound
// data frames; control error frames from the read side go through the shared
// write lock.
func (s *Server) consoleWritePump(conn *wsConn, st *console.Stream) {
	for {
		select {
		case <-st.Done():
			conn.writeControl(websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
			return
		case ev := <-st.Output():
			switch ev.Type {
			case console.EventData:
				if err := conn.writeBinary(ev.Data); err != nil {
					return
				}
			case console.EventCaptureResult:
				conn.writeEvent(api.ConsoleEvent{Type: string(ev.Type), Output: ev.Output})
			case console.EventRecorded:
				conn.writeEvent(api.ConsoleEvent{Type: string(ev.Type), Command: ev.Command})
			case console.EventError:
				conn.writeEvent(api.ConsoleEvent{Type: string(ev.Type), Message: ev.Message})
			}
		}
	}
}

// parseBackspace accepts the literal DEL/BS byte that terminal frontends put
// in the sequence field, plus mnemonic and escaped spellings.
func parseBackspace(raw string) (byte, error) {
	if len(raw) == 1 && (raw[0] == 0x7f || raw[0] == 0x08) {
		return raw[0], nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "del", "delete", `\x7f`, "0x7f", "127":
		return 0x7f, nil
	case "bs", "backspace", `\x08`, "0x08", "8":
		return 0x08, nil
	default:
		return 0, errors.New("backspace sequence must be del or bs")
	}
}

// wsConn serializes writes; gorilla allows at most one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) writeBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) writeEvent(ev api.ConsoleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(ev)
}

func (c *wsConn) writeControl(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
}

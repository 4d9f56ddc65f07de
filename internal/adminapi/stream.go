package adminapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wasession/internal/whatsapp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

const (
	FrameQR     = "qr"
	FrameStatus = "status"
)

// Frame is one server push on the realtime channel.
type Frame struct {
	Event string                `json:"event"`
	State whatsapp.SessionState `json:"state"`
}

// checkOrigin accepts configured origins, or same-host requests when none are configured.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		if len(allowed) > 0 {
			return false
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// stream upgrades to a websocket and pushes every transition of one tenant.
// The first frame is the current state. When the subscription is dropped
// for falling behind, the socket is closed with 1013 and the client is
// expected to reconnect and catch up from the first frame.
func (h *whatsAppHandler) stream(c echo.Context) error {
	tenant, allowed := resolveTenant(c, c.QueryParam("tenant"))
	if !allowed {
		return forbidden(c)
	}
	sub, err := h.coord.Subscribe(tenant)
	if err != nil {
		if errors.Is(err, whatsapp.ErrClosed) {
			return fail(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Session service is shutting down", nil)
		}
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", "Invalid tenant identifier", nil)
	}
	defer h.coord.Unsubscribe(sub)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(h.origins),
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		zap.L().Debug("adminapi: websocket upgrade failed", zap.String("tenant", tenant), zap.Error(err))
		return nil
	}
	defer conn.Close()

	// the client only sends pongs and close frames
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	lastArtifact := ""
	for {
		select {
		case st, open := <-sub.Events():
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"),
					time.Now().Add(writeWait))
				return nil
			}
			frame := Frame{Event: FrameStatus, State: st}
			if st.Status == whatsapp.StatusWaitingQR && st.PairingArtifact != "" && st.PairingArtifact != lastArtifact {
				frame.Event = FrameQR
			}
			lastArtifact = st.PairingArtifact
			data, err := json.Marshal(frame)
			if err != nil {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				zap.L().Debug("adminapi: websocket write failed", zap.String("tenant", tenant), zap.Error(err))
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case <-closed:
			return nil
		}
	}
}

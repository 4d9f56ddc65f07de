package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/talkincode/wasession/internal/webserver"
	"github.com/talkincode/wasession/internal/whatsapp"
)

func dialStream(t *testing.T, ts *httptest.Server, tok, tenant string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + webserver.ApiPrefix + "/whatsapp/ws?tenant=" + tenant + "&token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

func TestStreamPushesEveryTransition(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Echo())
	defer ts.Close()
	tok := token(t, "acme", "")

	conn := dialStream(t, ts, tok, "acme")
	first := readFrame(t, conn)
	if first.Event != FrameStatus || first.State.Status != whatsapp.StatusIdle {
		t.Fatalf("first frame = %+v", first)
	}

	expectCode(t, e.do(t, http.MethodPost, "/whatsapp/connect", tok, map[string]string{"tenant": "acme"}), http.StatusAccepted)

	var view whatsapp.View
	view.Apply(first.State)
	last := first.State
	sawQR := false
	for !sawQR {
		f := readFrame(t, conn)
		if !f.State.UpdatedAt.After(last.UpdatedAt) {
			t.Fatalf("frame not newer: %s after %s", f.State.UpdatedAt, last.UpdatedAt)
		}
		last = f.State
		view.Apply(f.State)
		if f.Event == FrameQR {
			if f.State.Status != whatsapp.StatusWaitingQR || f.State.PairingArtifact == "" {
				t.Fatalf("qr frame = %+v", f)
			}
			sawQR = true
		}
	}

	if err := e.sim.Pair("acme"); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Event != FrameStatus || f.State.Status != whatsapp.StatusReady {
		t.Fatalf("frame after pairing = %+v", f)
	}
	view.Apply(f.State)

	// poll and push agree
	polled := e.app.coord.Status("acme")
	if view.Apply(polled) {
		t.Fatalf("poll %+v is newer than the pushed state %+v", polled, view.State())
	}
	if merged := view.State(); merged.Status != polled.Status || !merged.UpdatedAt.Equal(polled.UpdatedAt) {
		t.Fatalf("merged view %+v differs from poll %+v", view.State(), polled)
	}
}

func TestStreamRotatedCodeIsQRFrame(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Echo())
	defer ts.Close()
	tok := token(t, "acme", "")

	expectCode(t, e.do(t, http.MethodPost, "/whatsapp/connect", tok, map[string]string{"tenant": "acme"}), http.StatusAccepted)
	e.pollStatus(t, tok, "acme", whatsapp.StatusWaitingQR)

	conn := dialStream(t, ts, tok, "acme")
	first := readFrame(t, conn)
	if first.Event != FrameQR {
		t.Fatalf("first frame while waiting_qr = %+v", first)
	}

	if err := e.sim.Rotate("acme"); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Event != FrameQR || f.State.PairingArtifact == first.State.PairingArtifact {
		t.Fatalf("rotated frame = %+v", f)
	}
}

func TestStreamRejectsForeignTenant(t *testing.T) {
	e := newTestEnv(t)
	ts := httptest.NewServer(e.srv.Echo())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + webserver.ApiPrefix + "/whatsapp/ws?tenant=globex&token=" + token(t, "acme", "")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded for a foreign tenant")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %+v", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
	req.Header.Set("Origin", "http://api.example.com")
	if !checkOrigin(nil)(req) {
		t.Fatal("same host origin rejected")
	}
	req.Header.Set("Origin", "http://evil.example.com")
	if checkOrigin(nil)(req) {
		t.Fatal("cross origin accepted without configuration")
	}
	if !checkOrigin([]string{"http://evil.example.com"})(req) {
		t.Fatal("configured origin rejected")
	}
	if !checkOrigin([]string{"*"})(req) {
		t.Fatal("wildcard rejected")
	}
}

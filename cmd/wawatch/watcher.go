package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"github.com/talkincode/wasession/internal/whatsapp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const apiPrefix = "/api/v1"

type frame struct {
	Event string                `json:"event"`
	State whatsapp.SessionState `json:"state"`
}

// watcher follows one tenant through both the status poll and the realtime
// feed, and prints the merged state each time it moves forward.
type watcher struct {
	base   string
	tenant string
	token  string
	qrOut  string
	client *http.Client
	out    io.Writer

	mu   sync.Mutex
	view whatsapp.View
}

func (w *watcher) request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, w.base+apiPrefix+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return w.client.Do(req)
}

func readError(resp *http.Response) error {
	var env struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &env) == nil && env.Error != "" {
		return errors.Errorf("%s: %s (%d)", env.Error, env.Message, resp.StatusCode)
	}
	return errors.Errorf("unexpected status %d", resp.StatusCode)
}

// connect asks the server to start pairing the tenant.
func (w *watcher) connect(ctx context.Context) error {
	resp, err := w.request(ctx, http.MethodPost, "/whatsapp/connect", map[string]string{"tenant": w.tenant})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		if resp.StatusCode == http.StatusTooManyRequests {
			return errors.Wrapf(readError(resp), "retry after %ss", resp.Header.Get("Retry-After"))
		}
		return readError(resp)
	}
	var body struct {
		State whatsapp.SessionState `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	w.apply("connect", body.State)
	return nil
}

func (w *watcher) status(ctx context.Context) (whatsapp.SessionState, error) {
	resp, err := w.request(ctx, http.MethodGet, "/whatsapp/status/"+url.PathEscape(w.tenant), nil)
	if err != nil {
		return whatsapp.SessionState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return whatsapp.SessionState{}, readError(resp)
	}
	var st whatsapp.SessionState
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

// poll reads the status every interval until ctx ends.
func (w *watcher) poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := w.status(ctx)
		switch {
		case err == nil:
			w.apply("poll", st)
		case ctx.Err() != nil:
			return nil
		default:
			zap.L().Warn("wawatch: status poll", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *watcher) streamURL() string {
	u := strings.Replace(w.base, "http", "ws", 1) + apiPrefix + "/whatsapp/ws"
	q := url.Values{"tenant": {w.tenant}, "token": {w.token}}
	return u + "?" + q.Encode()
}

// follow keeps a realtime connection open, reconnecting with backoff when
// the server drops it.
func (w *watcher) follow(ctx context.Context) error {
	backoff := time.Second
	for {
		err := w.followOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		zap.L().Info("wawatch: realtime channel closed, reconnecting", zap.Error(err), zap.Duration("in", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (w *watcher) followOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.streamURL(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return errors.Wrap(err, "decode frame")
		}
		w.apply(f.Event, f.State)
		if f.Event == "qr" && w.qrOut != "" {
			if err := qrcode.WriteFile(f.State.PairingArtifact, qrcode.Medium, 256, w.qrOut); err != nil {
				zap.L().Warn("wawatch: write qr image", zap.Error(err))
			}
		}
	}
}

// apply merges st and prints it when it is newer than what was shown.
func (w *watcher) apply(source string, st whatsapp.SessionState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.view.Apply(st) {
		return false
	}
	line := fmt.Sprintf("%s  %-12s %-6s", st.UpdatedAt.Local().Format("15:04:05.000"), st.Status, source)
	switch {
	case st.PairingArtifact != "":
		line += "  code " + st.PairingArtifact
	case st.LastError != "":
		line += "  " + st.LastError
	}
	fmt.Fprintln(w.out, line)
	return true
}

// tenantFromToken reads the tenant claim without verifying the signature,
// the server does that.
func tenantFromToken(tok string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return ""
	}
	tenant, _ := claims["tenant"].(string)
	return tenant
}

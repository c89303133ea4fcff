package alert

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/riskgate/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newLocalNotifier builds a notifier pointed at a httptest server. It
// skips New because the URL guard rejects loopback addresses by design.
func newLocalNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: time.Second},
	}
}

func blockedDecision() *engine.Decision {
	return &engine.Decision{
		ID:        "dec_alert1",
		Identity:  "203.0.113.9",
		RiskScore: 0.82,
		RiskLevel: engine.LevelHigh,
		Action:    engine.Action{Type: engine.ActionBlock, Reason: "bot_detected", Duration: time.Hour},
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestNew_RejectsUnsafeURLs(t *testing.T) {
	for _, url := range []string{
		"http://127.0.0.1/hook",
		"http://localhost:9000/hook",
		"http://10.0.0.5/hook",
		"ftp://example.com/hook",
		"not a url at all ://",
	} {
		_, err := New(url)
		assert.Error(t, err, url)
	}
}

func TestOnBlock_DeliversSignedEvent(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newLocalNotifier(srv.URL, "hush")
	n.logger = testLogger()
	n.OnBlock(blockedDecision())
	n.Wait()

	var ev Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, "decision.blocked", ev.Type)
	require.NotNil(t, ev.Decision)
	assert.Equal(t, "dec_alert1", ev.Decision.ID)
	assert.Equal(t, engine.ActionBlock, ev.Decision.Action.Type)

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestOnBlock_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newLocalNotifier(srv.URL, "")
	n.logger = testLogger()
	n.OnBlock(blockedDecision())
	n.Wait()

	assert.Equal(t, int32(3), calls.Load())
}

func TestOnBlock_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := newLocalNotifier(srv.URL, "")
	n.logger = testLogger()
	n.OnBlock(blockedDecision())
	n.Wait()

	assert.Equal(t, int32(1), calls.Load(), "4xx responses are permanent")
}

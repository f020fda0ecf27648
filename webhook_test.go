package nexasync_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	nexasync "github.com/nexa-social/nexasync"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPayload() map[string]any {
	return map[string]any{
		"event":     "INSERT",
		"resource":  "messages",
		"timestamp": 1700000000000,
		"record": map[string]any{
			"id":              "msg-001",
			"conversation_id": "conv-001",
			"content":         "Hello from test",
		},
	}
}

func makeTestBody(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestWebhook(t *testing.T, opts ...nexasync.WebhookOption) *nexasync.WebhookFeed {
	t.Helper()
	f, err := nexasync.NewWebhookFeed(testSecret, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestBody(t, makeTestPayload())
	sig := nexasync.SignWebhook(body, testSecret)

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		want      bool
	}{
		{"valid signature", body, sig, testSecret, true},
		{"valid without prefix", body, strings.TrimPrefix(sig, "sha256="), testSecret, true},
		{"wrong signature", body, "sha256=" + strings.Repeat("0", 64), testSecret, false},
		{"wrong secret", body, sig, "other-secret", false},
		{"tampered body", append([]byte("x"), body...), sig, testSecret, false},
		{"empty body", nil, sig, testSecret, false},
		{"empty signature", body, "", testSecret, false},
		{"empty secret", body, sig, "", false},
		{"sha256= prefix only", body, "sha256=", testSecret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nexasync.VerifyWebhookSignature(tt.body, tt.signature, tt.secret); got != tt.want {
				t.Errorf("VerifyWebhookSignature = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// ParseWebhookEvent
// ============================================================================

func TestParseWebhookEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("change event", func(t *testing.T) {
		ev, err := nexasync.ParseWebhookEvent(makeTestBody(t, makeTestPayload()), now)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind != nexasync.EventInsert || ev.Resource != "messages" || gjson.GetBytes(ev.Payload, "id").String() != "msg-001" {
			t.Errorf("event = %+v", ev)
		}
		if !ev.ObservedAt.Equal(time.UnixMilli(1700000000000)) {
			t.Errorf("ObservedAt = %v", ev.ObservedAt)
		}
	})

	t.Run("delete uses old record", func(t *testing.T) {
		body := `{"event":"DELETE","resource":"messages","old_record":{"id":"m0"}}`
		ev, err := nexasync.ParseWebhookEvent([]byte(body), now)
		if err != nil || ev.Kind != nexasync.EventDelete || string(ev.Payload) != `{"id":"m0"}` || !ev.ObservedAt.Equal(now) {
			t.Errorf("event = %+v, %v", ev, err)
		}
	})

	t.Run("chat message webhook", func(t *testing.T) {
		body := `{"source":"chat","event":"message.new","timestamp":1700000000,"message":{"id":"m1","conversationId":"c1"}}`
		ev, err := nexasync.ParseWebhookEvent([]byte(body), now)
		if err != nil || ev.Kind != nexasync.EventInsert || ev.Resource != "messages" {
			t.Fatalf("event = %+v, %v", ev, err)
		}
		if !ev.ObservedAt.Equal(time.Unix(1700000000, 0)) {
			t.Errorf("seconds timestamp = %v", ev.ObservedAt)
		}
	})

	bad := map[string]string{
		"invalid JSON":     `{not json`,
		"missing event":    `{"resource":"messages","record":{"id":"x"}}`,
		"unknown event":    `{"event":"typing","resource":"messages","record":{"id":"x"}}`,
		"missing resource": `{"event":"INSERT","record":{"id":"x"}}`,
		"missing record":   `{"event":"INSERT","resource":"messages"}`,
	}
	for name, body := range bad {
		t.Run(name, func(t *testing.T) {
			if _, err := nexasync.ParseWebhookEvent([]byte(body), now); !errors.Is(err, nexasync.ErrValidation) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

// ============================================================================
// WebhookFeed
// ============================================================================

func TestNewWebhookFeed(t *testing.T) {
	if _, err := nexasync.NewWebhookFeed(""); !errors.Is(err, nexasync.ErrValidation) {
		t.Errorf("empty secret err = %v", err)
	}
}

func TestWebhookFeedHandle(t *testing.T) {
	f := newTestWebhook(t)
	stream, err := f.Subscribe(context.Background(), "messages", nexasync.Filters{nexasync.Eq("conversation_id", "conv-001")})
	if err != nil {
		t.Fatal(err)
	}
	other, _ := f.Subscribe(context.Background(), "messages", nexasync.Filters{nexasync.Eq("conversation_id", "conv-002")})
	body := makeTestBody(t, makeTestPayload())

	t.Run("invalid signature", func(t *testing.T) {
		status, _ := f.Handle(body, "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Errorf("status = %d", status)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		bad := []byte(`{"event":"INSERT"}`)
		status, _ := f.Handle(bad, nexasync.SignWebhook(bad, testSecret))
		if status != http.StatusBadRequest {
			t.Errorf("status = %d", status)
		}
	})

	t.Run("delivers to matching streams", func(t *testing.T) {
		status, resp := f.Handle(body, nexasync.SignWebhook(body, testSecret))
		if status != http.StatusOK || resp.(map[string]any)["delivered"] != 1 {
			t.Fatalf("Handle = %d %v", status, resp)
		}
		if ev := recvEvent(t, stream); gjson.GetBytes(ev.Payload, "content").String() != "Hello from test" {
			t.Errorf("event = %s", ev.Payload)
		}
		select {
		case ev := <-other.Events():
			t.Errorf("unrelated stream got %s", ev.Payload)
		default:
		}
	})
}

func TestWebhookFeedHTTPHandler(t *testing.T) {
	f := newTestWebhook(t)
	srv := httptest.NewServer(f)
	defer srv.Close()

	stream, err := f.Subscribe(context.Background(), "messages", nil)
	if err != nil {
		t.Fatal(err)
	}
	body := makeTestBody(t, makeTestPayload())

	t.Run("GET returns 405", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("missing signature returns 401", func(t *testing.T) {
		resp, err := http.Post(srv.URL, "application/json", strings.NewReader(string(body)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("valid returns 200", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(string(body)))
		req.Header.Set(nexasync.WebhookSignatureHeader, nexasync.SignWebhook(body, testSecret))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || !gjson.GetBytes(data, "ok").Bool() {
			t.Errorf("response = %d %s", resp.StatusCode, data)
		}
		if ev := recvEvent(t, stream); ev.Kind != nexasync.EventInsert {
			t.Errorf("kind = %s", ev.Kind)
		}
	})
}

func TestWebhookFeedLaggingSubscriber(t *testing.T) {
	f := newTestWebhook(t, nexasync.WithWebhookBuffer(1))
	stream, err := f.Subscribe(context.Background(), "messages", nil)
	if err != nil {
		t.Fatal(err)
	}
	ev := nexasync.ChangeEvent{Kind: nexasync.EventInsert, Resource: "messages", Payload: json.RawMessage(`{"id":"a"}`)}
	if n := f.Dispatch(ev); n != 1 {
		t.Fatalf("first dispatch delivered %d", n)
	}
	if n := f.Dispatch(ev); n != 0 {
		t.Fatalf("second dispatch delivered %d", n)
	}
	waitEnded(t, stream)
	if !errors.Is(stream.Err(), nexasync.ErrNetwork) {
		t.Errorf("Err = %v", stream.Err())
	}
	if f.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d", f.SubscriberCount())
	}
}

func TestWebhookFeedLifecycle(t *testing.T) {
	f := newTestWebhook(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := f.Subscribe(ctx, "messages", nil)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	waitEnded(t, stream)
	if stream.Err() != nil || f.SubscriberCount() != 0 {
		t.Errorf("after cancel: err=%v subs=%d", stream.Err(), f.SubscriberCount())
	}

	kept, _ := f.Subscribe(context.Background(), "messages", nil)
	f.Close()
	waitEnded(t, kept)
	if _, err := f.Subscribe(context.Background(), "messages", nil); !errors.Is(err, nexasync.ErrNetwork) {
		t.Errorf("Subscribe after Close = %v", err)
	}
}

package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func alertRequest(group bool) NotificationRequest {
	return NotificationRequest{
		Target: Target{ChatID: "-100200", Group: group, DisplayName: "gas_fan"},
		Kind:   KindAlertTriggered,
		Alert: &AlertPayload{
			SubscriberID: "42",
			StandardGas:  decimal.RequireFromString("6.5"),
			Threshold:    decimal.NewFromInt(10),
			ObservedAt:   time.Now(),
		},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), alertRequest(true)); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "-100200" {
		t.Fatalf("chat_id 应取自 target: %#v", received)
	}
	if !strings.Contains(received["text"], `@gas\_fan`) {
		t.Fatalf("群消息应提及用户: %q", received["text"])
	}
	if received["parse_mode"] != "Markdown" {
		t.Fatalf("parse_mode = %q", received["parse_mode"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), alertRequest(false))
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("ok=false 应返回 ErrDelivery, got %v", err)
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("error should carry telegram description: %v", err)
	}
}

func TestTelegramNotifierHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests"}`))
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), alertRequest(false)); !errors.Is(err, ErrDelivery) {
		t.Fatalf("429 should be a delivery failure, got %v", err)
	}
}

func TestNotifyRejectsMismatchedPayload(t *testing.T) {
	notifier := NewLogNotifier(testLogger())
	req := NotificationRequest{Target: Target{ChatID: "1"}, Kind: KindPredictionResult}
	if err := notifier.Notify(context.Background(), req); !errors.Is(err, ErrDelivery) {
		t.Fatalf("missing payload should fail, got %v", err)
	}
}

func TestRenderAlertPrivate(t *testing.T) {
	text := Render(alertRequest(false))
	if !strings.Contains(text, "Gas is now 6.500 GWEI (below your alert 10 GWEI)") {
		t.Fatalf("unexpected text: %q", text)
	}
	if strings.Contains(text, "@") {
		t.Fatalf("私聊消息不应 @ 用户: %q", text)
	}
}

func TestRenderPrediction(t *testing.T) {
	req := NotificationRequest{
		Target: Target{ChatID: "7", DisplayName: "alice"},
		Kind:   KindPredictionResult,
		Prediction: &PredictionPayload{
			Day:             "2025-01-02",
			Rank:            2,
			Guess:           decimal.NewFromInt(3000),
			SettlementPrice: decimal.NewFromInt(3050),
			Difference:      decimal.NewFromInt(50),
		},
	}
	text := Render(req)
	for _, want := range []string{"🥈", "You placed #2!", "*Your Guess:* $3000", "*Difference:* $50.00", "$3050"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text %q missing %q", text, want)
		}
	}

	req.Target.Group = true
	text = Render(req)
	if !strings.Contains(text, "*@alice placed #2!*") || !strings.Contains(text, "*Guess:* $3000") {
		t.Fatalf("group wording wrong: %q", text)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

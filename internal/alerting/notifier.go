package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 区分通知类型。
type Kind string

const (
	KindAlertTriggered   Kind = "alertTriggered"
	KindPredictionResult Kind = "predictionResult"
)

// ErrDelivery wraps every failed send so callers can tell delivery problems from store problems.
var ErrDelivery = errors.New("alerting: delivery failed")

// Target 是消息投递目的地，Group 显式标记群聊，不通过 id 推断。
type Target struct {
	ChatID      string
	Group       bool
	DisplayName string
}

// AlertPayload carries the values of a triggered gas alert.
type AlertPayload struct {
	SubscriberID string
	StandardGas  decimal.Decimal
	Threshold    decimal.Decimal
	ObservedAt   time.Time
	Source       string
}

// PredictionPayload carries one winner's result.
type PredictionPayload struct {
	SubscriberID      string
	Day               string
	Rank              int
	Guess             decimal.Decimal
	SettlementPrice   decimal.Decimal
	Difference        decimal.Decimal
	TotalParticipants int
}

// NotificationRequest is structured data only; the notifier renders the final text.
type NotificationRequest struct {
	Target     Target
	Kind       Kind
	Alert      *AlertPayload
	Prediction *PredictionPayload
}

// Validate checks that the payload matches Kind.
func (r NotificationRequest) Validate() error {
	if strings.TrimSpace(r.Target.ChatID) == "" {
		return errors.New("notification target is empty")
	}
	switch r.Kind {
	case KindAlertTriggered:
		if r.Alert == nil {
			return errors.New("alert payload missing")
		}
	case KindPredictionResult:
		if r.Prediction == nil {
			return errors.New("prediction payload missing")
		}
	default:
		return fmt.Errorf("unknown notification kind %q", r.Kind)
	}
	return nil
}

// Notifier 定义消息投递接口。
type Notifier interface {
	Notify(ctx context.Context, req NotificationRequest) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notifier_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, req NotificationRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	payload := map[string]string{
		"chat_id":    req.Target.ChatID,
		"text":       Render(req),
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal telegram payload: %v", ErrDelivery, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create telegram request: %v", ErrDelivery, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: send telegram request: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: telegram 响应码异常: %d %s", ErrDelivery, resp.StatusCode, result.Description)
	}
	if decodeErr == nil && !result.OK {
		return fmt.Errorf("%w: telegram 返回 ok=false: %s", ErrDelivery, result.Description)
	}

	n.logger.Info().
		Str("chat_id", req.Target.ChatID).
		Str("kind", string(req.Kind)).
		Bool("group", req.Target.Group).
		Msg("通知已发送 (Telegram)")
	return nil
}

// LogNotifier writes the rendered message to the log instead of sending it.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier is used when no transport is configured and by dry runs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, req NotificationRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	n.logger.Info().
		Str("chat_id", req.Target.ChatID).
		Str("kind", string(req.Kind)).
		Str("text", Render(req)).
		Msg("notification (log only)")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

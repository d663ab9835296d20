package alerting

import (
	"fmt"
	"strings"
)

var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"[", `\[`,
	"`", "\\`",
)

// Render turns a request into Telegram Markdown text.
func Render(req NotificationRequest) string {
	switch req.Kind {
	case KindAlertTriggered:
		if req.Alert != nil {
			return renderAlert(req.Target, *req.Alert)
		}
	case KindPredictionResult:
		if req.Prediction != nil {
			return renderPrediction(req.Target, *req.Prediction)
		}
	}
	return ""
}

func renderAlert(target Target, p AlertPayload) string {
	builder := strings.Builder{}
	builder.WriteString("*Gas Alert Triggered!*\n\n")
	if target.Group {
		builder.WriteString(fmt.Sprintf("✅ @%s - ", mention(target.DisplayName)))
	} else {
		builder.WriteString("✅ ")
	}
	builder.WriteString(fmt.Sprintf("Gas is now %s GWEI (below your alert %s GWEI)", p.StandardGas.StringFixed(3), p.Threshold.String()))
	builder.WriteString("\n\n*Alert deactivated.*")
	return builder.String()
}

func renderPrediction(target Target, p PredictionPayload) string {
	builder := strings.Builder{}
	builder.WriteString("*Daily Prediction Results*\n\n")
	if target.Group {
		builder.WriteString(fmt.Sprintf("%s *@%s placed #%d!*\n\n", medal(p.Rank), mention(target.DisplayName), p.Rank))
	} else {
		builder.WriteString(fmt.Sprintf("%s *You placed #%d!*\n\n", medal(p.Rank), p.Rank))
	}
	if p.Day != "" {
		builder.WriteString(fmt.Sprintf("*Day:* %s\n", p.Day))
	}
	builder.WriteString(fmt.Sprintf("*Actual Price:* $%s\n", p.SettlementPrice.String()))
	if target.Group {
		builder.WriteString(fmt.Sprintf("*Guess:* $%s\n", p.Guess.String()))
	} else {
		builder.WriteString(fmt.Sprintf("*Your Guess:* $%s\n", p.Guess.String()))
	}
	builder.WriteString(fmt.Sprintf("*Difference:* $%s\n", p.Difference.StringFixed(2)))
	if p.TotalParticipants > 0 {
		builder.WriteString(fmt.Sprintf("*Participants:* %d\n", p.TotalParticipants))
	}
	builder.WriteString("\n*Great job!* 🎉")
	return builder.String()
}

func medal(rank int) string {
	switch rank {
	case 1:
		return "🥇"
	case 2:
		return "🥈"
	case 3:
		return "🥉"
	default:
		return "🏅"
	}
}

func mention(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	if name == "" {
		name = "User"
	}
	return markdownEscaper.Replace(name)
}

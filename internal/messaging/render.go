package messaging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/checkin"
	"github.com/BTreeMap/CheckinPipe/internal/flow"
	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/scoring"
)

// Outgoing is one chat message, optionally carrying an image.
type Outgoing struct {
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
}

const (
	skipHint  = "Responda *pular* se preferir não responder."
	filesHint = "Envie as fotos aqui na conversa."
)

// RenderOutput turns an engine output into chat messages: feedback first, then the
// step awaiting input. A completion's closing messages already carry its feedback.
func RenderOutput(out flow.Output) []Outgoing {
	var msgs []Outgoing
	if out.Complete != nil {
		for _, m := range out.Complete.ClosingMessages {
			msgs = append(msgs, Outgoing{Body: m})
		}
		return msgs
	}
	for _, f := range out.Feedback {
		msgs = append(msgs, Outgoing{Body: f})
	}
	if out.Step != nil {
		msgs = append(msgs, RenderStep(out.Step)...)
	}
	return msgs
}

// RenderStep renders a step: its leading messages, the support image above or below,
// and the prompt with the options of a single-choice step.
func RenderStep(v *flow.StepView) []Outgoing {
	var msgs []Outgoing
	for _, m := range v.LeadingMessages {
		msgs = append(msgs, Outgoing{Body: m})
	}

	var image *Outgoing
	if v.SupportImage != nil && v.SupportImage.URL != "" {
		image = &Outgoing{Body: v.SupportImage.Caption, MediaURL: v.SupportImage.URL}
	}
	if image != nil && v.SupportImage.Position != models.ImageBelow {
		msgs = append(msgs, *image)
	}
	msgs = append(msgs, Outgoing{Body: promptText(v)})
	if image != nil && v.SupportImage.Position == models.ImageBelow {
		msgs = append(msgs, *image)
	}
	return msgs
}

func promptText(v *flow.StepView) string {
	var b strings.Builder
	b.WriteString(v.Prompt)

	if v.Kind == models.StepKindSingleChoice && len(v.Choices) > 0 {
		numbered := flow.ChoicesAcceptPosition(v.Choices)
		for i, c := range v.Choices {
			b.WriteString("\n")
			if numbered {
				fmt.Fprintf(&b, "%d. %s", i+1, c)
			} else {
				b.WriteString("• " + c)
			}
		}
	}
	if v.Kind == models.StepKindFileSet {
		b.WriteString("\n" + filesHint)
	}
	if !v.Required && !strings.Contains(strings.ToLower(v.Prompt), KeywordSkip) {
		b.WriteString("\n" + skipHint)
	}
	return strings.TrimSpace(b.String())
}

// RenderSummary reports the score of a saved check-in and the categories to work on.
func RenderSummary(res *checkin.Result) string {
	s := res.Checkin.Scores
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Check-in registrado! Sua pontuação: %d/%d (%.0f%%).", s.Total, s.Max, s.Percentage)
	if len(res.LowCategories) > 0 {
		b.WriteString("\nPontos de atenção:")
		for _, c := range res.LowCategories {
			label := scoring.Labels[c]
			if label == "" {
				label = c
			}
			b.WriteString("\n• " + label)
		}
	}
	return b.String()
}

// RenderInputError explains why an answer was rejected.
func RenderInputError(err error) string {
	switch {
	case errors.Is(err, flow.ErrRequired):
		return "Esta pergunta é obrigatória."
	case errors.Is(err, flow.ErrInvalidNumber):
		return "Responda apenas com um número (ex.: 72,5)."
	case errors.Is(err, flow.ErrOutOfRange):
		return "Esse valor está fora do esperado. Confira e envie novamente."
	case errors.Is(err, flow.ErrInvalidChoice):
		return "Escolha uma das opções da lista."
	default:
		return "Não entendi sua resposta. Tente novamente."
	}
}

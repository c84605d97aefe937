package service

import (
	"fmt"
	"strings"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/utils"
	"github.com/cloudwego/eino/schema"
)

// PromptInput is everything the orchestrator feeds to the model for a turn.
type PromptInput struct {
	SystemPrompt string
	Snippets     []Snippet
	Summary      string
	History      []db.Message
	Latest       *db.Message
}

// BuildPrompt assembles the model input in a fixed order: instructions,
// business context, rolling summary, recent turns, then the message being
// answered.
func BuildPrompt(in PromptInput) []*schema.Message {
	msgs := []*schema.Message{schema.SystemMessage(in.SystemPrompt)}

	if len(in.Snippets) > 0 {
		var sb strings.Builder
		sb.WriteString("Business context relevant to the customer's message:\n")
		for i, sn := range in.Snippets {
			sb.WriteString(fmt.Sprintf("\n[%d] %s %s", i+1, sn.SourceRef.Type, sn.SourceRef.ID))
			if sn.Title != "" {
				sb.WriteString(" - " + sn.Title)
			}
			sb.WriteString("\n" + sn.Content + "\n")
		}
		msgs = append(msgs, schema.SystemMessage(sb.String()))
	}

	if s := strings.TrimSpace(in.Summary); s != "" {
		msgs = append(msgs, schema.SystemMessage("Summary of the earlier conversation:\n"+s))
	}

	for i := range in.History {
		if m := historyMessage(&in.History[i]); m != nil {
			msgs = append(msgs, m)
		}
	}
	if in.Latest != nil {
		msgs = append(msgs, schema.UserMessage(in.Latest.Body))
	}
	return msgs
}

func historyMessage(m *db.Message) *schema.Message {
	switch m.Kind {
	case db.MessageKindSystem, db.MessageKindActionResult:
		// Action outcomes are already folded into the assistant text.
		return nil
	}
	switch m.SenderKind {
	case db.SenderCustomer:
		return schema.UserMessage(m.Body)
	case db.SenderAssistant:
		return schema.AssistantMessage(m.Body, nil)
	case db.SenderStaff:
		return schema.AssistantMessage("(team member) "+m.Body, nil)
	}
	return nil
}

// selectHistory keeps the messages before latest, at most recent of them,
// then drops the oldest until the estimated tokens fit budget.
func selectHistory(tail []db.Message, latest *db.Message, recent, budget int) []db.Message {
	out := make([]db.Message, 0, len(tail))
	for _, m := range tail {
		if latest != nil && m.Seq >= latest.Seq {
			continue
		}
		out = append(out, m)
	}
	if recent > 0 && len(out) > recent {
		out = out[len(out)-recent:]
	}
	if budget <= 0 {
		return out
	}
	total := 0
	for _, m := range out {
		total += utils.EstimateTokens(m.Body)
	}
	for len(out) > 0 && total > budget {
		total -= utils.EstimateTokens(out[0].Body)
		out = out[1:]
	}
	return out
}

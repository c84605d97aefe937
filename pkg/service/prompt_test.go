package service

import (
	"strings"
	"testing"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/cloudwego/eino/schema"
)

func TestBuildPromptOrder(t *testing.T) {
	latest := &db.Message{Seq: 5, SenderKind: db.SenderCustomer, Body: "And the total?"}
	prompt := BuildPrompt(PromptInput{
		SystemPrompt: "Be brief.",
		Snippets:     []Snippet{{SourceRef: SourceRef{Type: "faq", ID: "f1"}, Title: "Prices", Content: "Hats are 12.00."}},
		Summary:      "Customer asked about hats.",
		History: []db.Message{
			{Seq: 2, SenderKind: db.SenderCustomer, Kind: db.MessageKindText, Body: "50 hats please"},
			{Seq: 3, SenderKind: db.SenderAssistant, Kind: db.MessageKindText, Body: "Quote created."},
			{Seq: 4, SenderKind: db.SenderAssistant, Kind: db.MessageKindActionResult, Body: "[]"},
			{Seq: 4, SenderKind: db.SenderStaff, Kind: db.MessageKindText, Body: "I added a discount."},
		},
		Latest: latest,
	})

	want := []struct {
		role     schema.RoleType
		contains string
	}{
		{schema.System, "Be brief."},
		{schema.System, "[1] faq f1 - Prices"},
		{schema.System, "Customer asked about hats."},
		{schema.User, "50 hats please"},
		{schema.Assistant, "Quote created."},
		{schema.Assistant, "(team member) I added a discount."},
		{schema.User, "And the total?"},
	}
	if len(prompt) != len(want) {
		t.Fatalf("len(prompt) = %d, want %d", len(prompt), len(want))
	}
	for i, w := range want {
		if prompt[i].Role != w.role || !strings.Contains(prompt[i].Content, w.contains) {
			t.Errorf("prompt[%d] = %s %q, want %s containing %q", i, prompt[i].Role, prompt[i].Content, w.role, w.contains)
		}
	}
}

func TestBuildPromptMinimal(t *testing.T) {
	prompt := BuildPrompt(PromptInput{SystemPrompt: "sys", Latest: &db.Message{Body: "hi"}})
	if len(prompt) != 2 {
		t.Fatalf("len(prompt) = %d, want 2", len(prompt))
	}
}

func TestSelectHistory(t *testing.T) {
	var tail []db.Message
	for i := 1; i <= 8; i++ {
		tail = append(tail, db.Message{Seq: int64(i), Body: strings.Repeat("x", 40)}) // 10 tokens each
	}
	latest := &tail[6]

	tests := []struct {
		name      string
		recent    int
		budget    int
		wantFirst int64
		wantLen   int
	}{
		{"everything before latest", 0, 0, 1, 6},
		{"recent limit", 3, 0, 4, 3},
		{"token budget", 0, 25, 5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectHistory(tail, latest, tt.recent, tt.budget)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].Seq != tt.wantFirst {
				t.Errorf("first seq = %d, want %d", got[0].Seq, tt.wantFirst)
			}
			if got[len(got)-1].Seq != 6 {
				t.Errorf("last seq = %d, want 6", got[len(got)-1].Seq)
			}
		})
	}
}

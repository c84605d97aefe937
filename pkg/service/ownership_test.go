package service

import (
	"testing"

	"github.com/choraleia/concierge/pkg/db"
)

func msg(senderKind, senderID string) db.Message {
	return db.Message{ID: senderKind + "-" + senderID, SenderKind: senderKind, SenderID: senderID, Kind: db.MessageKindText}
}

func TestArbitrate(t *testing.T) {
	customer := msg(db.SenderCustomer, "c1")
	assistant := msg(db.SenderAssistant, "assistant")
	staff := msg(db.SenderStaff, "s1")
	impersonating := msg(db.SenderCustomer, "s2")

	tests := []struct {
		name     string
		recent   []db.Message
		lookback int
		want     Ownership
		staffID  string
	}{
		{"empty history", nil, 10, AssistantActive, ""},
		{"customer and assistant only", []db.Message{customer, assistant, customer}, 10, AssistantActive, ""},
		{"staff in window", []db.Message{customer, staff, customer}, 10, StaffActive, "s1"},
		{"staff fell out of window", []db.Message{staff, customer, assistant, customer}, 3, AssistantActive, ""},
		{"staff at window edge", []db.Message{customer, staff, customer, customer}, 3, StaffActive, "s1"},
		{"staff identity on customer channel", []db.Message{impersonating, customer}, 10, StaffActive, "s2"},
		{"zero lookback", []db.Message{staff, customer}, 0, AssistantActive, ""},
	}
	dir := staffSet{"s2": true}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Arbitrate("t1", tt.recent, tt.lookback, dir)
			if got.Ownership != tt.want {
				t.Fatalf("Ownership = %s, want %s", got.Ownership, tt.want)
			}
			if got.StaffID != tt.staffID {
				t.Errorf("StaffID = %q, want %q", got.StaffID, tt.staffID)
			}
			if got.AssistantMayRespond() != (tt.want == AssistantActive) {
				t.Errorf("AssistantMayRespond() = %v", got.AssistantMayRespond())
			}
		})
	}
}

func TestArbitrateIgnoresSystemMessages(t *testing.T) {
	system := db.Message{SenderKind: db.SenderCustomer, SenderID: "s2", Kind: db.MessageKindSystem}
	got := Arbitrate("t1", []db.Message{system}, 10, staffSet{"s2": true})
	if got.Ownership != AssistantActive {
		t.Fatalf("Ownership = %s, want %s", got.Ownership, AssistantActive)
	}
}

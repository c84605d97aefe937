package service

import (
	"github.com/choraleia/concierge/pkg/db"
)

// Ownership says who answers the next customer message.
type Ownership string

const (
	AssistantActive Ownership = "assistant-active"
	StaffActive     Ownership = "staff-active"
)

// StaffDirectory reports whether a sender id belongs to a staff member.
type StaffDirectory interface {
	IsStaff(tenantID, senderID string) bool
}

// Decision is the arbiter's verdict with the staff message that caused it.
type Decision struct {
	Ownership Ownership `json:"ownership"`
	StaffID   string    `json:"staff_id,omitempty"`
	MessageID string    `json:"staff_message_id,omitempty"`
}

// AssistantMayRespond reports whether the assistant owns the turn.
func (d Decision) AssistantMayRespond() bool {
	return d.Ownership == AssistantActive
}

// Arbitrate decides turn ownership from the last lookback messages of recent,
// which must be in ascending seq order. Any staff message in that window
// hands the turn to staff; once staff messages fall out of the window the
// assistant owns the turn again. Nothing is persisted.
func Arbitrate(tenantID string, recent []db.Message, lookback int, dir StaffDirectory) Decision {
	if lookback <= 0 {
		return Decision{Ownership: AssistantActive}
	}
	start := len(recent) - lookback
	if start < 0 {
		start = 0
	}
	for i := len(recent) - 1; i >= start; i-- {
		m := recent[i]
		if isStaffMessage(tenantID, &m, dir) {
			return Decision{Ownership: StaffActive, StaffID: m.SenderID, MessageID: m.ID}
		}
	}
	return Decision{Ownership: AssistantActive}
}

func isStaffMessage(tenantID string, m *db.Message, dir StaffDirectory) bool {
	switch m.SenderKind {
	case db.SenderStaff:
		return true
	case db.SenderAssistant:
		return false
	}
	if m.Kind == db.MessageKindSystem || dir == nil {
		return false
	}
	// A staff identity posting through the customer channel still counts.
	return dir.IsStaff(tenantID, m.SenderID)
}

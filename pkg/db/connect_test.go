package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestOpen_SQLiteAndMigrate(t *testing.T) {
	gdb, err := Open("sqlite", filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: "c1",
		Seq:            1,
		SenderKind:     SenderAssistant,
		SenderID:       "assistant",
		Kind:           MessageKindText,
		Body:           "hello",
		Intents: IntentRecords{{
			Name:       "create_quote",
			Arguments:  []byte(`{"title":"Hats"}`),
			Success:    true,
			ResultRefs: map[string]string{"quote_id": "q1"},
		}},
		CreatedAt: time.Now(),
	}
	if err := gdb.Create(msg).Error; err != nil {
		t.Fatalf("create message: %v", err)
	}

	var got Message
	if err := gdb.First(&got, "id = ?", msg.ID).Error; err != nil {
		t.Fatalf("load message: %v", err)
	}
	if len(got.Intents) != 1 || got.Intents[0].ResultRefs["quote_id"] != "q1" {
		t.Fatalf("intents not round-tripped: %+v", got.Intents)
	}

	dup := *msg
	dup.ID = uuid.New().String()
	if err := gdb.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique (conversation_id, seq) violation")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestVector_NullWhenEmpty(t *testing.T) {
	v, err := Vector(nil).Value()
	if err != nil || v != nil {
		t.Fatalf("Value() = %v, %v; want nil, nil", v, err)
	}
	var back Vector
	if err := back.Scan("[0.5,1]"); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(back) != 2 || back[1] != 1 {
		t.Fatalf("Scan() = %v", back)
	}
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/cloudwego/eino/schema"
)

func TestPostCustomerMessageReplies(t *testing.T) {
	h := newHarness(t, harnessOptions{model: textModel("Happy to help.")})
	ctx := context.Background()

	res, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Hi there", false)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	if !res.Created || res.Decision.Ownership != AssistantActive || res.Stream != nil {
		t.Fatalf("result = %+v", res)
	}
	h.assistant.Wait()

	msgs := h.messages(t, res.Conversation.ID)
	if len(msgs) != 2 || msgs[1].SenderKind != db.SenderAssistant || msgs[1].Body != "Happy to help." {
		t.Fatalf("messages = %v", bodies(msgs))
	}
	if len(h.events.named(event.ConversationOpened)) != 1 {
		t.Error("conversation.opened not emitted")
	}
	if n := len(h.events.named(event.MessageCreated)); n != 2 {
		t.Errorf("message.created events = %d, want 2", n)
	}

	again, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "One more thing", false)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	if again.Created || again.Conversation.ID != res.Conversation.ID {
		t.Errorf("second message opened a new conversation")
	}
	h.assistant.Wait()
}

func TestPostCustomerMessageRejectsEmpty(t *testing.T) {
	h := newHarness(t, harnessOptions{model: textModel("x")})
	if _, err := h.assistant.PostCustomerMessage(context.Background(), "t1", "c1", " \n", false); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("PostCustomerMessage() error = %v, want ErrEmptyMessage", err)
	}
}

func TestStaffMessageSuppressesAssistant(t *testing.T) {
	h := newHarness(t, harnessOptions{model: textModel("Assistant here.")})
	ctx := context.Background()

	first, _ := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Can someone call me?", false)
	h.assistant.Wait()
	convID := first.Conversation.ID

	if _, err := h.assistant.PostStaffMessage(ctx, convID, "s1", "I will call you in five minutes."); err != nil {
		t.Fatalf("PostStaffMessage() error = %v", err)
	}
	calls := h.model.callCount()

	res, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Thanks!", false)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	h.assistant.Wait()
	if res.Decision.Ownership != StaffActive || res.Decision.StaffID != "s1" {
		t.Fatalf("decision = %+v", res.Decision)
	}
	if h.model.callCount() != calls {
		t.Error("model called while staff owns the conversation")
	}
	msgs := h.messages(t, convID)
	if last := msgs[len(msgs)-1]; last.SenderKind != db.SenderCustomer {
		t.Errorf("last message from %s, want the customer", last.SenderKind)
	}
	if len(h.events.named(event.AssistantSuppressed)) != 1 {
		t.Error("assistant.suppressed not emitted")
	}
}

func TestAssistantResumesAfterLookback(t *testing.T) {
	h := newHarness(t, harnessOptions{model: textModel("Back again.")})
	ctx := context.Background()

	conv, _, _ := h.store.GetOrCreateOpen(ctx, "t1", "c1")
	if _, err := h.assistant.PostStaffMessage(ctx, conv.ID, "s1", "Hello from the team."); err != nil {
		t.Fatalf("PostStaffMessage() error = %v", err)
	}
	for i := 0; i < 9; i++ {
		res, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "ping", false)
		if err != nil {
			t.Fatalf("PostCustomerMessage() error = %v", err)
		}
		if res.Decision.AssistantMayRespond() {
			t.Fatalf("message %d: assistant responded while staff is in the window", i+1)
		}
	}
	res, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "anyone?", false)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	h.assistant.Wait()
	if !res.Decision.AssistantMayRespond() {
		t.Fatal("assistant still suppressed after the staff message left the window")
	}
	if h.model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", h.model.callCount())
	}
}

func TestArchiveCancelsRunningTurn(t *testing.T) {
	started := make(chan struct{})
	model := &fakeChatModel{reply: func(ctx context.Context, _ []*schema.Message) (*schema.Message, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, harnessOptions{model: model, timeout: 10 * time.Second})
	ctx := context.Background()

	res, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Quote please", false)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not start")
	}
	if h.assistant.Running(res.Conversation.ID) != 1 {
		t.Errorf("Running() = %d, want 1", h.assistant.Running(res.Conversation.ID))
	}

	conv, err := h.assistant.Archive(ctx, res.Conversation.ID)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	h.assistant.Wait()

	if conv.Status != db.ConversationStatusArchived {
		t.Errorf("status = %s", conv.Status)
	}
	if msgs := h.messages(t, res.Conversation.ID); len(msgs) != 1 {
		t.Errorf("len(messages) = %d, want only the customer message", len(msgs))
	}
	if len(h.events.named(event.AssistantUnavailable)) != 0 {
		t.Error("cancelled turn reported the assistant as unavailable")
	}
	if len(h.events.named(event.ConversationArchived)) != 1 {
		t.Error("conversation.archived not emitted")
	}
	if h.assistant.Running(res.Conversation.ID) != 0 {
		t.Error("turn still registered after archive")
	}
}

func TestPostCustomerMessageStream(t *testing.T) {
	h := newHarness(t, harnessOptions{model: textModel("Streaming reply here")})
	res, err := h.assistant.PostCustomerMessage(context.Background(), "t1", "c1", "hi", true)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	if res.Stream == nil {
		t.Fatal("no stream session returned")
	}
	select {
	case <-res.Stream.DoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
	h.assistant.Wait()

	current, ok := h.delivery.Stream(res.Conversation.ID)
	if !ok || current != res.Stream {
		t.Error("stream session not registered for the conversation")
	}
	frames, _, _ := res.Stream.Subscribe(0)
	if frames[len(frames)-1].MessageID == "" {
		t.Errorf("done frame = %+v", frames[len(frames)-1])
	}
}

func TestShutdownRejectsNewTurns(t *testing.T) {
	h := newHarness(t, harnessOptions{model: textModel("late")})
	if err := h.assistant.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	res, err := h.assistant.PostCustomerMessage(context.Background(), "t1", "c1", "hello", false)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	h.assistant.Wait()
	if h.model.callCount() != 0 {
		t.Error("turn started after shutdown")
	}
	if msgs := h.messages(t, res.Conversation.ID); len(msgs) != 1 {
		t.Errorf("len(messages) = %d, want 1", len(msgs))
	}
}

// gatedEchoModel blocks every call until gate is closed, then echoes the
// newest user message.
func gatedEchoModel(gate <-chan struct{}, started chan<- struct{}) *fakeChatModel {
	return &fakeChatModel{reply: func(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return schema.AssistantMessage("reply to: "+input[len(input)-1].Content, nil), nil
	}}
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not start")
	}
}

func TestRapidMessagesEachGetTheirOwnReply(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, harnessOptions{model: gatedEchoModel(gate, started), timeout: 10 * time.Second})
	ctx := context.Background()

	first, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "I need 50 hats", true)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	waitStarted(t, started)
	second, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "blue ones please", true)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	if first.Stream == nil || second.Stream == nil || first.Stream == second.Stream {
		t.Fatal("each streaming post needs its own session")
	}
	if n := h.assistant.Running(first.Conversation.ID); n != 2 {
		t.Errorf("Running() = %d, want one running and one queued", n)
	}

	close(gate)
	h.assistant.Wait()

	msgs := h.messages(t, first.Conversation.ID)
	want := []string{"I need 50 hats", "blue ones please", "reply to: I need 50 hats", "reply to: blue ones please"}
	if got := bodies(msgs); len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i, w := range want {
		if msgs[i].Body != w {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Body, w)
		}
	}
	if h.model.callCount() != 2 {
		t.Errorf("model calls = %d, want 2", h.model.callCount())
	}

	for i, tc := range []struct {
		session *StreamSession
		reply   db.Message
	}{{first.Stream, msgs[2]}, {second.Stream, msgs[3]}} {
		frames, _, _ := tc.session.Subscribe(0)
		done := frames[len(frames)-1]
		if done.Type != FrameDone || done.Error != "" || done.MessageID != tc.reply.ID {
			t.Errorf("stream %d done frame = %+v, want message %s", i, done, tc.reply.ID)
		}
	}
	if current, _ := h.delivery.Stream(first.Conversation.ID); current != second.Stream {
		t.Error("current stream is not the latest turn's session")
	}
}

func TestMessagesDuringTurnMergeIntoOneQueuedTurn(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, harnessOptions{model: gatedEchoModel(gate, started), timeout: 10 * time.Second})
	ctx := context.Background()

	res, _ := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Do you make hats?", false)
	waitStarted(t, started)
	for _, body := range []string{"Embroidered ones", "With our logo"} {
		if _, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", body, false); err != nil {
			t.Fatalf("PostCustomerMessage() error = %v", err)
		}
	}
	if n := h.assistant.Running(res.Conversation.ID); n != 2 {
		t.Errorf("Running() = %d, want 2", n)
	}
	close(gate)
	h.assistant.Wait()

	if h.model.callCount() != 2 {
		t.Fatalf("model calls = %d, want 2", h.model.callCount())
	}
	msgs := h.messages(t, res.Conversation.ID)
	last := msgs[len(msgs)-1]
	if last.Body != "reply to: With our logo" {
		t.Errorf("queued turn answered %q", last.Body)
	}
	prompt := h.model.lastPrompt()
	var sawMerged bool
	for _, m := range prompt {
		if m.Role == schema.User && m.Content == "Embroidered ones" {
			sawMerged = true
		}
	}
	if !sawMerged {
		t.Error("merged message missing from the queued turn's history")
	}
	if h.assistant.Running(res.Conversation.ID) != 0 {
		t.Error("turns still registered after draining")
	}
}

func TestQueuedTurnDroppedWhenStaffTakesOver(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, harnessOptions{model: gatedEchoModel(gate, started), timeout: 10 * time.Second})
	ctx := context.Background()

	res, _ := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Hello", false)
	waitStarted(t, started)
	queued, err := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Is anyone there?", true)
	if err != nil {
		t.Fatalf("PostCustomerMessage() error = %v", err)
	}
	if _, err := h.assistant.PostStaffMessage(ctx, res.Conversation.ID, "s1", "I am here."); err != nil {
		t.Fatalf("PostStaffMessage() error = %v", err)
	}
	close(gate)
	h.assistant.Wait()

	if h.model.callCount() != 1 {
		t.Errorf("model calls = %d, want only the running turn", h.model.callCount())
	}
	frames, _, _ := queued.Stream.Subscribe(0)
	if len(frames) != 1 || frames[0].Type != FrameDone || frames[0].MessageID != "" {
		t.Errorf("queued stream frames = %+v", frames)
	}
	if len(h.events.named(event.AssistantSuppressed)) != 1 {
		t.Error("assistant.suppressed not emitted for the dropped turn")
	}
}

func TestArchiveCancelsQueuedTurn(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	h := newHarness(t, harnessOptions{model: gatedEchoModel(gate, started), timeout: 10 * time.Second})
	ctx := context.Background()

	res, _ := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Hello", false)
	waitStarted(t, started)
	queued, _ := h.assistant.PostCustomerMessage(ctx, "t1", "c1", "Still there?", true)
	if _, err := h.assistant.Archive(ctx, res.Conversation.ID); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	h.assistant.Wait()

	select {
	case <-queued.Stream.DoneChan():
	default:
		t.Fatal("queued stream not finished by archive")
	}
	if h.model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", h.model.callCount())
	}
	if msgs := h.messages(t, res.Conversation.ID); len(msgs) != 2 {
		t.Errorf("messages = %v, want only the customer messages", bodies(msgs))
	}
}

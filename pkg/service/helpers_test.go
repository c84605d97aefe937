package service

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/event"
	"github.com/cloudwego/eino/components/embedding"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", filepath.Join(t.TempDir(), "concierge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// fakeChatModel answers with reply; it records every prompt it was given.
type fakeChatModel struct {
	mu    sync.Mutex
	reply func(ctx context.Context, input []*schema.Message) (*schema.Message, error)
	calls [][]*schema.Message
	tools []*schema.ToolInfo
}

func textModel(text string) *fakeChatModel {
	return &fakeChatModel{reply: func(context.Context, []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage(text, nil), nil
	}}
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, input)
	reply := f.reply
	f.mu.Unlock()
	return reply(ctx, input)
}

// Stream splits the reply text into word chunks and sends tool calls last.
func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	var chunks []*schema.Message
	for _, w := range strings.SplitAfter(msg.Content, " ") {
		if w != "" {
			chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: w})
		}
	}
	if len(msg.ToolCalls) > 0 {
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, ToolCalls: msg.ToolCalls})
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (f *fakeChatModel) WithTools(tools []*schema.ToolInfo) (einoModel.ToolCallingChatModel, error) {
	f.mu.Lock()
	f.tools = tools
	f.mu.Unlock()
	return f, nil
}

func (f *fakeChatModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeChatModel) lastPrompt() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func toolCall(name, args string) schema.ToolCall {
	return schema.ToolCall{ID: "call_" + name, Type: "function", Function: schema.FunctionCall{Name: name, Arguments: args}}
}

// fakeEmbedder hashes words into a small normalized vector so texts sharing
// words are similar. Texts containing failOn are rejected.
type fakeEmbedder struct {
	dims   int
	err    error
	failOn string
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if f.failOn != "" && strings.Contains(text, f.failOn) {
			return nil, errors.New("embedding rejected")
		}
		vec := make([]float64, f.dims)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(strings.Trim(w, ".,!?")))
			vec[int(h.Sum32())%f.dims]++
		}
		var norm float64
		for _, v := range vec {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			vec[0], norm = 1, 1
		}
		for j := range vec {
			vec[j] /= norm
		}
		out[i] = vec
	}
	return out, nil
}

func newTestVectorStore(t *testing.T, embedder *fakeEmbedder, path string) *VectorStore {
	t.Helper()
	vectors, err := NewVectorStore(&VectorStoreConfig{Enabled: true, Path: path}, EmbeddingFuncFromEmbedder(embedder))
	if err != nil {
		t.Fatalf("NewVectorStore() error = %v", err)
	}
	return vectors
}

type staffSet map[string]bool

func (s staffSet) IsStaff(_, senderID string) bool { return s[senderID] }

// eventLog records every event emitted on an emitter.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func recordEvents(e *event.Emitter) *eventLog {
	l := &eventLog{}
	e.OnAny(func(ev event.Event) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) named(name string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, ev := range l.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	db         *gorm.DB
	emitter    *event.Emitter
	events     *eventLog
	store      *ConversationStore
	delivery   *DeliveryService
	domain     *DomainService
	executor   *ActionExecutor
	retrieval  *RetrievalService
	indexer    *KnowledgeIndexer
	vectors    *VectorStore
	completion *CompletionService
	compactor  *Compactor
	assistant  *AssistantService
	model      *fakeChatModel
}

type harnessOptions struct {
	model          *fakeChatModel
	actionsEnabled bool
	timeout        time.Duration
	compactor      *CompactorConfig
	staff          StaffDirectory
	// embedder turns on the vector index; vectorPath persists it on disk.
	embedder       *fakeEmbedder
	vectorPath     string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	gdb := newTestDB(t)
	emitter := event.NewEmitter()

	h := &harness{db: gdb, emitter: emitter, events: recordEvents(emitter), model: opts.model}
	h.store = NewConversationStore(gdb)
	h.delivery = NewDeliveryService(h.store)
	h.delivery.emitter = emitter
	h.domain = NewDomainService(gdb)
	h.executor = NewActionExecutor(h.domain, opts.actionsEnabled)
	if opts.embedder != nil {
		h.vectors = newTestVectorStore(t, opts.embedder, opts.vectorPath)
	}
	h.retrieval = NewRetrievalService(gdb, h.vectors, nil)
	h.indexer = NewKnowledgeIndexer(gdb, h.vectors, nil)
	h.indexer.emitter = emitter

	cfg := DefaultCompletionConfig()
	if opts.timeout > 0 {
		cfg.ModelTimeout = opts.timeout
	}
	var chatModel einoModel.ToolCallingChatModel
	if opts.model != nil {
		chatModel = opts.model
	}
	h.completion = NewCompletionService(h.store, h.retrieval, h.delivery, h.executor, chatModel, cfg)

	compCfg := opts.compactor
	if compCfg == nil {
		compCfg = DefaultCompactorConfig()
		compCfg.Mode = CompactionModeConcat
	}
	h.compactor = NewCompactor(h.store, chatModel, compCfg)
	h.compactor.emitter = emitter

	h.assistant = NewAssistantService(h.store, h.delivery, h.completion, h.compactor, opts.staff, &AssistantConfig{Lookback: 10})
	t.Cleanup(func() { _ = h.assistant.Shutdown(context.Background()) })
	return h
}

func (h *harness) messages(t *testing.T, conversationID string) []db.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), conversationID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	return msgs
}

func (h *harness) seedForm(t *testing.T, tenantID, id, slug, title string) {
	t.Helper()
	now := time.Now()
	if err := h.db.Create(&db.Form{ID: id, TenantID: tenantID, PublicSlug: &slug, Title: title, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
		t.Fatalf("seed form: %v", err)
	}
}

func (h *harness) seedFolder(t *testing.T, tenantID, customerID, id string) {
	t.Helper()
	if err := h.db.Create(&db.Folder{ID: id, TenantID: tenantID, CustomerID: customerID, Name: "Folder " + id, CreatedAt: time.Now()}).Error; err != nil {
		t.Fatalf("seed folder: %v", err)
	}
}

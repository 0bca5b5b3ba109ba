package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mailpilot.app/enrich/common/llm"
	"mailpilot.app/enrich/internal/alert"
	"mailpilot.app/enrich/internal/engine"
	"mailpilot.app/enrich/internal/extract"
	"mailpilot.app/enrich/internal/model"
	"mailpilot.app/enrich/internal/store"
)

type mockLLMClient struct {
	mu     sync.Mutex
	calls  []string
	chatFn func(ctx context.Context, req llm.Request, result any) (*llm.Response, error)
}

func (m *mockLLMClient) Chat(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.SchemaName)
	m.mu.Unlock()
	return m.chatFn(ctx, req, result)
}

func (m *mockLLMClient) Model() string { return "mock" }

func (m *mockLLMClient) callsFor(schema string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == schema {
			n++
		}
	}
	return n
}

type mockNotifier struct {
	alerts chan alert.Alert
}

func (m *mockNotifier) Notify(ctx context.Context, a alert.Alert) error {
	m.alerts <- a
	return nil
}

// answer marshals v into the stage's result pointer, mimicking the client's
// schema-constrained JSON decode.
func answer(result any, v any) (*llm.Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, err
	}
	return &llm.Response{}, nil
}

var _ = Describe("Engine", func() {
	var (
		ctx      context.Context
		st       *store.Memory
		client   *mockLLMClient
		notifier *mockNotifier
		eng      *engine.Engine
		job      model.Job
	)

	cleanResponses := func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
		switch req.SchemaName {
		case "spam_check":
			return answer(result, map[string]any{"is_spam": false, "is_malicious": false})
		case "importance":
			return answer(result, map[string]any{"score": 42, "description": "通常の連絡です"})
		case "replies":
			return answer(result, map[string]any{"replies": []map[string]string{
				{"type": model.ReplyConcise, "text": "承知しました。"},
			}})
		case "summary_category":
			return answer(result, map[string]any{"summary": "定例の報告メール", "category": model.CategoryReport})
		case "attachment_summary", "history_summary":
			return answer(result, map[string]any{"summary": "要約テキスト"})
		}
		return nil, errors.New("unexpected schema: " + req.SchemaName)
	}

	appendMessage := func(msg *model.Message) {
		added, err := st.AppendMessage(ctx, job.ConvID, msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(added).To(BeTrue())
	}

	newEngine := func(cfg engine.Config) *engine.Engine {
		return engine.New(st, client, extract.NewText(), notifier, cfg)
	}

	BeforeEach(func() {
		ctx = context.Background()
		st = store.NewMemory()
		client = &mockLLMClient{chatFn: cleanResponses}
		notifier = &mockNotifier{alerts: make(chan alert.Alert, 1)}
		job = model.Job{ConvID: "conv-1", MessageID: "m1", Owner: "bob@example.com"}
		eng = newEngine(engine.Config{OpsAddress: "ops@example.com"})

		_, err := st.UpsertConversation(ctx, job.ConvID, job.Owner)
		Expect(err).NotTo(HaveOccurred())
	})

	It("runs all stages and completes the analysis", func() {
		appendMessage(&model.Message{
			MessageID:  "m1",
			Sender:     "alice@example.com",
			Recipients: []string{"bob@example.com"},
			Subject:    "weekly report",
			Body:       "please find the report below",
			ReceivedAt: time.Now(),
		})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis).NotTo(BeNil())
		Expect(got.Analysis.Completed).To(BeTrue())
		Expect(got.Analysis.IsSpam).To(HaveValue(BeFalse()))
		Expect(got.Analysis.ImportanceScore).To(HaveValue(Equal(42)))
		Expect(got.Analysis.Summary).To(HaveValue(Equal("定例の報告メール")))
		Expect(got.Analysis.Category).To(HaveValue(Equal(model.CategoryReport)))
		Expect(got.Analysis.Replies).To(HaveLen(1))
		Expect(got.PreviousSummary).To(HaveValue(Equal("")))
	})

	It("skips a message whose analysis is already completed", func() {
		msg := &model.Message{MessageID: "m1", ReceivedAt: time.Now()}
		msg.Analysis = &model.AnalysisResult{Completed: true}
		appendMessage(msg)

		Expect(eng.Run(ctx, job)).To(Succeed())
		Expect(client.calls).To(BeEmpty())
	})

	It("terminates on spam without running enrich stages", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "spam_check" {
				return answer(result, map[string]any{"is_spam": true, "is_malicious": false})
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.IsSpam).To(HaveValue(BeTrue()))
		Expect(got.Analysis.Completed).To(BeTrue())
		Expect(got.Analysis.ImportanceScore).To(BeNil())
		Expect(client.callsFor("importance")).To(BeZero())
		Expect(client.callsFor("replies")).To(BeZero())
	})

	It("fails open when the spam check errors", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "spam_check" {
				return nil, errors.New("llm down")
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.IsSpam).To(HaveValue(BeFalse()))
		Expect(got.Analysis.IsMalicious).To(HaveValue(BeFalse()))
		Expect(got.Analysis.Completed).To(BeTrue())
		Expect(got.Analysis.ImportanceScore).To(HaveValue(Equal(42)))
	})

	It("reuses a single prior summary verbatim without an LLM call", func() {
		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		priorSummary := "前回の打ち合わせ結果の共有"
		prior := &model.Message{MessageID: "m0", ReceivedAt: base}
		prior.Analysis = &model.AnalysisResult{Summary: &priorSummary, Completed: true}
		appendMessage(prior)

		job = model.Job{ConvID: "conv-1", MessageID: "m1", Owner: "bob@example.com"}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: base.Add(time.Hour)})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, "m1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.PreviousSummary).To(HaveValue(Equal(priorSummary)))
		Expect(client.callsFor("history_summary")).To(BeZero())
	})

	It("synthesizes history from two or more prior summaries", func() {
		base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		for i, summary := range []string{"最初の依頼", "追加の質問"} {
			s := summary
			prior := &model.Message{
				MessageID:  []string{"m0", "m0b"}[i],
				ReceivedAt: base.Add(time.Duration(i) * time.Hour),
			}
			prior.Analysis = &model.AnalysisResult{Summary: &s, Completed: true}
			appendMessage(prior)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: base.Add(3 * time.Hour)})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, "m1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.PreviousSummary).To(HaveValue(Equal("要約テキスト")))
		Expect(client.callsFor("history_summary")).To(Equal(1))
	})

	It("never summarizes an attachment at or over the size ceiling", func() {
		eng = newEngine(engine.Config{AttachmentMaxBytes: 100})
		appendMessage(&model.Message{
			MessageID:  "m1",
			ReceivedAt: time.Now(),
			Attachments: []model.Attachment{
				{ID: "a1", Name: "big.txt", Size: 100, Content: []byte("at the ceiling")},
				{ID: "a2", Name: "small.txt", Size: 99, Content: []byte("under the ceiling")},
			},
		})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Attachments[0].Summary).To(BeNil())
		Expect(got.Attachments[1].Summary).To(HaveValue(Equal("要約テキスト")))
		Expect(client.callsFor("attachment_summary")).To(Equal(1))
	})

	It("summarizes supported attachments and leaves unsupported ones blank", func() {
		appendMessage(&model.Message{
			MessageID:  "m1",
			ReceivedAt: time.Now(),
			Attachments: []model.Attachment{
				{ID: "a1", Name: "notes.txt", Size: 10, Content: []byte("some notes")},
				{ID: "a2", Name: "photo.png", Size: 10, Content: []byte{0x89, 0x50}},
			},
		})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Attachments[0].Summary).To(HaveValue(Equal("要約テキスト")))
		Expect(got.Attachments[1].Summary).To(BeNil())
		Expect(client.callsFor("attachment_summary")).To(Equal(1))
	})

	It("falls back to the default importance on stage failure", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "importance" {
				return nil, errors.New("bad json")
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.ImportanceScore).To(HaveValue(Equal(0)))
		Expect(got.Analysis.ImportanceDescription).NotTo(BeNil())
		Expect(got.Analysis.Completed).To(BeTrue())
	})

	It("falls back to a placeholder summary when the stage fails", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "summary_category" {
				return nil, errors.New("bad json")
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.Summary).To(HaveValue(Equal("要約の生成に失敗しました")))
		Expect(got.Analysis.Category).To(HaveValue(Equal(model.CategoryNoReplyNeeded)))
	})

	It("drops replies whose type is not in the enum", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "replies" {
				return answer(result, map[string]any{"replies": []map[string]string{
					{"type": model.ReplyPolite, "text": "よろしくお願いいたします。"},
					{"type": "casual", "text": "了解!"},
				}})
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.Replies).To(HaveLen(1))
		Expect(got.Analysis.Replies[0].Type).To(Equal(model.ReplyPolite))
	})

	It("retries a transient stage failure once before falling back", func() {
		var importanceCalls int32
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "importance" {
				if atomic.AddInt32(&importanceCalls, 1) == 1 {
					return nil, errors.New("connection reset by peer")
				}
				return answer(result, map[string]any{"score": 42, "description": "通常の連絡です"})
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.ImportanceScore).To(HaveValue(Equal(42)))
		Expect(client.callsFor("importance")).To(Equal(2))
	})

	It("defaults an unknown category", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "summary_category" {
				return answer(result, map[string]any{"summary": "s", "category": "謎カテゴリ"})
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.Category).To(HaveValue(Equal(model.CategoryNoReplyNeeded)))
	})

	It("runs only the selected enrich stages", func() {
		job.Stages = []string{model.StageImportance}
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())

		got, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Analysis.ImportanceScore).To(HaveValue(Equal(42)))
		Expect(got.Analysis.Summary).To(BeNil())
		Expect(client.callsFor("replies")).To(BeZero())
		Expect(client.callsFor("summary_category")).To(BeZero())
	})

	It("alerts ops for high importance mail addressed to the ops mailbox", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "importance" {
				return answer(result, map[string]any{"score": 95, "description": "至急対応が必要です"})
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{
			MessageID:  "m1",
			Sender:     "alice@example.com",
			Recipients: []string{"ops@example.com"},
			Subject:    "障害報告",
			ReceivedAt: time.Now(),
		})

		Expect(eng.Run(ctx, job)).To(Succeed())

		var a alert.Alert
		Eventually(notifier.alerts).Should(Receive(&a))
		Expect(a.Score).To(Equal(95))
		Expect(a.Subject).To(Equal("障害報告"))
	})

	It("does not alert when the ops address is not a recipient", func() {
		client.chatFn = func(ctx context.Context, req llm.Request, result any) (*llm.Response, error) {
			if req.SchemaName == "importance" {
				return answer(result, map[string]any{"score": 95, "description": "至急"})
			}
			return cleanResponses(ctx, req, result)
		}
		appendMessage(&model.Message{
			MessageID:  "m1",
			Recipients: []string{"bob@example.com"},
			ReceivedAt: time.Now(),
		})

		Expect(eng.Run(ctx, job)).To(Succeed())
		Consistently(notifier.alerts).ShouldNot(Receive())
	})

	It("is idempotent across redelivery", func() {
		appendMessage(&model.Message{MessageID: "m1", ReceivedAt: time.Now()})

		Expect(eng.Run(ctx, job)).To(Succeed())
		first, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())

		Expect(eng.Run(ctx, job)).To(Succeed())
		second, err := st.GetMessage(ctx, job.ConvID, job.MessageID)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Analysis).To(Equal(first.Analysis))
	})
})

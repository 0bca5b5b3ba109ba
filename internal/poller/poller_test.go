package poller_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mailpilot.app/enrich/internal/model"
	"mailpilot.app/enrich/internal/poller"
	"mailpilot.app/enrich/internal/queue"
	"mailpilot.app/enrich/internal/store"
)

type mockProducer struct {
	mu   sync.Mutex
	jobs []queue.JobMessage
}

func (m *mockProducer) Enqueue(ctx context.Context, msg queue.JobMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, msg)
	return nil
}

func (m *mockProducer) Close() error { return nil }

func (m *mockProducer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// countingStore tracks reads so tests can assert the attempt bound.
type countingStore struct {
	*store.Memory
	mu    sync.Mutex
	reads int
}

func (c *countingStore) GetMessage(ctx context.Context, convID, messageID string) (*model.Message, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Memory.GetMessage(ctx, convID, messageID)
}

func (c *countingStore) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

var _ = Describe("Poller", func() {
	var (
		ctx      context.Context
		mem      *store.Memory
		st       *countingStore
		producer *mockProducer
	)

	addMessage := func(completed bool) {
		msg := &model.Message{MessageID: "m1", ReceivedAt: time.Now()}
		if completed {
			msg.Analysis = &model.AnalysisResult{Completed: true}
		}
		added, err := mem.AppendMessage(ctx, "conv-1", msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(added).To(BeTrue())
	}

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewMemory()
		st = &countingStore{Memory: mem}
		producer = &mockProducer{}
		_, err := mem.UpsertConversation(ctx, "conv-1", "bob@example.com")
		Expect(err).NotTo(HaveOccurred())
	})

	It("returns immediately when the analysis is already complete", func() {
		addMessage(true)
		p := poller.New(st, producer, poller.Config{Attempts: 25, Interval: time.Millisecond})

		res, err := p.Poll(ctx, "conv-1", "m1", "bob@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(poller.StatusCompleted))
		Expect(res.Analysis).NotTo(BeNil())
		Expect(producer.count()).To(BeZero())
		Expect(st.readCount()).To(Equal(1))
	})

	It("dispatches once and picks up a completion mid-poll", func() {
		addMessage(false)
		p := poller.New(st, producer, poller.Config{Attempts: 50, Interval: 5 * time.Millisecond})

		go func() {
			defer GinkgoRecover()
			time.Sleep(20 * time.Millisecond)
			Expect(mem.MergeAnalysis(ctx, "conv-1", "m1", model.AnalysisResult{Completed: true})).To(Succeed())
		}()

		res, err := p.Poll(ctx, "conv-1", "m1", "bob@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(poller.StatusCompleted))
		Expect(producer.count()).To(Equal(1))
		Expect(producer.jobs[0].Job.ID()).To(Equal("conv-1---m1"))
	})

	It("times out after exactly the configured attempts", func() {
		addMessage(false)
		p := poller.New(st, producer, poller.Config{Attempts: 5, Interval: time.Millisecond})

		res, err := p.Poll(ctx, "conv-1", "m1", "bob@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(poller.StatusTimeout))
		Expect(st.readCount()).To(Equal(5))
		Expect(producer.count()).To(Equal(1))
	})

	It("dispatches in a fresh session even when a prior dispatch was recorded", func() {
		addMessage(false)
		recorded, err := mem.MarkDispatched(ctx, "conv-1", "m1")
		Expect(err).NotTo(HaveOccurred())
		Expect(recorded).To(BeTrue())

		p := poller.New(st, producer, poller.Config{Attempts: 3, Interval: time.Millisecond})
		res, err := p.Poll(ctx, "conv-1", "m1", "bob@example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(poller.StatusTimeout))
		Expect(producer.count()).To(Equal(1))
	})

	It("errors for an unknown message", func() {
		p := poller.New(st, producer, poller.Config{Attempts: 3, Interval: time.Millisecond})
		_, err := p.Poll(ctx, "conv-1", "missing", "bob@example.com")
		Expect(err).To(MatchError(ContainSubstring("not found")))
	})

	It("stops when the context is cancelled", func() {
		addMessage(false)
		cctx, cancel := context.WithCancel(ctx)
		p := poller.New(st, producer, poller.Config{Attempts: 1000, Interval: 10 * time.Millisecond})

		go func() {
			time.Sleep(25 * time.Millisecond)
			cancel()
		}()

		_, err := p.Poll(cctx, "conv-1", "m1", "bob@example.com")
		Expect(err).To(MatchError(context.Canceled))
	})
})

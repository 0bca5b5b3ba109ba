package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"mailpilot.app/enrich/internal/model"
	"mailpilot.app/enrich/internal/store"
)

var _ = Describe("Memory store", func() {
	var (
		ctx context.Context
		s   *store.Memory
	)

	newMessage := func(id string, receivedAt time.Time) *model.Message {
		return &model.Message{
			MessageID:  id,
			Provider:   model.ProviderGmail,
			Sender:     "alice@example.com",
			Recipients: []string{"bob@example.com"},
			Subject:    "hello",
			Body:       "body",
			ReceivedAt: receivedAt,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		s = store.NewMemory()
		_, err := s.UpsertConversation(ctx, "conv-1", "bob@example.com")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("AppendMessage", func() {
		It("declines a duplicate append and keeps the original", func() {
			msg := newMessage("m1", time.Now())
			added, err := s.AppendMessage(ctx, "conv-1", msg)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeTrue())

			dup := newMessage("m1", time.Now())
			dup.Body = "changed"
			added, err = s.AppendMessage(ctx, "conv-1", dup)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeFalse())

			got, err := s.GetMessage(ctx, "conv-1", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Body).To(Equal("body"))
		})
	})

	Describe("ListMessagesBefore", func() {
		It("returns only earlier messages, ascending", func() {
			base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			for i, id := range []string{"m2", "m1", "m3"} {
				offsets := []time.Duration{time.Hour, 0, 2 * time.Hour}
				_, err := s.AppendMessage(ctx, "conv-1", newMessage(id, base.Add(offsets[i])))
				Expect(err).NotTo(HaveOccurred())
			}

			msgs, err := s.ListMessagesBefore(ctx, "conv-1", base.Add(2*time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].MessageID).To(Equal("m1"))
			Expect(msgs[1].MessageID).To(Equal("m2"))
		})
	})

	Describe("SetPreviousSummary", func() {
		It("is write-once", func() {
			_, err := s.AppendMessage(ctx, "conv-1", newMessage("m1", time.Now()))
			Expect(err).NotTo(HaveOccurred())

			Expect(s.SetPreviousSummary(ctx, "conv-1", "m1", "first")).To(Succeed())
			Expect(s.SetPreviousSummary(ctx, "conv-1", "m1", "second")).To(Succeed())

			got, err := s.GetMessage(ctx, "conv-1", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PreviousSummary).To(HaveValue(Equal("first")))
		})
	})

	Describe("SetAttachmentSummary", func() {
		It("updates only the target attachment, once", func() {
			msg := newMessage("m1", time.Now())
			msg.Attachments = []model.Attachment{
				{ID: "a1", Name: "report.txt"},
				{ID: "a2", Name: "notes.txt"},
			}
			_, err := s.AppendMessage(ctx, "conv-1", msg)
			Expect(err).NotTo(HaveOccurred())

			Expect(s.SetAttachmentSummary(ctx, "conv-1", "m1", "a1", "summary one")).To(Succeed())
			Expect(s.SetAttachmentSummary(ctx, "conv-1", "m1", "a1", "summary two")).To(Succeed())

			got, err := s.GetMessage(ctx, "conv-1", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Attachments[0].Summary).To(HaveValue(Equal("summary one")))
			Expect(got.Attachments[1].Summary).To(BeNil())
		})
	})

	Describe("MergeAnalysis", func() {
		It("merges partial results without dropping earlier fields", func() {
			_, err := s.AppendMessage(ctx, "conv-1", newMessage("m1", time.Now()))
			Expect(err).NotTo(HaveOccurred())

			spam := false
			Expect(s.MergeAnalysis(ctx, "conv-1", "m1", model.AnalysisResult{IsSpam: &spam})).To(Succeed())

			score := 80
			Expect(s.MergeAnalysis(ctx, "conv-1", "m1", model.AnalysisResult{
				ImportanceScore: &score,
				Completed:       true,
			})).To(Succeed())

			got, err := s.GetMessage(ctx, "conv-1", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Analysis.IsSpam).To(HaveValue(BeFalse()))
			Expect(got.Analysis.ImportanceScore).To(HaveValue(Equal(80)))
			Expect(got.Analysis.Completed).To(BeTrue())
		})
	})

	Describe("MarkDispatched", func() {
		It("claims a message exactly once per conversation", func() {
			claimed, err := s.MarkDispatched(ctx, "conv-1", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())

			claimed, err = s.MarkDispatched(ctx, "conv-1", "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeFalse())
		})

		It("allows a newer message to supersede the claim", func() {
			_, err := s.MarkDispatched(ctx, "conv-1", "m1")
			Expect(err).NotTo(HaveOccurred())

			claimed, err := s.MarkDispatched(ctx, "conv-1", "m2")
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeTrue())
		})
	})
})

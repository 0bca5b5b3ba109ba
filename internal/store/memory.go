package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailpilot.app/enrich/internal/model"
)

// Memory is an in-process ConversationStore with the same write semantics as
// Postgres. Used by tests and local runs without a database.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	convs  map[string]*model.Conversation
}

func NewMemory() *Memory {
	return &Memory{convs: make(map[string]*model.Conversation)}
}

func (s *Memory) UpsertConversation(ctx context.Context, convID, owner string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		s.nextID++
		conv = &model.Conversation{
			ID:        s.nextID,
			ConvID:    convID,
			CreatedAt: time.Now().UTC(),
		}
		s.convs[convID] = conv
	}
	conv.OwnerAddress = owner

	out := *conv
	out.Messages = nil
	return &out, nil
}

func (s *Memory) AppendMessage(ctx context.Context, convID string, msg *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return false, ErrNotFound
	}
	for i := range conv.Messages {
		if conv.Messages[i].MessageID == msg.MessageID {
			return false, nil
		}
	}
	conv.Messages = append(conv.Messages, *msg)
	return true, nil
}

func (s *Memory) GetMessage(ctx context.Context, convID, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.find(convID, messageID)
	if msg == nil {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (s *Memory) ListMessagesBefore(ctx context.Context, convID string, before time.Time) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return nil, nil
	}
	var msgs []model.Message
	for _, m := range conv.Messages {
		if m.ReceivedAt.Before(before) {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt) })
	return msgs, nil
}

func (s *Memory) SetPreviousSummary(ctx context.Context, convID, messageID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.find(convID, messageID)
	if msg == nil {
		return ErrNotFound
	}
	if msg.PreviousSummary == nil {
		msg.PreviousSummary = &summary
	}
	return nil
}

func (s *Memory) SetAttachmentSummary(ctx context.Context, convID, messageID, attachmentID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.find(convID, messageID)
	if msg == nil {
		return ErrNotFound
	}
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == attachmentID && msg.Attachments[i].Summary == nil {
			msg.Attachments[i].Summary = &summary
		}
	}
	return nil
}

func (s *Memory) MergeAnalysis(ctx context.Context, convID, messageID string, partial model.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.find(convID, messageID)
	if msg == nil {
		return ErrNotFound
	}
	if msg.Analysis == nil {
		msg.Analysis = &model.AnalysisResult{}
	}
	a := msg.Analysis
	if partial.IsSpam != nil {
		a.IsSpam = partial.IsSpam
	}
	if partial.IsMalicious != nil {
		a.IsMalicious = partial.IsMalicious
	}
	if partial.ImportanceScore != nil {
		a.ImportanceScore = partial.ImportanceScore
	}
	if partial.ImportanceDescription != nil {
		a.ImportanceDescription = partial.ImportanceDescription
	}
	if partial.Summary != nil {
		a.Summary = partial.Summary
	}
	if partial.Category != nil {
		a.Category = partial.Category
	}
	if partial.Replies != nil {
		a.Replies = partial.Replies
	}
	if partial.Completed {
		a.Completed = true
	}
	return nil
}

func (s *Memory) MarkDispatched(ctx context.Context, convID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[convID]
	if !ok {
		return false, ErrNotFound
	}
	if conv.LastDispatchedMessageID == messageID {
		return false, nil
	}
	conv.LastDispatchedMessageID = messageID
	return true, nil
}

func (s *Memory) find(convID, messageID string) *model.Message {
	conv, ok := s.convs[convID]
	if !ok {
		return nil
	}
	for i := range conv.Messages {
		if conv.Messages[i].MessageID == messageID {
			return &conv.Messages[i]
		}
	}
	return nil
}

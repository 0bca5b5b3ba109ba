package model

import "time"

// Conversation groups every message belonging to one provider thread.
// Created on first contact, never deleted; messages are append-only.
type Conversation struct {
	ID           int64     `json:"id"`
	ConvID       string    `json:"conv_id"`
	OwnerAddress string    `json:"owner_address"`
	Messages     []Message `json:"messages,omitempty"`

	// LastDispatchedMessageID deduplicates webhook bursts. Kept per
	// conversation so concurrent deliveries for different threads never
	// contend on shared state.
	LastDispatchedMessageID string    `json:"last_dispatched_message_id,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// Message is one mail inside a conversation. Ingestion fields are write-once;
// only the derived fields (PreviousSummary, Analysis, per-attachment
// summaries) change afterwards, each through its own field-scoped update.
type Message struct {
	MessageID   string       `json:"message_id"`
	Provider    string       `json:"provider"`
	Sender      string       `json:"sender"`
	Recipients  []string     `json:"recipients"`
	CC          []string     `json:"cc,omitempty"`
	BCC         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	ReceivedAt  time.Time    `json:"received_at"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// ReplyCountHint comes from the provider thread-index, when one exists.
	ReplyCountHint int `json:"reply_count_hint,omitempty"`

	PreviousSummary *string         `json:"previous_messages_summary,omitempty"`
	Analysis        *AnalysisResult `json:"analysis,omitempty"`
}

// Attachment carries the raw bytes through the pipeline. Summary is written
// at most once; files over the size ceiling are skipped permanently.
type Attachment struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ContentType string  `json:"content_type"`
	Size        int64   `json:"size"`
	IsInline    bool    `json:"is_inline"`
	Content     []byte  `json:"content,omitempty"`
	Summary     *string `json:"summary,omitempty"`
}

// Provider constants.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// HasRecipient reports whether addr appears in To, CC or BCC.
func (m *Message) HasRecipient(addr string) bool {
	for _, list := range [][]string{m.Recipients, m.CC, m.BCC} {
		for _, r := range list {
			if r == addr {
				return true
			}
		}
	}
	return false
}

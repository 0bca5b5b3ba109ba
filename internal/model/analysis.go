package model

// AnalysisResult is the accumulated output of the enrichment stages. Fields
// are nil until their stage has run; Completed flips to true exactly once,
// in the final merge.
type AnalysisResult struct {
	IsSpam                *bool    `json:"is_spam,omitempty"`
	IsMalicious           *bool    `json:"is_malicious,omitempty"`
	ImportanceScore       *int     `json:"importance_score,omitempty"`
	ImportanceDescription *string  `json:"importance_description,omitempty"`
	Summary               *string  `json:"summary,omitempty"`
	Category              *string  `json:"category,omitempty"`
	Replies               []Reply  `json:"replies,omitempty"`
	Completed             bool     `json:"completed"`
}

// Reply is one suggested response draft.
type Reply struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reply tone constants.
const (
	ReplyConcise = "Concise"
	ReplyConfirm = "Confirm"
	ReplyPolite  = "Polite"
)

var validReplyTypes = map[string]struct{}{
	ReplyConcise: {},
	ReplyConfirm: {},
	ReplyPolite:  {},
}

// ValidReplyType reports whether t is one of the reply tone values.
func ValidReplyType(t string) bool {
	_, ok := validReplyTypes[t]
	return ok
}

// Category wire values. The upstream add-on renders these verbatim, so they
// stay in Japanese on the wire.
const (
	CategoryError         = "エラー"
	CategoryRepair        = "修理"
	CategoryInquiry       = "問い合わせ"
	CategoryReport        = "報告"
	CategoryCampaign      = "キャンペーン"
	CategoryPromotion     = "プロモーション"
	CategorySpam          = "スパム"
	CategoryHarmful       = "有害"
	CategoryNoReplyNeeded = "返信不要"
)

var validCategories = map[string]struct{}{
	CategoryError:         {},
	CategoryRepair:        {},
	CategoryInquiry:       {},
	CategoryReport:        {},
	CategoryCampaign:      {},
	CategoryPromotion:     {},
	CategorySpam:          {},
	CategoryHarmful:       {},
	CategoryNoReplyNeeded: {},
}

// ValidCategory reports whether c is one of the closed category values.
func ValidCategory(c string) bool {
	_, ok := validCategories[c]
	return ok
}

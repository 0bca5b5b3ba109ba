package model

// Enrichment stage names. Prestages always run; enrich stages run only when
// the job selects them and the spam gate lets the message through.
const (
	StageAttachmentSummary = "attachment_summary"
	StagePreviousSummary   = "previous_summary"
	StageSpamCheck         = "spam_check"
	StageImportance        = "importance"
	StageReplies           = "replies"
	StageSummaryCategory   = "summary_category"
)

// DefaultEnrichStages is the full enrich selection used when a job does not
// narrow it down.
var DefaultEnrichStages = []string{StageImportance, StageReplies, StageSummaryCategory}

// Job is one unit of enrichment work for a single message. It is the payload
// that crosses the queue, so it stays small: the worker reloads the message
// from the store on every delivery.
type Job struct {
	ConvID    string   `json:"conv_id"`
	MessageID string   `json:"message_id"`
	Owner     string   `json:"owner"`
	Stages    []string `json:"stages"`
}

// ID is the stable job identifier used for logging and polling.
func (j Job) ID() string {
	return j.ConvID + "---" + j.MessageID
}

// WantsStage reports whether the job selected the given enrich stage. An
// empty selection means everything.
func (j Job) WantsStage(stage string) bool {
	if len(j.Stages) == 0 {
		return true
	}
	for _, s := range j.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

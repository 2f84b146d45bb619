package domain

import (
	"time"

	"github.com/uptrace/bun"
)

// RecordType discriminates which ingestion path produced a progress event and
// how the aggregator treats it.
type RecordType string

const (
	// RecordIndividualAnswer is one answered question.
	RecordIndividualAnswer RecordType = "individual_answer"
	// RecordDetailedProgress marks rows ingested through the detailed path.
	// They carry the same core fields as individual answers.
	RecordDetailedProgress RecordType = "detailed_progress"
	// RecordSessionSummary is a whole-session aggregate row; at most one
	// exists per (user, question set).
	RecordSessionSummary RecordType = "session_summary"
	// RecordAggregated marks rows produced by batch rollup jobs.
	RecordAggregated RecordType = "aggregated"
)

// ProgressEvent is the atomic unit of record for user progress.
//
// Summary rows reuse the event's own id as QuestionID because the schema
// keeps question_id non-null and a summary is not tied to one question.
type ProgressEvent struct {
	bun.BaseModel `bun:"table:progress_events,alias:pe"`

	ID            string     `bun:"id,pk" json:"id"`
	UserID        string     `bun:"user_id,notnull" json:"userId"`
	QuestionSetID string     `bun:"question_set_id,notnull" json:"questionSetId"`
	QuestionID    string     `bun:"question_id,notnull" json:"questionId"`
	IsCorrect     bool       `bun:"is_correct" json:"isCorrect"`
	TimeSpent     int        `bun:"time_spent" json:"timeSpent"`
	RecordType    RecordType `bun:"record_type,notnull" json:"recordType"`

	// LastAccessed is the logical event time used for deduplication and
	// recency ordering, independent of the row timestamps below.
	LastAccessed time.Time `bun:"last_accessed,notnull" json:"lastAccessed"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`

	// Metadata preserves the raw client payload details (selected options,
	// source tag, session id) for audit; the aggregator never reads it.
	Metadata map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`

	// Populated on session_summary rows only.
	CompletedQuestions int `bun:"completed_questions" json:"completedQuestions,omitempty"`
	CorrectAnswers     int `bun:"correct_answers" json:"correctAnswers,omitempty"`
	TotalQuestions     int `bun:"total_questions" json:"totalQuestions,omitempty"`
}

// QuestionSetInfo is the reference-catalog view of one question set:
// how many questions it has and the type of each question.
type QuestionSetInfo struct {
	ID            string            `json:"id"`
	QuestionCount int               `json:"questionCount"`
	QuestionTypes map[string]string `json:"questionTypes,omitempty"`
}

// Identity is the verified caller supplied by the upstream auth layer.
type Identity struct {
	UserID string
	Admin  bool
}

// CanActOn reports whether the identity may mutate rows owned by userID.
func (id Identity) CanActOn(userID string) bool {
	return id.Admin || id.UserID == userID
}

// AnswerAggregate is the raw aggregate the store computes over
// individual_answer rows for one (user, question set) scope.
type AnswerAggregate struct {
	QuestionSetID     string    `json:"questionSetId"`
	TotalAnswers      int       `json:"totalAnswers"`
	DistinctQuestions int       `json:"distinctQuestions"`
	CorrectAnswers    int       `json:"correctAnswers"`
	TotalTimeSpent    int       `json:"totalTimeSpent"`
	LastActivity      time.Time `json:"lastActivity"`
}

// ProgressStats is the summary returned to clients for one question set.
type ProgressStats struct {
	UserID             string    `json:"userId"`
	QuestionSetID      string    `json:"questionSetId,omitempty"`
	TotalQuestions     int       `json:"totalQuestions"`
	CompletedQuestions int       `json:"completedQuestions"`
	CorrectAnswers     int       `json:"correctAnswers"`
	TotalAnswers       int       `json:"totalAnswers"`
	Accuracy           float64   `json:"accuracy"`
	TotalTimeSpent     int       `json:"totalTimeSpent"`
	AverageTimeSpent   float64   `json:"averageTimeSpent"`
	LastActivity       time.Time `json:"lastActivity"`
}

// TypeStats is the per-question-type rollup used by profile views.
type TypeStats struct {
	QuestionType   string  `json:"questionType"`
	TotalAnswers   int     `json:"totalAnswers"`
	CorrectAnswers int     `json:"correctAnswers"`
	Accuracy       float64 `json:"accuracy"`
	TotalTimeSpent int     `json:"totalTimeSpent"`
}

// UserOverview is the all-sets dashboard rollup.
type UserOverview struct {
	UserID  string          `json:"userId"`
	Sets    []ProgressStats `json:"sets"`
	ByType  []TypeStats     `json:"byType"`
	Updated time.Time       `json:"updated"`
}

// UpdateEvent is the envelope pushed over a user's live channel.
type UpdateEvent struct {
	Type          string         `json:"type"`
	UserID        string         `json:"userId"`
	QuestionSetID string         `json:"questionSetId,omitempty"`
	Stats         *ProgressStats `json:"stats,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source,omitempty"`
}

// Live update event types.
const (
	UpdateProgressRecorded = "progress_updated"
	UpdateProgressSynced   = "progress_synced"
	UpdateQuizSubmitted    = "quiz_submitted"
	UpdateProgressDeleted  = "progress_deleted"
)

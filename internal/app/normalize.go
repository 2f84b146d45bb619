package app

import (
	"encoding/json"
	"strconv"
	"strings"

	"quiz-progress-service/internal/domain"
)

// Clients report progress through four differently shaped payloads, some of
// them loosely typed (snake_case aliases, stringly booleans, fields nested
// under sub-objects). Everything here folds those shapes into the canonical
// payload structs the ingestion service operates on; the service itself never
// sees an alias.

// AnswerPayload is the canonical single-answer submission.
type AnswerPayload struct {
	QuestionSetID   string
	QuestionID      string
	IsCorrect       bool
	TimeSpent       int
	SelectedOptions []string
	CorrectOptions  []string
	SessionID       string
}

// BeaconItem is one per-question outcome inside a beacon batch.
type BeaconItem struct {
	QuestionID string
	IsCorrect  bool
	TimeSpent  int
}

// BeaconPayload is the page-unload sync batch: a running session total plus
// per-question outcomes.
type BeaconPayload struct {
	UserID             string
	QuestionSetID      string
	SessionID          string
	CompletedQuestions int
	CorrectAnswers     int
	TimeSpent          int
	Items              []BeaconItem
}

// AnswerDetail is one entry of a quiz submission's optional answer list.
type AnswerDetail struct {
	QuestionID string
	IsCorrect  bool
	TimeSpent  int
}

// SubmissionPayload is the explicit quiz-completion summary.
type SubmissionPayload struct {
	UserID             string
	QuestionSetID      string
	CompletedQuestions int
	CorrectAnswers     int
	TotalQuestions     int
	TimeSpent          int
	Answers            []AnswerDetail
}

// ParseAnswerPayload decodes a synchronous-update body. questionSetId,
// questionId and isCorrect are required; timeSpent defaults to 0 and is
// clamped non-negative.
func ParseAnswerPayload(data []byte) (AnswerPayload, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return AnswerPayload{}, err
	}
	return answerFromFields(fields)
}

// ParseDetailedPayload decodes a detailed-progress body, unwrapping whichever
// of the questionSet/question/answer/result sub-objects is present before
// validating the flattened result.
func ParseDetailedPayload(data []byte) (AnswerPayload, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return AnswerPayload{}, err
	}
	unnestInto(fields, "questionSet", "question_set")
	unnestInto(fields, "question", "question")
	unnestInto(fields, "answer", "answer")
	unnestInto(fields, "result", "result")
	return answerFromFields(fields)
}

// ParseBeaconPayload decodes a beacon-sync body. Only questionSetId is
// required; an empty progress batch is accepted (the session total still
// upserts the summary row).
func ParseBeaconPayload(data []byte) (BeaconPayload, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return BeaconPayload{}, err
	}

	p := BeaconPayload{
		UserID:             stringField(fields, "userId", "user_id"),
		QuestionSetID:      stringField(fields, "questionSetId", "question_set_id"),
		SessionID:          stringField(fields, "sessionId", "session_id"),
		CompletedQuestions: intField(fields, "completedQuestions", "completed_questions"),
		CorrectAnswers:     intField(fields, "correctAnswers", "correct_answers"),
		TimeSpent:          intField(fields, "timeSpent", "time_spent"),
	}
	if p.QuestionSetID == "" {
		return BeaconPayload{}, domain.ErrMissingParameter
	}

	for _, raw := range listField(fields, "progress", "answers") {
		item, err := decodeFields(raw)
		if err != nil {
			return BeaconPayload{}, err
		}
		questionID := stringField(item, "questionId", "question_id")
		if questionID == "" {
			return BeaconPayload{}, domain.ErrMissingParameter
		}
		correct, ok := boolField(item, "isCorrect", "is_correct")
		if !ok {
			return BeaconPayload{}, domain.ErrMissingParameter
		}
		p.Items = append(p.Items, BeaconItem{
			QuestionID: questionID,
			IsCorrect:  correct,
			TimeSpent:  intField(item, "timeSpent", "time_spent"),
		})
	}
	return p, nil
}

// ParseSubmissionPayload decodes a quiz-submission body.
func ParseSubmissionPayload(data []byte) (SubmissionPayload, error) {
	fields, err := decodeFields(data)
	if err != nil {
		return SubmissionPayload{}, err
	}

	p := SubmissionPayload{
		UserID:             stringField(fields, "userId", "user_id"),
		QuestionSetID:      stringField(fields, "questionSetId", "question_set_id"),
		CompletedQuestions: intField(fields, "completedQuestions", "completed_questions"),
		CorrectAnswers:     intField(fields, "correctAnswers", "correct_answers"),
		TotalQuestions:     intField(fields, "totalQuestions", "total_questions"),
		TimeSpent:          intField(fields, "timeSpent", "time_spent"),
	}
	if p.QuestionSetID == "" {
		return SubmissionPayload{}, domain.ErrMissingParameter
	}

	for _, raw := range listField(fields, "answerDetails", "answer_details") {
		item, err := decodeFields(raw)
		if err != nil {
			return SubmissionPayload{}, err
		}
		questionID := stringField(item, "questionId", "question_id")
		if questionID == "" {
			continue // tolerate partial detail rows; the summary still counts
		}
		correct, _ := boolField(item, "isCorrect", "is_correct")
		p.Answers = append(p.Answers, AnswerDetail{
			QuestionID: questionID,
			IsCorrect:  correct,
			TimeSpent:  intField(item, "timeSpent", "time_spent"),
		})
	}
	return p, nil
}

func answerFromFields(fields map[string]json.RawMessage) (AnswerPayload, error) {
	p := AnswerPayload{
		QuestionSetID:   stringField(fields, "questionSetId", "question_set_id"),
		QuestionID:      stringField(fields, "questionId", "question_id"),
		TimeSpent:       intField(fields, "timeSpent", "time_spent"),
		SelectedOptions: stringListField(fields, "selectedOptions", "selected_options"),
		CorrectOptions:  stringListField(fields, "correctOptions", "correct_options"),
		SessionID:       stringField(fields, "sessionId", "session_id"),
	}
	if p.QuestionSetID == "" || p.QuestionID == "" {
		return AnswerPayload{}, domain.ErrMissingParameter
	}
	correct, ok := boolField(fields, "isCorrect", "is_correct")
	if !ok {
		return AnswerPayload{}, domain.ErrMissingParameter
	}
	p.IsCorrect = correct
	return p, nil
}

func decodeFields(data []byte) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, domain.ErrMissingParameter
	}
	return fields, nil
}

// unnestInto merges a sub-object's fields into the top level without
// overwriting fields already present. The sub-object's own "id" maps to the
// nest-specific id field (questionSet.id -> questionSetId, question.id ->
// questionId).
func unnestInto(fields map[string]json.RawMessage, camel, snake string) {
	raw, ok := fields[camel]
	if !ok {
		raw, ok = fields[snake]
	}
	if !ok {
		return
	}
	nested := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return // scalar under the nest key, nothing to unwrap
	}
	for key, value := range nested {
		target := key
		if key == "id" {
			switch camel {
			case "questionSet":
				target = "questionSetId"
			case "question":
				target = "questionId"
			default:
				continue
			}
		}
		if _, exists := fields[target]; !exists {
			fields[target] = value
		}
	}
}

func rawField(fields map[string]json.RawMessage, names ...string) (json.RawMessage, bool) {
	for _, name := range names {
		if raw, ok := fields[name]; ok && len(raw) > 0 && string(raw) != "null" {
			return raw, true
		}
	}
	return nil, false
}

func stringField(fields map[string]json.RawMessage, names ...string) string {
	raw, ok := rawField(fields, names...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Numeric ids arrive unquoted from some clients.
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// boolField accepts native booleans plus "true"/"false" strings.
func boolField(fields map[string]json.RawMessage, names ...string) (bool, bool) {
	raw, ok := rawField(fields, names...)
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// intField returns 0 for absent or unparseable values and clamps negatives.
func intField(fields map[string]json.RawMessage, names ...string) int {
	raw, ok := rawField(fields, names...)
	if !ok {
		return 0
	}
	value := 0
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		value = int(f)
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				value = n
			}
		}
	}
	if value < 0 {
		value = 0
	}
	return value
}

func listField(fields map[string]json.RawMessage, names ...string) []json.RawMessage {
	raw, ok := rawField(fields, names...)
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	return items
}

func stringListField(fields map[string]json.RawMessage, names ...string) []string {
	var out []string
	for _, raw := range listField(fields, names...) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			out = append(out, n.String())
		}
	}
	return out
}

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"quiz-progress-service/internal/domain"
)

// DefaultDedupeWindow is how long a repeated submission for the same
// (user, set, question, record type) is treated as a retry.
const DefaultDedupeWindow = 10 * time.Second

// EventStore abstracts the transactional progress-event store (Postgres,
// in-memory, etc). Reads used by the aggregator live on the store itself;
// every mutation goes through InTx.
type EventStore interface {
	// InTx runs fn inside one atomic transaction; fn returning an error
	// rolls back everything written through the EventTx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx EventTx) error) error

	GetEvent(ctx context.Context, userID, eventID string) (domain.ProgressEvent, error)
	AnswerAggregate(ctx context.Context, userID, questionSetID string) (domain.AnswerAggregate, error)
	AnswerAggregatesBySet(ctx context.Context, userID string) ([]domain.AnswerAggregate, error)
	// ListAnswers returns the user's individual_answer rows across all sets.
	ListAnswers(ctx context.Context, userID string) ([]domain.ProgressEvent, error)
}

// EventTx is the write surface available inside a transaction.
type EventTx interface {
	Insert(ctx context.Context, event *domain.ProgressEvent) error
	// FindRecent returns an event with the same dedupe key whose
	// lastAccessed is at or after since.
	FindRecent(ctx context.Context, userID, questionSetID, questionID string, recordType domain.RecordType, since time.Time) (domain.ProgressEvent, bool, error)
	// FindSummary returns the user's session_summary row for a set, if any.
	FindSummary(ctx context.Context, userID, questionSetID string) (domain.ProgressEvent, bool, error)
	Update(ctx context.Context, event *domain.ProgressEvent) error
	// Delete removes one event owned by userID and returns the deleted row.
	Delete(ctx context.Context, userID, eventID string) (domain.ProgressEvent, error)
}

// WriteReceipt reports the outcome of a single-answer ingestion.
type WriteReceipt struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// SubmissionReceipt reports the outcome of a quiz submission.
type SubmissionReceipt struct {
	ID            string    `json:"id"`
	QuestionSetID string    `json:"questionSetId"`
	Timestamp     time.Time `json:"timestamp"`
}

// IngestService is the ingestion gateway: it validates canonical payloads,
// applies the dedupe rule, persists inside one transaction and publishes a
// live update strictly after commit.
type IngestService struct {
	store        EventStore
	catalog      Catalog
	stats        *StatsService
	broadcaster  Broadcaster
	dedupeWindow time.Duration
	now          func() time.Time
	newID        func() string
}

func NewIngestService(store EventStore, catalog Catalog, stats *StatsService, broadcaster Broadcaster, dedupeWindow time.Duration) *IngestService {
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	return &IngestService{
		store:        store,
		catalog:      catalog,
		stats:        stats,
		broadcaster:  broadcaster,
		dedupeWindow: dedupeWindow,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// WithClock is test-only for deterministic timestamps.
func (s *IngestService) WithClock(now func() time.Time) *IngestService {
	s.now = now
	return s
}

// RecordAnswer persists one answer event for the synchronous-update path.
// A same-key write inside the dedupe window is skipped and reported with
// Duplicate=true and the surviving row's id.
func (s *IngestService) RecordAnswer(ctx context.Context, ident domain.Identity, p AnswerPayload) (WriteReceipt, error) {
	return s.recordAnswer(ctx, ident, p, domain.RecordIndividualAnswer, "update")
}

// RecordDetailed persists one answer event from the detailed path and returns
// the stored event together with fresh per-set stats.
func (s *IngestService) RecordDetailed(ctx context.Context, ident domain.Identity, p AnswerPayload) (domain.ProgressEvent, domain.ProgressStats, error) {
	receipt, err := s.recordAnswer(ctx, ident, p, domain.RecordIndividualAnswer, "detailed")
	if err != nil {
		return domain.ProgressEvent{}, domain.ProgressStats{}, err
	}
	event, err := s.store.GetEvent(ctx, ident.UserID, receipt.ID)
	if err != nil {
		return domain.ProgressEvent{}, domain.ProgressStats{}, err
	}
	stats, err := s.stats.SetStats(ctx, ident.UserID, p.QuestionSetID)
	if err != nil {
		return domain.ProgressEvent{}, domain.ProgressStats{}, err
	}
	return event, stats, nil
}

func (s *IngestService) recordAnswer(ctx context.Context, ident domain.Identity, p AnswerPayload, recordType domain.RecordType, source string) (WriteReceipt, error) {
	// Reject unknown sets before opening a transaction.
	if _, err := s.catalog.QuestionCount(ctx, p.QuestionSetID); err != nil {
		return WriteReceipt{}, err
	}

	now := s.now()
	var receipt WriteReceipt
	err := s.store.InTx(ctx, func(ctx context.Context, tx EventTx) error {
		existing, found, err := tx.FindRecent(ctx, ident.UserID, p.QuestionSetID, p.QuestionID, recordType, now.Add(-s.dedupeWindow))
		if err != nil {
			return err
		}
		if found {
			receipt = WriteReceipt{ID: existing.ID, Duplicate: true}
			return nil
		}
		event := s.answerEvent(ident.UserID, p, recordType, source, now)
		if err := tx.Insert(ctx, &event); err != nil {
			return err
		}
		receipt = WriteReceipt{ID: event.ID}
		return nil
	})
	if err != nil {
		return WriteReceipt{}, err
	}
	if !receipt.Duplicate {
		s.publish(ctx, domain.UpdateProgressRecorded, ident.UserID, p.QuestionSetID, source)
	}
	return receipt, nil
}

// SyncBeacon ingests a page-unload batch: one session_summary upsert plus one
// individual_answer row per batch item, atomically. The browser discards the
// response, so this never returns an error; a rolled-back batch simply
// reports ok=false.
func (s *IngestService) SyncBeacon(ctx context.Context, ident domain.Identity, p BeaconPayload) bool {
	userID := p.UserID
	if userID == "" {
		userID = ident.UserID
	}
	if userID == "" || !ident.CanActOn(userID) {
		return false
	}

	now := s.now()
	err := s.store.InTx(ctx, func(ctx context.Context, tx EventTx) error {
		// The batch is the source of truth; the payload's running totals
		// only ever raise the counters (a truncated batch must not shrink
		// previously reported progress).
		completed := len(p.Items)
		correct := 0
		timeSpent := 0
		for _, item := range p.Items {
			if item.IsCorrect {
				correct++
			}
			timeSpent += item.TimeSpent
		}
		completed = maxInt(completed, p.CompletedQuestions)
		correct = maxInt(correct, p.CorrectAnswers)
		timeSpent = maxInt(timeSpent, p.TimeSpent)
		total, _ := s.catalog.QuestionCount(ctx, p.QuestionSetID)

		if _, err := s.upsertSummary(ctx, tx, userID, p.QuestionSetID, completed, correct, total, timeSpent, p.SessionID, "beacon", now); err != nil {
			return err
		}
		for _, item := range p.Items {
			answer := s.answerEvent(userID, AnswerPayload{
				QuestionSetID: p.QuestionSetID,
				QuestionID:    item.QuestionID,
				IsCorrect:     item.IsCorrect,
				TimeSpent:     item.TimeSpent,
				SessionID:     p.SessionID,
			}, domain.RecordIndividualAnswer, "beacon", now)
			_, found, err := tx.FindRecent(ctx, userID, p.QuestionSetID, item.QuestionID, domain.RecordIndividualAnswer, now.Add(-s.dedupeWindow))
			if err != nil {
				return err
			}
			if found {
				continue
			}
			if err := tx.Insert(ctx, &answer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("beacon sync for user %s rolled back: %v", userID, err)
		return false
	}
	s.publish(ctx, domain.UpdateProgressSynced, userID, p.QuestionSetID, "beacon")
	return true
}

// SubmitQuiz records an explicit quiz completion: a session_summary upsert
// (idempotent, counters take the max of old and new) plus a fan-out of
// individual_answer rows when details are attached.
func (s *IngestService) SubmitQuiz(ctx context.Context, ident domain.Identity, p SubmissionPayload) (SubmissionReceipt, error) {
	userID := p.UserID
	if userID == "" {
		userID = ident.UserID
	}
	if userID == "" {
		return SubmissionReceipt{}, domain.ErrMissingParameter
	}
	if !ident.CanActOn(userID) {
		return SubmissionReceipt{}, domain.ErrPermissionDenied
	}
	if _, err := s.catalog.QuestionCount(ctx, p.QuestionSetID); err != nil {
		return SubmissionReceipt{}, err
	}

	now := s.now()
	var receipt SubmissionReceipt
	err := s.store.InTx(ctx, func(ctx context.Context, tx EventTx) error {
		total := p.TotalQuestions
		if total == 0 {
			total, _ = s.catalog.QuestionCount(ctx, p.QuestionSetID)
		}
		summary, err := s.upsertSummary(ctx, tx, userID, p.QuestionSetID, p.CompletedQuestions, p.CorrectAnswers, total, p.TimeSpent, "", "submit", now)
		if err != nil {
			return err
		}
		receipt = SubmissionReceipt{ID: summary.ID, QuestionSetID: p.QuestionSetID, Timestamp: now}

		for _, detail := range p.Answers {
			_, found, err := tx.FindRecent(ctx, userID, p.QuestionSetID, detail.QuestionID, domain.RecordIndividualAnswer, now.Add(-s.dedupeWindow))
			if err != nil {
				return err
			}
			if found {
				continue
			}
			answer := s.answerEvent(userID, AnswerPayload{
				QuestionSetID: p.QuestionSetID,
				QuestionID:    detail.QuestionID,
				IsCorrect:     detail.IsCorrect,
				TimeSpent:     detail.TimeSpent,
			}, domain.RecordIndividualAnswer, "submit", now)
			answer.Metadata["summaryId"] = summary.ID
			if err := tx.Insert(ctx, &answer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SubmissionReceipt{}, err
	}
	s.publish(ctx, domain.UpdateQuizSubmitted, userID, p.QuestionSetID, "submit")
	return receipt, nil
}

// DeleteEvent removes one progress row on behalf of its owner (or an admin),
// re-aggregates the affected set and fans the deletion out.
func (s *IngestService) DeleteEvent(ctx context.Context, caller domain.Identity, ownerID, eventID string) (domain.ProgressStats, error) {
	if ownerID == "" || eventID == "" {
		return domain.ProgressStats{}, domain.ErrMissingParameter
	}
	if !caller.CanActOn(ownerID) {
		return domain.ProgressStats{}, domain.ErrPermissionDenied
	}

	var deleted domain.ProgressEvent
	err := s.store.InTx(ctx, func(ctx context.Context, tx EventTx) error {
		var err error
		deleted, err = tx.Delete(ctx, ownerID, eventID)
		return err
	})
	if err != nil {
		return domain.ProgressStats{}, err
	}

	stats, err := s.stats.SetStats(ctx, ownerID, deleted.QuestionSetID)
	if err != nil {
		return domain.ProgressStats{}, err
	}
	s.publishStats(domain.UpdateProgressDeleted, ownerID, deleted.QuestionSetID, "delete", &stats)
	return stats, nil
}

// upsertSummary keeps at most one session_summary row per (user, set):
// the first write inserts, later ones update in place with counters taking
// the max of old and new so replays cannot regress progress.
func (s *IngestService) upsertSummary(ctx context.Context, tx EventTx, userID, questionSetID string, completed, correct, total, timeSpent int, sessionID, source string, now time.Time) (domain.ProgressEvent, error) {
	existing, found, err := tx.FindSummary(ctx, userID, questionSetID)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	if found {
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		existing.CompletedQuestions = maxInt(existing.CompletedQuestions, completed)
		existing.CorrectAnswers = maxInt(existing.CorrectAnswers, correct)
		existing.TotalQuestions = maxInt(existing.TotalQuestions, total)
		existing.TimeSpent = maxInt(existing.TimeSpent, timeSpent)
		existing.LastAccessed = now
		existing.UpdatedAt = now
		if sessionID != "" {
			existing.Metadata["sessionId"] = sessionID
		}
		existing.Metadata["source"] = source
		if err := tx.Update(ctx, &existing); err != nil {
			return domain.ProgressEvent{}, err
		}
		return existing, nil
	}

	id := s.newID()
	summary := domain.ProgressEvent{
		ID:            id,
		UserID:        userID,
		QuestionSetID: questionSetID,
		// The schema requires a question id; summaries are not tied to one
		// question, so the row points at itself.
		QuestionID:         id,
		RecordType:         domain.RecordSessionSummary,
		TimeSpent:          timeSpent,
		CompletedQuestions: completed,
		CorrectAnswers:     correct,
		TotalQuestions:     total,
		LastAccessed:       now,
		CreatedAt:          now,
		UpdatedAt:          now,
		Metadata:           map[string]any{"source": source},
	}
	if sessionID != "" {
		summary.Metadata["sessionId"] = sessionID
	}
	if err := tx.Insert(ctx, &summary); err != nil {
		return domain.ProgressEvent{}, err
	}
	return summary, nil
}

func (s *IngestService) answerEvent(userID string, p AnswerPayload, recordType domain.RecordType, source string, now time.Time) domain.ProgressEvent {
	timeSpent := p.TimeSpent
	if timeSpent < 0 {
		timeSpent = 0
	}
	metadata := map[string]any{"source": source}
	if len(p.SelectedOptions) > 0 {
		metadata["selectedOptions"] = p.SelectedOptions
	}
	if len(p.CorrectOptions) > 0 {
		metadata["correctOptions"] = p.CorrectOptions
	}
	if p.SessionID != "" {
		metadata["sessionId"] = p.SessionID
	}
	return domain.ProgressEvent{
		ID:            s.newID(),
		UserID:        userID,
		QuestionSetID: p.QuestionSetID,
		QuestionID:    p.QuestionID,
		IsCorrect:     p.IsCorrect,
		TimeSpent:     timeSpent,
		RecordType:    recordType,
		LastAccessed:  now,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      metadata,
	}
}

// publish recomputes stats for the affected set and pushes the update to the
// user's live channel. Runs only after the owning transaction committed;
// failures are logged and swallowed so a notification problem can never fail
// a write that already landed.
func (s *IngestService) publish(ctx context.Context, eventType, userID, questionSetID, source string) {
	stats, err := s.stats.SetStats(ctx, userID, questionSetID)
	if err != nil {
		log.Printf("stats for live update (user %s, set %s): %v", userID, questionSetID, err)
		s.publishStats(eventType, userID, questionSetID, source, nil)
		return
	}
	s.publishStats(eventType, userID, questionSetID, source, &stats)
}

func (s *IngestService) publishStats(eventType, userID, questionSetID, source string, stats *domain.ProgressStats) {
	s.broadcaster.Publish(userID, domain.UpdateEvent{
		Type:          eventType,
		UserID:        userID,
		QuestionSetID: questionSetID,
		Stats:         stats,
		Timestamp:     s.now(),
		Source:        source,
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

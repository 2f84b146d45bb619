package memory

import (
	"context"
	"sync"
	"time"

	"quiz-progress-service/internal/app"
	"quiz-progress-service/internal/domain"
)

// EventStore is an in-memory implementation of app.EventStore for tests and
// local development. Transactions stage writes against a copy of the event
// map and swap it in on commit, so a failing callback leaves nothing behind.
// A single mutex serializes writers, standing in for the row locks a real
// store would take.
type EventStore struct {
	mu     sync.RWMutex
	events map[string]domain.ProgressEvent
}

func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string]domain.ProgressEvent)}
}

func (s *EventStore) InTx(ctx context.Context, fn func(ctx context.Context, tx app.EventTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]domain.ProgressEvent, len(s.events))
	for id, ev := range s.events {
		staged[id] = ev
	}
	if err := fn(ctx, &eventTx{events: staged}); err != nil {
		return err
	}
	s.events = staged
	return nil
}

func (s *EventStore) GetEvent(_ context.Context, userID, eventID string) (domain.ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok || ev.UserID != userID {
		return domain.ProgressEvent{}, domain.ErrEventNotFound
	}
	return ev, nil
}

func (s *EventStore) AnswerAggregate(_ context.Context, userID, questionSetID string) (domain.AnswerAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := domain.AnswerAggregate{QuestionSetID: questionSetID}
	seen := map[string]struct{}{}
	for _, ev := range s.events {
		if ev.UserID != userID || ev.QuestionSetID != questionSetID || ev.RecordType != domain.RecordIndividualAnswer {
			continue
		}
		tallyInto(&agg, ev, seen)
	}
	agg.DistinctQuestions = len(seen)
	return agg, nil
}

func (s *EventStore) AnswerAggregatesBySet(_ context.Context, userID string) ([]domain.AnswerAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aggs := map[string]*domain.AnswerAggregate{}
	seen := map[string]map[string]struct{}{}
	for _, ev := range s.events {
		if ev.UserID != userID || ev.RecordType != domain.RecordIndividualAnswer {
			continue
		}
		agg, ok := aggs[ev.QuestionSetID]
		if !ok {
			agg = &domain.AnswerAggregate{QuestionSetID: ev.QuestionSetID}
			aggs[ev.QuestionSetID] = agg
			seen[ev.QuestionSetID] = map[string]struct{}{}
		}
		tallyInto(agg, ev, seen[ev.QuestionSetID])
	}

	out := make([]domain.AnswerAggregate, 0, len(aggs))
	for setID, agg := range aggs {
		agg.DistinctQuestions = len(seen[setID])
		out = append(out, *agg)
	}
	return out, nil
}

func (s *EventStore) ListAnswers(_ context.Context, userID string) ([]domain.ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ProgressEvent
	for _, ev := range s.events {
		if ev.UserID == userID && ev.RecordType == domain.RecordIndividualAnswer {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CountByType reports how many rows of one record type a user has for a set;
// test helper.
func (s *EventStore) CountByType(userID, questionSetID string, recordType domain.RecordType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events {
		if ev.UserID == userID && ev.QuestionSetID == questionSetID && ev.RecordType == recordType {
			n++
		}
	}
	return n
}

func tallyInto(agg *domain.AnswerAggregate, ev domain.ProgressEvent, seen map[string]struct{}) {
	agg.TotalAnswers++
	if ev.IsCorrect {
		agg.CorrectAnswers++
	}
	agg.TotalTimeSpent += ev.TimeSpent
	if ev.LastAccessed.After(agg.LastActivity) {
		agg.LastActivity = ev.LastAccessed
	}
	seen[ev.QuestionID] = struct{}{}
}

type eventTx struct {
	events map[string]domain.ProgressEvent
}

func (t *eventTx) Insert(_ context.Context, event *domain.ProgressEvent) error {
	t.events[event.ID] = *event
	return nil
}

func (t *eventTx) FindRecent(_ context.Context, userID, questionSetID, questionID string, recordType domain.RecordType, since time.Time) (domain.ProgressEvent, bool, error) {
	for _, ev := range t.events {
		if ev.UserID == userID && ev.QuestionSetID == questionSetID && ev.QuestionID == questionID &&
			ev.RecordType == recordType && !ev.LastAccessed.Before(since) {
			return ev, true, nil
		}
	}
	return domain.ProgressEvent{}, false, nil
}

func (t *eventTx) FindSummary(_ context.Context, userID, questionSetID string) (domain.ProgressEvent, bool, error) {
	for _, ev := range t.events {
		if ev.UserID == userID && ev.QuestionSetID == questionSetID && ev.RecordType == domain.RecordSessionSummary {
			// Detach the metadata map so callers mutating the returned row
			// cannot leak changes past a rollback.
			if ev.Metadata != nil {
				metadata := make(map[string]any, len(ev.Metadata))
				for k, v := range ev.Metadata {
					metadata[k] = v
				}
				ev.Metadata = metadata
			}
			return ev, true, nil
		}
	}
	return domain.ProgressEvent{}, false, nil
}

func (t *eventTx) Update(_ context.Context, event *domain.ProgressEvent) error {
	if _, ok := t.events[event.ID]; !ok {
		return domain.ErrEventNotFound
	}
	t.events[event.ID] = *event
	return nil
}

func (t *eventTx) Delete(_ context.Context, userID, eventID string) (domain.ProgressEvent, error) {
	ev, ok := t.events[eventID]
	if !ok || ev.UserID != userID {
		return domain.ProgressEvent{}, domain.ErrEventNotFound
	}
	delete(t.events, eventID)
	return ev, nil
}

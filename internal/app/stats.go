package app

import (
	"context"
	"sort"
	"time"

	"quiz-progress-service/internal/domain"
)

// Catalog is the read-only reference data the aggregator consults: how many
// questions a set contains and what type each question is.
type Catalog interface {
	QuestionCount(ctx context.Context, questionSetID string) (int, error)
	// QuestionTypes maps questionID -> question type for one set.
	QuestionTypes(ctx context.Context, questionSetID string) (map[string]string, error)
}

// StatsService computes progress summaries straight from the event log; no
// separately maintained running total exists.
type StatsService struct {
	store   EventStore
	catalog Catalog
	now     func() time.Time
}

func NewStatsService(store EventStore, catalog Catalog) *StatsService {
	return &StatsService{store: store, catalog: catalog, now: time.Now}
}

// WithClock is test-only for deterministic timestamps.
func (s *StatsService) WithClock(now func() time.Time) *StatsService {
	s.now = now
	return s
}

// SetStats aggregates one (user, question set) scope. totalQuestions comes
// from the catalog, everything else from individual_answer rows.
func (s *StatsService) SetStats(ctx context.Context, userID, questionSetID string) (domain.ProgressStats, error) {
	agg, err := s.store.AnswerAggregate(ctx, userID, questionSetID)
	if err != nil {
		return domain.ProgressStats{}, err
	}
	total, err := s.catalog.QuestionCount(ctx, questionSetID)
	if err != nil {
		return domain.ProgressStats{}, err
	}
	stats := statsFromAggregate(userID, agg)
	stats.TotalQuestions = total
	return stats, nil
}

// Overview rolls up every set the user has touched plus a per-question-type
// breakdown. Sets unknown to the catalog are kept with totalQuestions=0 so a
// deleted set does not hide recorded work; answers whose question the catalog
// no longer lists are skipped in the type rollup.
func (s *StatsService) Overview(ctx context.Context, userID string) (domain.UserOverview, error) {
	aggs, err := s.store.AnswerAggregatesBySet(ctx, userID)
	if err != nil {
		return domain.UserOverview{}, err
	}

	overview := domain.UserOverview{UserID: userID, Updated: s.now()}
	for _, agg := range aggs {
		if agg.QuestionSetID == "" {
			continue
		}
		stats := statsFromAggregate(userID, agg)
		if total, err := s.catalog.QuestionCount(ctx, agg.QuestionSetID); err == nil {
			stats.TotalQuestions = total
		}
		overview.Sets = append(overview.Sets, stats)
	}
	sort.Slice(overview.Sets, func(i, j int) bool {
		return overview.Sets[i].LastActivity.After(overview.Sets[j].LastActivity)
	})

	byType, err := s.typeRollup(ctx, userID)
	if err != nil {
		return domain.UserOverview{}, err
	}
	overview.ByType = byType
	return overview, nil
}

func (s *StatsService) typeRollup(ctx context.Context, userID string) ([]domain.TypeStats, error) {
	answers, err := s.store.ListAnswers(ctx, userID)
	if err != nil {
		return nil, err
	}

	typesBySet := map[string]map[string]string{}
	tallies := map[string]*domain.TypeStats{}
	for _, ev := range answers {
		if ev.QuestionSetID == "" {
			continue
		}
		types, ok := typesBySet[ev.QuestionSetID]
		if !ok {
			types, err = s.catalog.QuestionTypes(ctx, ev.QuestionSetID)
			if err != nil {
				types = nil // unknown set: skip its rows, keep aggregating
			}
			typesBySet[ev.QuestionSetID] = types
		}
		qType, ok := types[ev.QuestionID]
		if !ok {
			continue
		}
		tally, ok := tallies[qType]
		if !ok {
			tally = &domain.TypeStats{QuestionType: qType}
			tallies[qType] = tally
		}
		tally.TotalAnswers++
		if ev.IsCorrect {
			tally.CorrectAnswers++
		}
		tally.TotalTimeSpent += ev.TimeSpent
	}

	out := make([]domain.TypeStats, 0, len(tallies))
	for _, tally := range tallies {
		if tally.TotalAnswers > 0 {
			tally.Accuracy = float64(tally.CorrectAnswers) / float64(tally.TotalAnswers) * 100
		}
		out = append(out, *tally)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionType < out[j].QuestionType })
	return out, nil
}

// statsFromAggregate applies the counting rules: completed counts distinct
// questions, accuracy divides by total answers (every answer event counts,
// not last-answer-wins), averages guard their zero denominators. Percentages
// stay unrounded; rounding is a presentation concern.
func statsFromAggregate(userID string, agg domain.AnswerAggregate) domain.ProgressStats {
	stats := domain.ProgressStats{
		UserID:             userID,
		QuestionSetID:      agg.QuestionSetID,
		CompletedQuestions: agg.DistinctQuestions,
		CorrectAnswers:     agg.CorrectAnswers,
		TotalAnswers:       agg.TotalAnswers,
		TotalTimeSpent:     agg.TotalTimeSpent,
		LastActivity:       agg.LastActivity,
	}
	if agg.TotalAnswers > 0 {
		stats.Accuracy = float64(agg.CorrectAnswers) / float64(agg.TotalAnswers) * 100
	}
	if agg.DistinctQuestions > 0 {
		stats.AverageTimeSpent = float64(agg.TotalTimeSpent) / float64(agg.DistinctQuestions)
	}
	return stats
}

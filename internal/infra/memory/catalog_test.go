package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-progress-service/internal/domain"
)

func TestCatalogCaches(t *testing.T) {
	loader := &countingLoader{
		CatalogLoader: NewStaticCatalogLoader(map[string]domain.QuestionSetInfo{
			"s1": sampleSet(),
		}),
	}
	catalog := NewCatalog(loader, time.Minute)

	count, err := catalog.QuestionCount(context.Background(), "s1")
	if err != nil {
		t.Fatalf("question count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 questions, got %d", count)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls)
	}

	// types come from the same cached entry
	types, err := catalog.QuestionTypes(context.Background(), "s1")
	if err != nil {
		t.Fatalf("question types: %v", err)
	}
	if types["q1"] != "single_choice" {
		t.Fatalf("unexpected types: %+v", types)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls)
	}
}

func TestCatalogUnknownSet(t *testing.T) {
	catalog := NewCatalog(NewStaticCatalogLoader(nil), time.Minute)
	if _, err := catalog.QuestionCount(context.Background(), "nope"); !errors.Is(err, domain.ErrQuestionSetNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type countingLoader struct {
	CatalogLoader
	calls int
}

func (l *countingLoader) LoadQuestionSet(ctx context.Context, questionSetID string) (domain.QuestionSetInfo, error) {
	l.calls++
	return l.CatalogLoader.LoadQuestionSet(ctx, questionSetID)
}

func sampleSet() domain.QuestionSetInfo {
	return domain.QuestionSetInfo{
		ID:            "s1",
		QuestionCount: 2,
		QuestionTypes: map[string]string{
			"q1": "single_choice",
			"q2": "multiple_choice",
		},
	}
}

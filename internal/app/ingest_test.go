package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"quiz-progress-service/internal/app"
	"quiz-progress-service/internal/domain"
	"quiz-progress-service/internal/infra/memory"
)

type fixture struct {
	store   *memory.EventStore
	hub     *app.Hub
	ingest  *app.IngestService
	stats   *app.StatsService
	clock   *fakeClock
	catalog app.Catalog
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture() *fixture {
	store := memory.NewEventStore()
	catalog := memory.NewCatalog(memory.NewStaticCatalogLoader(map[string]domain.QuestionSetInfo{
		"s1": {
			ID:            "s1",
			QuestionCount: 3,
			QuestionTypes: map[string]string{"q1": "single_choice", "q2": "single_choice", "q3": "multiple_choice"},
		},
	}), 5*time.Minute)
	clock := &fakeClock{now: time.Date(2025, 8, 11, 9, 0, 0, 0, time.UTC)}
	hub := app.NewHub()
	stats := app.NewStatsService(store, catalog).WithClock(clock.Now)
	ingest := app.NewIngestService(store, catalog, stats, hub, 10*time.Second).WithClock(clock.Now)
	return &fixture{store: store, hub: hub, ingest: ingest, stats: stats, clock: clock, catalog: catalog}
}

func answer(setID, questionID string, correct bool, timeSpent int) app.AnswerPayload {
	return app.AnswerPayload{QuestionSetID: setID, QuestionID: questionID, IsCorrect: correct, TimeSpent: timeSpent}
}

func TestRecordAnswerDedupesWithinWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ident := domain.Identity{UserID: "u1"}

	first, err := f.ingest.RecordAnswer(ctx, ident, answer("s1", "q1", true, 12))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first write must not report duplicate")
	}

	f.clock.Advance(2 * time.Second)
	second, err := f.ingest.RecordAnswer(ctx, ident, answer("s1", "q1", false, 3))
	if err != nil {
		t.Fatalf("record retry: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("expected duplicate with id %s, got %+v", first.ID, second)
	}
	if n := f.store.CountByType("u1", "s1", domain.RecordIndividualAnswer); n != 1 {
		t.Fatalf("expected exactly one row, got %d", n)
	}

	// The first write wins: stats reflect the original correct outcome.
	stats, err := f.stats.SetStats(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CompletedQuestions != 1 || stats.CorrectAnswers != 1 || stats.TotalTimeSpent != 12 {
		t.Fatalf("expected first write to win, got %+v", stats)
	}
}

func TestRecordAnswerOutsideWindowInserts(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ident := domain.Identity{UserID: "u1"}

	if _, err := f.ingest.RecordAnswer(ctx, ident, answer("s1", "q1", true, 12)); err != nil {
		t.Fatalf("record: %v", err)
	}
	f.clock.Advance(11 * time.Second)
	receipt, err := f.ingest.RecordAnswer(ctx, ident, answer("s1", "q1", false, 4))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if receipt.Duplicate {
		t.Fatalf("write outside window must insert")
	}
	if n := f.store.CountByType("u1", "s1", domain.RecordIndividualAnswer); n != 2 {
		t.Fatalf("expected two rows, got %d", n)
	}
}

func TestRecordAnswerUnknownSetRejected(t *testing.T) {
	f := newFixture()
	_, err := f.ingest.RecordAnswer(context.Background(), domain.Identity{UserID: "u1"}, answer("nope", "q1", true, 1))
	if !errors.Is(err, domain.ErrQuestionSetNotFound) {
		t.Fatalf("expected question set not found, got %v", err)
	}
}

func TestRecordDetailedReturnsEventAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	event, stats, err := f.ingest.RecordDetailed(ctx, domain.Identity{UserID: "u1"}, answer("s1", "q2", true, 9))
	if err != nil {
		t.Fatalf("record detailed: %v", err)
	}
	if event.QuestionID != "q2" || !event.IsCorrect {
		t.Fatalf("unexpected event: %+v", event)
	}
	if stats.CompletedQuestions != 1 || stats.TotalQuestions != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSyncBeaconWritesSummaryAndAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ident := domain.Identity{UserID: "u1"}

	ok := f.ingest.SyncBeacon(ctx, ident, app.BeaconPayload{
		UserID:        "u1",
		QuestionSetID: "s1",
		SessionID:     "sess1",
		Items: []app.BeaconItem{
			{QuestionID: "q2", IsCorrect: true, TimeSpent: 5},
			{QuestionID: "q3", IsCorrect: false, TimeSpent: 8},
		},
	})
	if !ok {
		t.Fatalf("beacon should succeed")
	}
	if n := f.store.CountByType("u1", "s1", domain.RecordSessionSummary); n != 1 {
		t.Fatalf("expected one summary row, got %d", n)
	}
	if n := f.store.CountByType("u1", "s1", domain.RecordIndividualAnswer); n != 2 {
		t.Fatalf("expected two answer rows, got %d", n)
	}

	stats, err := f.stats.SetStats(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.CompletedQuestions != 2 || stats.CorrectAnswers != 1 || stats.TotalTimeSpent != 13 {
		t.Fatalf("unexpected stats after beacon: %+v", stats)
	}
}

// failingStore wraps the memory store and fails the Nth insert inside a
// transaction, simulating a store failure mid-batch.
type failingStore struct {
	*memory.EventStore
	failAfter int
}

func (s *failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx app.EventTx) error) error {
	return s.EventStore.InTx(ctx, func(ctx context.Context, tx app.EventTx) error {
		return fn(ctx, &failingTx{EventTx: tx, remaining: &s.failAfter})
	})
}

type failingTx struct {
	app.EventTx
	remaining *int
}

func (t *failingTx) Insert(ctx context.Context, event *domain.ProgressEvent) error {
	if *t.remaining <= 0 {
		return errors.New("store connection lost")
	}
	*t.remaining--
	return t.EventTx.Insert(ctx, event)
}

func TestSyncBeaconRollsBackAtomically(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	// summary insert succeeds, first answer insert fails
	store := &failingStore{EventStore: f.store, failAfter: 1}
	stats := app.NewStatsService(store, f.catalog).WithClock(f.clock.Now)
	ingest := app.NewIngestService(store, f.catalog, stats, f.hub, 10*time.Second).WithClock(f.clock.Now)

	updates, cancel := f.hub.Subscribe("u1")
	defer cancel()

	ok := ingest.SyncBeacon(ctx, domain.Identity{UserID: "u1"}, app.BeaconPayload{
		UserID:        "u1",
		QuestionSetID: "s1",
		Items: []app.BeaconItem{
			{QuestionID: "q2", IsCorrect: true, TimeSpent: 5},
			{QuestionID: "q3", IsCorrect: false, TimeSpent: 8},
		},
	})
	if ok {
		t.Fatalf("beacon must report failure internally")
	}
	// full rollback: neither the summary nor any answer row survived
	if n := f.store.CountByType("u1", "s1", domain.RecordSessionSummary); n != 0 {
		t.Fatalf("expected summary rolled back, got %d rows", n)
	}
	if n := f.store.CountByType("u1", "s1", domain.RecordIndividualAnswer); n != 0 {
		t.Fatalf("expected answers rolled back, got %d rows", n)
	}
	// and no live update was published for the rolled-back write
	select {
	case ev := <-updates:
		t.Fatalf("unexpected fanout event %+v for rolled-back write", ev)
	default:
	}
}

func TestSubmitQuizIdempotentSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ident := domain.Identity{UserID: "u1"}
	payload := app.SubmissionPayload{
		UserID:             "u1",
		QuestionSetID:      "s1",
		CompletedQuestions: 3,
		CorrectAnswers:     2,
		TimeSpent:          120,
	}

	first, err := f.ingest.SubmitQuiz(ctx, ident, payload)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.QuestionSetID != "s1" || first.ID == "" {
		t.Fatalf("unexpected receipt: %+v", first)
	}

	// Resubmission with lower counters updates in place, keeping the max.
	payload.CompletedQuestions = 2
	payload.CorrectAnswers = 1
	second, err := f.ingest.SubmitQuiz(ctx, ident, payload)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same summary row, got %s and %s", first.ID, second.ID)
	}
	if n := f.store.CountByType("u1", "s1", domain.RecordSessionSummary); n != 1 {
		t.Fatalf("expected one summary row, got %d", n)
	}

	summary, err := f.store.GetEvent(ctx, "u1", first.ID)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if summary.CompletedQuestions != 3 || summary.CorrectAnswers != 2 {
		t.Fatalf("expected counters to keep their max, got %+v", summary)
	}
	// the summary row points at itself where the schema demands a question id
	if summary.QuestionID != summary.ID {
		t.Fatalf("expected synthetic question id, got %q", summary.QuestionID)
	}
}

func TestSubmitQuizFansOutAnswerDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.ingest.SubmitQuiz(ctx, domain.Identity{UserID: "u1"}, app.SubmissionPayload{
		UserID:             "u1",
		QuestionSetID:      "s1",
		CompletedQuestions: 2,
		CorrectAnswers:     1,
		Answers: []app.AnswerDetail{
			{QuestionID: "q1", IsCorrect: true, TimeSpent: 20},
			{QuestionID: "q2", IsCorrect: false, TimeSpent: 15},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := f.store.CountByType("u1", "s1", domain.RecordIndividualAnswer); n != 2 {
		t.Fatalf("expected two answer rows, got %d", n)
	}
}

func TestSubmitQuizPermission(t *testing.T) {
	f := newFixture()
	_, err := f.ingest.SubmitQuiz(context.Background(), domain.Identity{UserID: "intruder"}, app.SubmissionPayload{
		UserID:        "u1",
		QuestionSetID: "s1",
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestRecordAnswerPublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	updates, cancel := f.hub.Subscribe("u1")
	defer cancel()

	if _, err := f.ingest.RecordAnswer(ctx, domain.Identity{UserID: "u1"}, answer("s1", "q1", true, 12)); err != nil {
		t.Fatalf("record: %v", err)
	}

	select {
	case ev := <-updates:
		if ev.Type != domain.UpdateProgressRecorded || ev.QuestionSetID != "s1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Stats == nil || ev.Stats.CompletedQuestions != 1 {
			t.Fatalf("expected fresh stats on event, got %+v", ev.Stats)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected live update after commit")
	}
}

func TestDuplicateDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ident := domain.Identity{UserID: "u1"}

	if _, err := f.ingest.RecordAnswer(ctx, ident, answer("s1", "q1", true, 12)); err != nil {
		t.Fatalf("record: %v", err)
	}

	updates, cancel := f.hub.Subscribe("u1")
	defer cancel()

	f.clock.Advance(time.Second)
	if _, err := f.ingest.RecordAnswer(ctx, ident, answer("s1", "q1", true, 12)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	select {
	case ev := <-updates:
		t.Fatalf("suppressed duplicate must not fan out, got %+v", ev)
	default:
	}
}

func TestDeleteEventReaggregatesAndChecksOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ident := domain.Identity{UserID: "u1"}

	receipt, err := f.ingest.RecordAnswer(ctx, ident, answer("s1", "q1", true, 12))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := f.ingest.DeleteEvent(ctx, domain.Identity{UserID: "stranger"}, "u1", receipt.ID); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	stats, err := f.ingest.DeleteEvent(ctx, domain.Identity{UserID: "admin", Admin: true}, "u1", receipt.ID)
	if err != nil {
		t.Fatalf("delete as admin: %v", err)
	}
	if stats.CompletedQuestions != 0 || stats.TotalAnswers != 0 {
		t.Fatalf("expected empty stats after delete, got %+v", stats)
	}

	if _, err := f.ingest.DeleteEvent(ctx, ident, "u1", receipt.ID); !errors.Is(err, domain.ErrEventNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

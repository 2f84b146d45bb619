package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"quiz-progress-service/internal/app"
	"quiz-progress-service/internal/domain"
)

// EventStore persists progress events in Postgres through bun. The database
// serializes conflicting writers; no in-process aggregate state exists.
type EventStore struct {
	db *bun.DB
}

func NewEventStore(db *bun.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) InTx(ctx context.Context, fn func(ctx context.Context, tx app.EventTx) error) error {
	return s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &eventTx{tx: tx})
	})
}

func (s *EventStore) GetEvent(ctx context.Context, userID, eventID string) (domain.ProgressEvent, error) {
	var ev domain.ProgressEvent
	err := s.db.NewSelect().
		Model(&ev).
		Where("id = ?", eventID).
		Where("user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProgressEvent{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.ProgressEvent{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

type aggregateRow struct {
	QuestionSetID     string       `bun:"question_set_id"`
	TotalAnswers      int          `bun:"total_answers"`
	DistinctQuestions int          `bun:"distinct_questions"`
	CorrectAnswers    int          `bun:"correct_answers"`
	TotalTimeSpent    int          `bun:"total_time_spent"`
	LastActivity      sql.NullTime `bun:"last_activity"`
}

func (r aggregateRow) toDomain() domain.AnswerAggregate {
	agg := domain.AnswerAggregate{
		QuestionSetID:     r.QuestionSetID,
		TotalAnswers:      r.TotalAnswers,
		DistinctQuestions: r.DistinctQuestions,
		CorrectAnswers:    r.CorrectAnswers,
		TotalTimeSpent:    r.TotalTimeSpent,
	}
	if r.LastActivity.Valid {
		agg.LastActivity = r.LastActivity.Time
	}
	return agg
}

func (s *EventStore) AnswerAggregate(ctx context.Context, userID, questionSetID string) (domain.AnswerAggregate, error) {
	var row aggregateRow
	err := s.db.NewSelect().
		Model((*domain.ProgressEvent)(nil)).
		ColumnExpr("count(*) AS total_answers").
		ColumnExpr("count(DISTINCT question_id) AS distinct_questions").
		ColumnExpr("count(*) FILTER (WHERE is_correct) AS correct_answers").
		ColumnExpr("coalesce(sum(time_spent), 0) AS total_time_spent").
		ColumnExpr("max(last_accessed) AS last_activity").
		Where("user_id = ?", userID).
		Where("question_set_id = ?", questionSetID).
		Where("record_type = ?", domain.RecordIndividualAnswer).
		Scan(ctx, &row)
	if err != nil {
		return domain.AnswerAggregate{}, fmt.Errorf("aggregate answers: %w", err)
	}
	agg := row.toDomain()
	agg.QuestionSetID = questionSetID
	return agg, nil
}

func (s *EventStore) AnswerAggregatesBySet(ctx context.Context, userID string) ([]domain.AnswerAggregate, error) {
	var rows []aggregateRow
	err := s.db.NewSelect().
		Model((*domain.ProgressEvent)(nil)).
		ColumnExpr("question_set_id").
		ColumnExpr("count(*) AS total_answers").
		ColumnExpr("count(DISTINCT question_id) AS distinct_questions").
		ColumnExpr("count(*) FILTER (WHERE is_correct) AS correct_answers").
		ColumnExpr("coalesce(sum(time_spent), 0) AS total_time_spent").
		ColumnExpr("max(last_accessed) AS last_activity").
		Where("user_id = ?", userID).
		Where("record_type = ?", domain.RecordIndividualAnswer).
		Group("question_set_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("aggregate answers by set: %w", err)
	}
	out := make([]domain.AnswerAggregate, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *EventStore) ListAnswers(ctx context.Context, userID string) ([]domain.ProgressEvent, error) {
	var events []domain.ProgressEvent
	err := s.db.NewSelect().
		Model(&events).
		Where("user_id = ?", userID).
		Where("record_type = ?", domain.RecordIndividualAnswer).
		Order("last_accessed DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	return events, nil
}

type eventTx struct {
	tx bun.Tx
}

func (t *eventTx) Insert(ctx context.Context, event *domain.ProgressEvent) error {
	if _, err := t.tx.NewInsert().Model(event).Exec(ctx); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *eventTx) FindRecent(ctx context.Context, userID, questionSetID, questionID string, recordType domain.RecordType, since time.Time) (domain.ProgressEvent, bool, error) {
	var ev domain.ProgressEvent
	err := t.tx.NewSelect().
		Model(&ev).
		Where("user_id = ?", userID).
		Where("question_set_id = ?", questionSetID).
		Where("question_id = ?", questionID).
		Where("record_type = ?", recordType).
		Where("last_accessed >= ?", since).
		Order("last_accessed DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProgressEvent{}, false, nil
	}
	if err != nil {
		return domain.ProgressEvent{}, false, fmt.Errorf("find recent event: %w", err)
	}
	return ev, true, nil
}

func (t *eventTx) FindSummary(ctx context.Context, userID, questionSetID string) (domain.ProgressEvent, bool, error) {
	var ev domain.ProgressEvent
	err := t.tx.NewSelect().
		Model(&ev).
		Where("user_id = ?", userID).
		Where("question_set_id = ?", questionSetID).
		Where("record_type = ?", domain.RecordSessionSummary).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProgressEvent{}, false, nil
	}
	if err != nil {
		return domain.ProgressEvent{}, false, fmt.Errorf("find summary: %w", err)
	}
	return ev, true, nil
}

func (t *eventTx) Update(ctx context.Context, event *domain.ProgressEvent) error {
	res, err := t.tx.NewUpdate().Model(event).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (t *eventTx) Delete(ctx context.Context, userID, eventID string) (domain.ProgressEvent, error) {
	var ev domain.ProgressEvent
	err := t.tx.NewSelect().
		Model(&ev).
		Where("id = ?", eventID).
		Where("user_id = ?", userID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProgressEvent{}, domain.ErrEventNotFound
	}
	if err != nil {
		return domain.ProgressEvent{}, fmt.Errorf("load event for delete: %w", err)
	}
	if _, err := t.tx.NewDelete().Model(&ev).WherePK().Exec(ctx); err != nil {
		return domain.ProgressEvent{}, fmt.Errorf("delete event: %w", err)
	}
	return ev, nil
}

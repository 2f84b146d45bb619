package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-progress-service/internal/domain"
)

// CatalogLoader reads question-set metadata from the content tables in
// Postgres. The content model itself is owned by the catalog service; this
// loader only counts questions and reads their types.
type CatalogLoader struct {
	pool *pgxpool.Pool
}

func NewCatalogLoader(pool *pgxpool.Pool) *CatalogLoader {
	return &CatalogLoader{pool: pool}
}

func (l *CatalogLoader) LoadQuestionSet(ctx context.Context, questionSetID string) (domain.QuestionSetInfo, error) {
	var count int
	err := l.pool.QueryRow(ctx,
		`SELECT count(q.id)
		   FROM question_sets qs
		   LEFT JOIN questions q ON q.question_set_id = qs.id
		  WHERE qs.id = $1
		  GROUP BY qs.id`, questionSetID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuestionSetInfo{}, domain.ErrQuestionSetNotFound
	}
	if err != nil {
		return domain.QuestionSetInfo{}, fmt.Errorf("load question set: %w", err)
	}

	info := domain.QuestionSetInfo{
		ID:            questionSetID,
		QuestionCount: count,
		QuestionTypes: map[string]string{},
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, type FROM questions WHERE question_set_id = $1`, questionSetID)
	if err != nil {
		return domain.QuestionSetInfo{}, fmt.Errorf("load question types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, qType string
		if err := rows.Scan(&id, &qType); err != nil {
			return domain.QuestionSetInfo{}, fmt.Errorf("scan question type: %w", err)
		}
		info.QuestionTypes[id] = qType
	}
	if err := rows.Err(); err != nil {
		return domain.QuestionSetInfo{}, fmt.Errorf("read question types: %w", err)
	}
	return info, nil
}

package redis

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quiz-progress-service/internal/domain"
	"quiz-progress-service/internal/infra/memory"
)

// Catalog caches question-set metadata in Redis and falls back to a loader on
// cache miss. Counts are stored as:  SET  catalog:{setID}:count {n}
// Question types are stored as:      HSET catalog:{setID}:types {questionID} {type}
type Catalog struct {
	client *redis.Client
	loader memory.CatalogLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewCatalog(client *redis.Client, loader memory.CatalogLoader, ttl time.Duration) *Catalog {
	return &Catalog{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Catalog) QuestionCount(ctx context.Context, questionSetID string) (int, error) {
	info, err := c.questionSet(ctx, questionSetID)
	if err != nil {
		return 0, err
	}
	return info.QuestionCount, nil
}

func (c *Catalog) QuestionTypes(ctx context.Context, questionSetID string) (map[string]string, error) {
	info, err := c.questionSet(ctx, questionSetID)
	if err != nil {
		return nil, err
	}
	return info.QuestionTypes, nil
}

func (c *Catalog) questionSet(ctx context.Context, questionSetID string) (domain.QuestionSetInfo, error) {
	if questionSetID == "" {
		return domain.QuestionSetInfo{}, domain.ErrQuestionSetNotFound
	}
	countKey := c.countKey(questionSetID)
	typesKey := c.typesKey(questionSetID)

	if raw, err := c.client.Get(ctx, countKey).Result(); err == nil {
		if count, err := strconv.Atoi(raw); err == nil {
			types, _ := c.client.HGetAll(ctx, typesKey).Result()
			return domain.QuestionSetInfo{ID: questionSetID, QuestionCount: count, QuestionTypes: types}, nil
		}
	}

	result, err, _ := c.sf.Do(questionSetID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if raw, err := c.client.Get(ctx, countKey).Result(); err == nil {
			if count, err := strconv.Atoi(raw); err == nil {
				types, _ := c.client.HGetAll(ctx, typesKey).Result()
				return domain.QuestionSetInfo{ID: questionSetID, QuestionCount: count, QuestionTypes: types}, nil
			}
		}

		info, err := c.loader.LoadQuestionSet(ctx, questionSetID)
		if err != nil {
			return domain.QuestionSetInfo{}, err
		}

		ttl := c.ttlWithJitter()
		pipe := c.client.Pipeline()
		pipe.Set(ctx, countKey, info.QuestionCount, ttl)
		for questionID, qType := range info.QuestionTypes {
			pipe.HSet(ctx, typesKey, questionID, qType)
		}
		if ttl > 0 {
			pipe.Expire(ctx, typesKey, ttl)
		}
		_, _ = pipe.Exec(ctx)

		return info, nil
	})
	if err != nil {
		return domain.QuestionSetInfo{}, err
	}
	return result.(domain.QuestionSetInfo), nil
}

func (c *Catalog) countKey(questionSetID string) string {
	return "catalog:" + questionSetID + ":count"
}

func (c *Catalog) typesKey(questionSetID string) string {
	return "catalog:" + questionSetID + ":types"
}

func (c *Catalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

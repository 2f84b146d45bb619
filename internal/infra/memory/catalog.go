package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-progress-service/internal/domain"
)

// CatalogLoader fetches question-set metadata from a backing store.
type CatalogLoader interface {
	LoadQuestionSet(ctx context.Context, questionSetID string) (domain.QuestionSetInfo, error)
}

// Catalog caches question-set metadata with TTL to avoid repeated DB hits.
type Catalog struct {
	loader CatalogLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedSet
}

type cachedSet struct {
	info      domain.QuestionSetInfo
	expiresAt time.Time
}

func NewCatalog(loader CatalogLoader, ttl time.Duration) *Catalog {
	return &Catalog{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSet),
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
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[questionSetID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.info, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(questionSetID, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[questionSetID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.info, nil
		}
		c.mu.RUnlock()

		info, err := c.loader.LoadQuestionSet(ctx, questionSetID)
		if err != nil {
			return domain.QuestionSetInfo{}, err
		}

		c.mu.Lock()
		c.cache[questionSetID] = cachedSet{
			info:      info,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return domain.QuestionSetInfo{}, err
	}
	return result.(domain.QuestionSetInfo), nil
}

func (c *Catalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticCatalogLoader is a loader backed by an in-memory map (tests/demos).
type StaticCatalogLoader struct {
	sets map[string]domain.QuestionSetInfo
}

func NewStaticCatalogLoader(sets map[string]domain.QuestionSetInfo) *StaticCatalogLoader {
	return &StaticCatalogLoader{sets: sets}
}

func (l *StaticCatalogLoader) LoadQuestionSet(_ context.Context, questionSetID string) (domain.QuestionSetInfo, error) {
	if info, ok := l.sets[questionSetID]; ok {
		return info, nil
	}
	return domain.QuestionSetInfo{}, domain.ErrQuestionSetNotFound
}

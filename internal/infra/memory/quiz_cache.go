// Package memory provides in-process implementations of the storage
// interfaces: fast, dependency-free, and the default when no Redis or
// Postgres is configured.
package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"arquiz-live/internal/domain"
)

// QuizLoader fetches quiz content from a backing store.
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizCache wraps a loader with a TTL cache. Concurrent misses for the same
// quiz collapse into a single load, and expirations carry up to 10% jitter so
// popular quizzes do not all reload at once.
type QuizCache struct {
	loader QuizLoader
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu      sync.RWMutex
	entries map[string]quizEntry
}

type quizEntry struct {
	quiz      domain.Quiz
	expiresAt time.Time
}

// NewQuizCache builds a cache over loader. now may be nil.
func NewQuizCache(loader QuizLoader, ttl time.Duration, now func() time.Time) *QuizCache {
	if now == nil {
		now = time.Now
	}
	return &QuizCache{
		loader:  loader,
		ttl:     ttl,
		now:     now,
		rnd:     rand.New(rand.NewSource(now().UnixNano())),
		entries: make(map[string]quizEntry),
	}
}

func (c *QuizCache) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := c.fresh(quizID); ok {
		return quiz, nil
	}

	result, err, _ := c.group.Do(quizID, func() (any, error) {
		if quiz, ok := c.fresh(quizID); ok {
			return quiz, nil
		}
		quiz, err := c.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		c.mu.Lock()
		c.entries[quizID] = quizEntry{quiz: quiz, expiresAt: c.now().Add(c.jitteredTTL())}
		c.mu.Unlock()
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

// Invalidate drops one quiz from the cache, for admin edits mid-day.
func (c *QuizCache) Invalidate(quizID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, quizID)
}

func (c *QuizCache) fresh(quizID string) (domain.Quiz, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[quizID]
	if !ok || !entry.expiresAt.After(c.now()) {
		return domain.Quiz{}, false
	}
	return entry.quiz, true
}

func (c *QuizCache) jitteredTTL() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(int64(c.ttl)/10+1))
}

// StaticQuizLoader serves quizzes from a fixed map, for tests and demo mode.
type StaticQuizLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	quiz, ok := l.quizzes[quizID]
	if !ok {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	return quiz, nil
}

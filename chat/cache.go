package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/calinde/studybuddy/cache"
)

// AnswerCache memoizes (answer, sources) pairs per owner, scope and question.
// Entries expire by TTL only; editing the underlying notes does not purge
// them. All failures degrade to a miss.
type AnswerCache struct {
	store  cache.Store
	ttl    time.Duration
	logger *log.Logger
}

type cachedAnswer struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}

func NewAnswerCache(store cache.Store, ttl time.Duration, logger *log.Logger) *AnswerCache {
	if store == nil {
		store = cache.Disabled{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AnswerCache{store: store, ttl: ttl, logger: logger}
}

// Key derives the lookup key rag:{owner}:{scope}:{hash}. The scope
// discriminator is the pinned note id when the conversation targets exactly
// one document, and "all" otherwise.
func (c *AnswerCache) Key(owner string, scope Scope, question string) string {
	discriminator := "all"
	if scope.Type == ScopeDocument && len(scope.IDs) == 1 {
		discriminator = scope.IDs[0]
	}

	sum := sha256.Sum256([]byte(question))
	return fmt.Sprintf("rag:%s:%s:%s", owner, discriminator, hex.EncodeToString(sum[:])[:16])
}

func (c *AnswerCache) Get(ctx context.Context, key string) (Reply, bool) {
	data, ok := c.store.Get(ctx, key)
	if !ok {
		return Reply{}, false
	}

	var entry cachedAnswer
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Printf("evicting corrupted cache entry %s: %v", key, err)
		c.store.Delete(ctx, key)
		return Reply{}, false
	}

	return Reply{Answer: entry.Answer, Sources: entry.Sources}, true
}

func (c *AnswerCache) Put(ctx context.Context, key string, reply Reply) {
	data, err := json.Marshal(cachedAnswer{Answer: reply.Answer, Sources: reply.Sources})
	if err != nil {
		c.logger.Printf("serialize cache entry %s: %v", key, err)
		return
	}
	c.store.Set(ctx, key, data, c.ttl)
}

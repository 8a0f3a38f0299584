// Package cache stores successful completions in a local sqlite database so a
// re-run after a partial failure does not pay again for finished work.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/martinemde/attrnorm/unifiedllm"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// CompletionModel is one cached reply.
type CompletionModel struct {
	Key          string    `gorm:"column:cache_key;primaryKey;size:64"`
	Model        string    `gorm:"column:model;index"`
	Provider     string    `gorm:"column:provider"`
	Text         string    `gorm:"column:text"`
	InputTokens  int       `gorm:"column:input_tokens"`
	OutputTokens int       `gorm:"column:output_tokens"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (CompletionModel) TableName() string { return "completions" }

// Store is a sqlite-backed completion cache.
type Store struct {
	db     *gorm.DB
	log    *zap.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens or creates the cache database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("cache path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if err := db.AutoMigrate(&CompletionModel{}); err != nil {
		return nil, fmt.Errorf("migrate cache %s: %w", path, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log.Named("cache")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the cached completion for key, or nil when there is none.
func (s *Store) Get(ctx context.Context, key string) (*CompletionModel, error) {
	var c CompletionModel
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Put saves or replaces a completion.
func (s *Store) Put(ctx context.Context, c *CompletionModel) error {
	if c == nil {
		return errors.New("completion cannot be nil")
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		UpdateAll: true,
	}).Create(c).Error
}

// Stats returns the hit and miss counts since Open.
func (s *Store) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Key identifies a request by everything that affects the reply.
func Key(req unifiedllm.Request) string {
	type message struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	k := struct {
		Provider    string    `json:"provider"`
		Model       string    `json:"model"`
		Temperature *float64  `json:"temperature"`
		MaxTokens   *int      `json:"max_tokens"`
		Messages    []message `json:"messages"`
	}{
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		k.Messages = append(k.Messages, message{Role: string(m.Role), Text: m.TextContent()})
	}
	data, _ := json.Marshal(k)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	accept func(text string) bool
}

// AcceptIf stores only replies whose text satisfies fn. Rejected replies are
// still returned to the caller.
func AcceptIf(fn func(text string) bool) MiddlewareOption {
	return func(c *middlewareConfig) { c.accept = fn }
}

// Middleware answers repeated requests from the cache. Only successful
// replies are stored. A retry (unifiedllm.AttemptFromContext > 0) skips the
// lookup and overwrites the entry with the fresh reply, so a reply the caller
// rejected is never served back to it. Cache read and write failures are
// logged and the request proceeds as if uncached.
func (s *Store) Middleware(opts ...MiddlewareOption) unifiedllm.Middleware {
	var cfg middlewareConfig
	for _, o := range opts {
		o(&cfg)
	}
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		key := Key(req)

		if attempt := unifiedllm.AttemptFromContext(ctx); attempt > 0 {
			s.log.Debug("retry bypasses cache", zap.String("key", key[:12]), zap.Int("attempt", attempt))
		} else if resp := s.lookup(ctx, key); resp != nil {
			return resp, nil
		}

		s.misses.Add(1)
		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}

		if cfg.accept != nil && !cfg.accept(resp.Text()) {
			s.log.Debug("reply not cached", zap.String("key", key[:12]))
			return resp, nil
		}
		entry := &CompletionModel{
			Key:          key,
			Model:        resp.Model,
			Provider:     resp.Provider,
			Text:         resp.Text(),
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CreatedAt:    time.Now(),
		}
		if err := s.Put(ctx, entry); err != nil {
			s.log.Warn("cache write failed", zap.Error(err))
		}
		return resp, nil
	}
}

func (s *Store) lookup(ctx context.Context, key string) *unifiedllm.Response {
	cached, err := s.Get(ctx, key)
	if err != nil {
		s.log.Warn("cache read failed", zap.Error(err))
	}
	if cached == nil {
		return nil
	}
	s.hits.Add(1)
	s.log.Debug("cache hit", zap.String("key", key[:12]), zap.String("model", cached.Model))
	return &unifiedllm.Response{
		ID:           "cache_" + key[:12],
		Model:        cached.Model,
		Provider:     cached.Provider,
		Message:      unifiedllm.AssistantMessage(cached.Text),
		FinishReason: unifiedllm.FinishReason{Reason: "stop", Raw: "cached"},
		Usage: unifiedllm.Usage{
			InputTokens:  cached.InputTokens,
			OutputTokens: cached.OutputTokens,
			TotalTokens:  cached.InputTokens + cached.OutputTokens,
		},
		Cached:    true,
		CreatedAt: cached.CreatedAt,
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/dedup"
)

// NewDeduplicator opens the advancement dedup store: memory:// keeps keys in
// process, redis:// and rediss:// share them between replicas for ttl.
func NewDeduplicator(ctx context.Context, logger *slog.Logger, url string, ttl time.Duration) (dedup.Deduplicator, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory://"):
		return dedup.NewMemory(), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return dedup.NewRedis(ctx, logger, url, ttl)
	default:
		return nil, fmt.Errorf("unsupported dedup url %q", url)
	}
}

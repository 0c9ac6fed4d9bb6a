package tokens

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner deletes rows that expired before now
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// StartPruneWorker runs every pruner on each tick until ctx is cancelled
func StartPruneWorker(ctx context.Context, interval time.Duration, logger *zap.Logger, pruners map[string]Pruner) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				for name, p := range pruners {
					n, err := p.Prune(ctx, now)
					if err != nil {
						logger.Error("prune failed", zap.String("store", name), zap.Error(err))
						continue
					}
					if n > 0 {
						logger.Info("pruned expired rows", zap.String("store", name), zap.Int64("count", n))
					}
				}
			}
		}
	}()
}

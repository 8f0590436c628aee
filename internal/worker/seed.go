package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/origin-shift/internal/cache"
	"github.com/any-hub/origin-shift/internal/metrics"
)

const seedConcurrency = 4

// seed 尽力预热全部引导资源：单个资源失败只记 warn，不中断安装。返回成功写入的数量。
func (m *Manager) seed(ctx context.Context, inst *Instance) int {
	assets := m.cfg.Source.Assets
	fetched := make([]*cache.Entry, len(assets))

	var group errgroup.Group
	group.SetLimit(seedConcurrency)
	for i, asset := range assets {
		group.Go(func() error {
			locator := cache.Locator{Generation: inst.Generation(), Key: cache.RequestKey(http.MethodGet, asset, "")}
			target := m.originURL(asset, "")
			entry, err := m.fetchEntry(ctx, locator, target, nil)
			if err == nil && entry.Status != http.StatusOK {
				err = fmt.Errorf("unexpected status %d", entry.Status)
			}
			if err != nil {
				m.metrics.ObserveCache(metrics.CacheOperationSeed, "error")
				m.logger.WithError(err).WithFields(logrus.Fields{
					"action":     "seed",
					"asset":      asset,
					"upstream":   target,
					"generation": inst.Generation(),
				}).Warn("bootstrap asset not cached")
				return nil
			}
			fetched[i] = entry
			return nil
		})
	}
	group.Wait()

	entries := make([]cache.Entry, 0, len(fetched))
	for _, entry := range fetched {
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	if len(entries) == 0 {
		return 0
	}
	if err := m.store.PutBatch(ctx, entries); err != nil {
		m.metrics.ObserveCache(metrics.CacheOperationSeed, "error")
		m.logger.WithError(err).WithField("action", "seed").Warn("bootstrap cache write failed")
		return 0
	}
	for range entries {
		m.metrics.ObserveCache(metrics.CacheOperationSeed, "stored")
	}
	return len(entries)
}

// Package collector walks the gacha history of every pool of an account.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/gacha-agent/internal/domain"
	"github.com/ashureev/gacha-agent/internal/metrics"
)

var errStalledPage = errors.New("page reports more records but is empty")

// HistoryService is the upstream surface used by the collector.
// Implemented by *upstream.Client.
type HistoryService interface {
	PoolList(ctx context.Context, sess domain.Session) ([]domain.Pool, error)
	HistoryPage(ctx context.Context, sess domain.Session, pool domain.Pool, size int, cursor *domain.Cursor) (domain.HistoryPage, error)
}

// Collector pages through pool histories one pool at a time.
type Collector struct {
	svc      HistoryService
	pageSize int
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a collector with the default page size.
func New(svc HistoryService, m *metrics.Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		svc:      svc,
		pageSize: domain.HistoryPageSize,
		metrics:  m,
		logger:   logger,
	}
}

// ListPools returns the pools of the session's account in upstream order.
func (c *Collector) ListPools(ctx context.Context, sess domain.Session) ([]domain.Pool, error) {
	if sess.Cookie.Value == "" {
		return nil, domain.UpstreamError("pool_list", 0, errors.New("no session cookie"))
	}
	pools, err := c.svc.PoolList(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	return pools, nil
}

// Collect returns every record of every pool, pools in the given order and
// pages in fetch order. Any failure discards everything collected so far.
func (c *Collector) Collect(ctx context.Context, sess domain.Session, pools []domain.Pool) ([]domain.HistoryRecord, error) {
	if sess.Cookie.Value == "" {
		return nil, domain.UpstreamError("history", 0, errors.New("no session cookie"))
	}

	records := make([]domain.HistoryRecord, 0)
	for _, pool := range pools {
		poolRecords, err := c.collectPool(ctx, sess, pool)
		if err != nil {
			return nil, err
		}
		records = append(records, poolRecords...)
	}
	c.metrics.AddRecords(len(records))
	return records, nil
}

// collectPool follows the pool's pages until one reports no more records.
// Each following page resumes from the last (oldest) record seen.
func (c *Collector) collectPool(ctx context.Context, sess domain.Session, pool domain.Pool) ([]domain.HistoryRecord, error) {
	var (
		records []domain.HistoryRecord
		cursor  *domain.Cursor
		pages   int
	)
	for {
		page, err := c.svc.HistoryPage(ctx, sess, pool, c.pageSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("pool %s page %d: %w", pool.ID, pages+1, err)
		}
		pages++
		records = append(records, page.Records...)

		if !page.HasMore {
			break
		}
		next, ok := page.Cursor()
		if !ok {
			return nil, fmt.Errorf("pool %s page %d: %w", pool.ID, pages, domain.UpstreamError("history", 0, errStalledPage))
		}
		cursor = &next
	}

	c.logger.Debug("pool collected", "uid", sess.UserID(), "pool_id", pool.ID, "pages", pages, "records", len(records))
	return records, nil
}

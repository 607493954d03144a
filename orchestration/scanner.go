package orchestration

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/store"
)

// DirtySource lists conversations waiting for recomputation.
type DirtySource interface {
	ListEligible(ctx context.Context, minInterval time.Duration) ([]store.DirtyConversation, error)
}

// ScannerConfig configures the scanner.
type ScannerConfig struct {
	// Interval between scans
	// Default: 2s
	Interval time.Duration

	// MinTimeBetweenUpdates is the per-conversation rate limit
	// Default: 20s
	MinTimeBetweenUpdates time.Duration

	Logger core.Logger
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Found    int
	Enqueued int
	Skipped  int
	Failed   int
}

// Scanner turns dirty markers into queued jobs. Deduplication is left to
// the queue's singleton keys.
type Scanner struct {
	source DirtySource
	queue  core.JobQueue
	config ScannerConfig
	logger core.Logger

	inFlight      atomic.Bool
	lastCompleted atomic.Int64
	now           func() time.Time
}

// NewScanner creates a scanner.
func NewScanner(source DirtySource, queue core.JobQueue, config ScannerConfig) *Scanner {
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.MinTimeBetweenUpdates <= 0 {
		config.MinTimeBetweenUpdates = 20 * time.Second
	}
	s := &Scanner{
		source: source,
		queue:  queue,
		config: config,
		logger: core.WithComponent(config.Logger, "mathupdater/orchestration"),
		now:    time.Now,
	}
	s.lastCompleted.Store(s.now().UnixNano())
	return s
}

// Scan enqueues one job per eligible conversation. A call made while
// another scan is running returns core.ErrScanInProgress and does nothing.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		EmitScanSkipped()
		s.logger.InfoWithContext(ctx, "Previous scan still running, scan skipped", nil)
		return ScanResult{}, core.ErrScanInProgress
	}
	defer s.inFlight.Store(false)

	start := s.now()
	var result ScanResult
	dirty, err := s.source.ListEligible(ctx, s.config.MinTimeBetweenUpdates)
	if err != nil {
		EmitScan(start, result, err)
		return result, err
	}
	result.Found = len(dirty)

	for _, d := range dirty {
		payload := core.JobPayload{
			ConversationID:     d.ConversationID,
			ConversationSlugID: d.SlugID,
			RequestedAt:        d.RequestedAt,
			RequestVersion:     d.RequestVersion,
		}
		jobID, created, err := s.queue.Enqueue(ctx, core.SingletonKey(d.ConversationID), payload)
		switch {
		case err != nil:
			result.Failed++
			s.logger.ErrorWithContext(ctx, "Failed to enqueue conversation", map[string]interface{}{
				"conversation_id": d.ConversationID,
				"error":           err.Error(),
			})
		case created:
			result.Enqueued++
			s.logger.DebugWithContext(ctx, "Conversation enqueued", map[string]interface{}{
				"conversation_id": d.ConversationID,
				"job_id":          jobID,
			})
		default:
			result.Skipped++
		}
	}

	s.lastCompleted.Store(s.now().UnixNano())
	EmitScan(start, result, nil)
	if result.Found > 0 {
		s.logger.InfoWithContext(ctx, "Scan completed", map[string]interface{}{
			"found":          result.Found,
			"enqueued":       result.Enqueued,
			"already_queued": result.Skipped,
			"failed":         result.Failed,
			"duration_ms":    time.Since(start).Milliseconds(),
		})
	}
	return result, nil
}

// Run scans immediately and then on every tick until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Scanner) scanOnce(ctx context.Context) {
	if _, err := s.Scan(ctx); err != nil && !errors.Is(err, core.ErrScanInProgress) && ctx.Err() == nil {
		s.logger.ErrorWithContext(ctx, "Scan failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// LastCompletedAt is the end time of the last successful scan, or the
// construction time before the first one.
func (s *Scanner) LastCompletedAt() time.Time {
	return time.Unix(0, s.lastCompleted.Load())
}

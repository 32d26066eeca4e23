package services

import (
	"context"
	"sync"
	"time"

	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/metrics"
	"github.com/proxpanel/license-server/internal/models"
	"go.uber.org/zap"
)

const sweepBatchSize = 500

// SessionSweeper periodically marks active sessions past their expiry as
// expired so listings and counts reflect reality without waiting for the
// next check of each token.
type SessionSweeper struct {
	store         *database.Store
	sink          *AuditSink
	logger        *zap.Logger
	checkInterval time.Duration
	now           func() time.Time
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	isRunning     bool
}

func NewSessionSweeper(store *database.Store, sink *AuditSink, interval time.Duration, logger *zap.Logger) *SessionSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SessionSweeper{
		store:         store,
		sink:          sink,
		logger:        logger.Named("sweeper"),
		checkInterval: interval,
		now:           func() time.Time { return time.Now().UTC() },
		stopChan:      make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *SessionSweeper) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("Session sweeper started", zap.Duration("interval", s.checkInterval))
}

// Stop stops the sweep loop and waits for a running sweep to finish
func (s *SessionSweeper) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("Session sweeper stopped")
}

func (s *SessionSweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep expires every overdue active session and returns how many it changed
func (s *SessionSweeper) Sweep(ctx context.Context) int {
	total := 0
	for {
		stale, err := s.store.Sessions().FindStale(ctx, s.now(), sweepBatchSize)
		if err != nil {
			s.logger.Error("Loading stale sessions failed", zap.Error(err))
			return total
		}
		if len(stale) == 0 {
			break
		}

		changedInBatch := 0
		for _, sess := range stale {
			changed, err := s.store.Sessions().MarkExpired(ctx, sess.ID)
			if err != nil {
				s.logger.Warn("Expiring session failed", zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			if !changed {
				continue
			}
			changedInBatch++
			metrics.SessionsExpiredTotal.Inc()
			s.sink.Record(models.AuditEvent{
				Type:       models.AuditSessionExpired,
				Category:   models.CategorySession,
				Severity:   models.SeverityInfo,
				LicenseKey: sess.LicenseKey,
				HWID:       sess.HWID,
				SessionID:  sess.ID,
				Detail:     map[string]interface{}{"expires_at": sess.ExpiresAt, "source": "sweep"},
			})
		}
		total += changedInBatch

		// Nothing moved, so the next query would return the same rows
		if changedInBatch == 0 || len(stale) < sweepBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("Expired stale sessions", zap.Int("count", total))
	}
	return total
}

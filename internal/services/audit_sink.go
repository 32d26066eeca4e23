package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proxpanel/license-server/internal/database"
	"github.com/proxpanel/license-server/internal/metrics"
	"github.com/proxpanel/license-server/internal/models"
	"go.uber.org/zap"
)

const auditWriteTimeout = 5 * time.Second

// AuditHook runs on the sink worker after an event has been written
type AuditHook func(ctx context.Context, evt *models.AuditEvent)

// AuditSink is a fire-and-forget append-only event writer. Record never
// blocks the caller and never returns an error: a full queue or a failed
// insert is logged and counted, nothing more.
type AuditSink struct {
	store  *database.Store
	logger *zap.Logger
	queue  chan *models.AuditEvent
	hooks  []AuditHook
	now    func() time.Time

	pending sync.WaitGroup
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	closed  bool
}

func NewAuditSink(store *database.Store, logger *zap.Logger, buffer int) *AuditSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AuditSink{
		store:  store,
		logger: logger.Named("audit"),
		queue:  make(chan *models.AuditEvent, buffer),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnWrite registers a hook. Hooks must be registered before Start.
func (s *AuditSink) OnWrite(hook AuditHook) {
	s.hooks = append(s.hooks, hook)
}

// Start begins the writer goroutine
func (s *AuditSink) Start() {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop drains the queue and waits for the writer to finish
func (s *AuditSink) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	running := s.running
	close(s.queue)
	s.mu.Unlock()

	if running {
		s.wg.Wait()
	}
	s.logger.Info("Audit sink stopped")
}

// Flush waits until every event recorded so far has been written
func (s *AuditSink) Flush() {
	s.pending.Wait()
}

// Record enqueues evt. ID and CreatedAt are filled when empty.
func (s *AuditSink) Record(evt models.AuditEvent) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now()
	}
	if evt.Category == "" {
		evt.Category = models.CategorySecurity
	}
	if evt.Severity == "" {
		evt.Severity = models.SeverityInfo
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.AuditEventsTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("Audit event dropped after shutdown", zap.String("type", string(evt.Type)))
		return
	}

	s.pending.Add(1)
	select {
	case s.queue <- &evt:
	default:
		s.pending.Done()
		metrics.AuditEventsTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("Audit queue full, event dropped",
			zap.String("type", string(evt.Type)),
			zap.String("ip", evt.IPAddress))
	}
}

func (s *AuditSink) run() {
	defer s.wg.Done()
	for evt := range s.queue {
		s.write(evt)
	}
}

func (s *AuditSink) write(evt *models.AuditEvent) {
	defer s.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	if err := s.store.Audit().Insert(ctx, evt); err != nil {
		metrics.AuditEventsTotal.WithLabelValues("failed").Inc()
		s.logger.Warn("Audit write failed",
			zap.String("type", string(evt.Type)),
			zap.String("license_key", evt.LicenseKey),
			zap.Error(err))
		return
	}
	metrics.AuditEventsTotal.WithLabelValues("written").Inc()

	for _, hook := range s.hooks {
		hook(ctx, evt)
	}
}

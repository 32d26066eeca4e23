package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/proxpanel/license-server/internal/config"
	"github.com/proxpanel/license-server/internal/database"
	"go.uber.org/zap"
)

const retentionBatchSize = 1000

// ArchiveUploader stores an exported batch of audit events
type ArchiveUploader interface {
	Upload(name string, r io.Reader) error
}

// FTPArchive uploads archives to an FTP directory
type FTPArchive struct {
	Host     string
	Port     int
	Username string
	Password string
	Dir      string
}

// NewFTPArchive returns nil when no archive host is configured
func NewFTPArchive(cfg *config.Config) *FTPArchive {
	if cfg.ArchiveFTPHost == "" {
		return nil
	}
	return &FTPArchive{
		Host:     cfg.ArchiveFTPHost,
		Port:     cfg.ArchiveFTPPort,
		Username: cfg.ArchiveFTPUser,
		Password: cfg.ArchiveFTPPassword,
		Dir:      cfg.ArchiveFTPPath,
	}
}

func (a *FTPArchive) Upload(name string, r io.Reader) error {
	addr := fmt.Sprintf("%s:%d", a.Host, a.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("FTP connection failed: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(a.Username, a.Password); err != nil {
		return fmt.Errorf("FTP login failed: %w", err)
	}

	if a.Dir != "" && a.Dir != "/" {
		if err := conn.ChangeDir(a.Dir); err != nil {
			// Try to create directory
			conn.MakeDir(a.Dir)
			if err := conn.ChangeDir(a.Dir); err != nil {
				return fmt.Errorf("FTP directory change failed: %w", err)
			}
		}
	}

	if err := conn.Stor(path.Base(name), r); err != nil {
		return fmt.Errorf("FTP upload failed: %w", err)
	}
	return nil
}

// AuditRetention deletes audit events older than the retention period once a
// day. With an archive configured each batch is uploaded as JSON lines first
// and kept when the upload fails.
type AuditRetention struct {
	store    *database.Store
	archive  ArchiveUploader
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewAuditRetention takes a nil archive to purge without exporting
func NewAuditRetention(store *database.Store, archive ArchiveUploader, retentionDays int, logger *zap.Logger) *AuditRetention {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &AuditRetention{
		store:    store,
		archive:  archive,
		maxAge:   time.Duration(retentionDays) * 24 * time.Hour,
		interval: 24 * time.Hour,
		logger:   logger.Named("retention"),
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

func (r *AuditRetention) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()

	r.logger.Info("Audit retention started", zap.Duration("max_age", r.maxAge), zap.Bool("archive", r.archive != nil))
}

func (r *AuditRetention) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("Audit retention stopped")
}

func (r *AuditRetention) run() {
	defer r.wg.Done()

	// First pass after a short delay
	select {
	case <-time.After(time.Minute):
		r.RunOnce(context.Background())
	case <-r.stopChan:
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.RunOnce(context.Background())
		}
	}
}

// RunOnce archives and purges expired events and returns how many were purged
func (r *AuditRetention) RunOnce(ctx context.Context) (int64, error) {
	now := r.now()
	cutoff := now.Add(-r.maxAge)
	var purged int64

	for batch := 1; ; batch++ {
		events, err := r.store.Audit().OlderThan(ctx, cutoff, retentionBatchSize)
		if err != nil {
			r.logger.Error("Loading expired audit events failed", zap.Error(err))
			return purged, err
		}
		if len(events) == 0 {
			break
		}

		if r.archive != nil {
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			for i := range events {
				if err := enc.Encode(&events[i]); err != nil {
					return purged, fmt.Errorf("encode audit event: %w", err)
				}
			}
			name := fmt.Sprintf("audit_%s_%03d.jsonl", now.Format("20060102_150405"), batch)
			if err := r.archive.Upload(name, &buf); err != nil {
				r.logger.Error("Audit archive upload failed, events kept", zap.String("file", name), zap.Error(err))
				return purged, err
			}
		}

		ids := make([]string, 0, len(events))
		for _, evt := range events {
			ids = append(ids, evt.ID)
		}
		n, err := r.store.Audit().Purge(ctx, ids)
		if err != nil {
			r.logger.Error("Purging audit events failed", zap.Error(err))
			return purged, err
		}
		purged += n

		if len(events) < retentionBatchSize {
			break
		}
	}

	if purged > 0 {
		r.logger.Info("Audit events purged", zap.Int64("count", purged), zap.Time("cutoff", cutoff))
	}
	return purged, nil
}

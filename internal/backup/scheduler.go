package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kimhsiao/practicesync/backend/internal/logging"
)

// SchedulerConfig holds the periodic backup settings.
type SchedulerConfig struct {
	// Interval between automatic backups. Zero disables the scheduler.
	Interval time.Duration
	// RetentionCount is how many archives to keep; 0 keeps all.
	RetentionCount int
	// BackupDir is where archives land. Defaults to "backups".
	BackupDir string
	// Encrypt seals archives with the machine key.
	Encrypt bool
}

// Scheduler runs periodic backups with retention.
type Scheduler struct {
	service *Service
	config  SchedulerConfig
	log     *logging.Logger
}

// NewScheduler creates a scheduler over a backup service.
func NewScheduler(service *Service, config SchedulerConfig) *Scheduler {
	if config.BackupDir == "" {
		config.BackupDir = "backups"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	return &Scheduler{
		service: service,
		config:  config,
		log:     logging.Get().Component("backup"),
	}
}

// Run executes backups on the configured interval until ctx is
// cancelled. The first backup fires after one full interval; a backup
// at startup would only duplicate the previous shutdown's state.
func (s *Scheduler) Run(ctx context.Context) {
	if s.config.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(); err != nil {
				s.log.Error("scheduled backup", err)
			}
		}
	}
}

// RunOnce performs one backup and applies the retention policy.
func (s *Scheduler) RunOnce() error {
	timestamp := time.Now().Format("20060102_150405")
	result, err := s.service.Export(Options{
		OutputPath: filepath.Join(s.config.BackupDir, "practicesync_"+timestamp+".tar.gz"),
		Encrypt:    s.config.Encrypt,
	})
	if err != nil {
		return err
	}

	s.log.Info("scheduled backup completed", map[string]interface{}{
		"path":    result.FilePath,
		"records": result.RecordCount,
		"bytes":   result.SizeBytes,
	})

	if s.config.RetentionCount > 0 {
		if err := s.applyRetention(); err != nil {
			// The backup itself succeeded; retention failure only
			// leaves extra files behind.
			s.log.Error("backup retention", err)
		}
	}
	return nil
}

// ArchiveInfo describes one archive on disk.
type ArchiveInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ListArchives returns the archives in a directory, oldest first.
func ListArchives(dir string) ([]*ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []*ArchiveInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".gz" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveInfo{
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].CreatedAt.Before(archives[j].CreatedAt)
	})
	return archives, nil
}

func (s *Scheduler) applyRetention() error {
	archives, err := ListArchives(s.config.BackupDir)
	if err != nil {
		return err
	}
	if len(archives) <= s.config.RetentionCount {
		return nil
	}

	for _, archive := range archives[:len(archives)-s.config.RetentionCount] {
		if err := os.Remove(archive.Path); err != nil {
			s.log.Warn("delete expired backup", map[string]interface{}{
				"path":  archive.Path,
				"error": err.Error(),
			})
			continue
		}
		s.log.Debug("expired backup deleted", map[string]interface{}{
			"path": archive.Path,
		})
	}
	return nil
}

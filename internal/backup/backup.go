// Package backup snapshots a tenant's local data to an archive file and
// restores it on another install. The archive carries every entity
// record, including tombstones, so a restored install resumes exactly
// where the backup was taken. Queued mutations are not exported;
// delivery is tied to the machine that enqueued them.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kimhsiao/practicesync/backend/internal/crypto"
	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/logging"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/queue"
	"github.com/kimhsiao/practicesync/backend/internal/store"
)

// manifestVersion is bumped when the archive layout changes.
const manifestVersion = "1"

// Service exports and restores tenant snapshots.
type Service struct {
	store     store.Store
	queue     *queue.Queue
	session   models.SessionContext
	machineID string
	log       *logging.Logger
}

// New creates a backup service bound to one session. machineID keys the
// archive encryption.
func New(s store.Store, q *queue.Queue, session models.SessionContext, machineID string) *Service {
	return &Service{
		store:     s,
		queue:     q,
		session:   session,
		machineID: machineID,
		log:       logging.Get().Component("backup"),
	}
}

// Options controls a single export.
type Options struct {
	// OutputPath is the archive destination. Empty derives a
	// timestamped name under "backups/".
	OutputPath string
	// Encrypt seals the archive with the machine key.
	Encrypt bool
}

// Manifest describes an archive's contents.
type Manifest struct {
	Version     string `json:"version"`
	CreatedAt   int64  `json:"created_at"`
	TenantID    string `json:"tenant_id"`
	RecordCount int    `json:"record_count"`
	Checksum    string `json:"checksum"`
}

// Result reports a completed export.
type Result struct {
	FilePath    string        `json:"file_path"`
	SizeBytes   int64         `json:"size_bytes"`
	RecordCount int           `json:"record_count"`
	Checksum    string        `json:"checksum"`
	Encrypted   bool          `json:"encrypted"`
	Duration    time.Duration `json:"-"`
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	Restored int           `json:"restored"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"-"`
}

// Export writes the tenant's records to an archive file.
func (s *Service) Export(opts Options) (*Result, error) {
	start := time.Now()

	records, err := s.collectRecords()
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "serialize records", err)
	}
	checksum := fmt.Sprintf("%x", sha256.Sum256(data))

	manifest := Manifest{
		Version:     manifestVersion,
		CreatedAt:   start.UnixMilli(),
		TenantID:    s.session.TenantID,
		RecordCount: len(records),
		Checksum:    checksum,
	}
	manifestData, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "serialize manifest", err)
	}

	archive, err := buildArchive(manifestData, data)
	if err != nil {
		return nil, err
	}
	if opts.Encrypt {
		archive, err = crypto.EncryptBytes(archive, crypto.GetMachineKey(s.machineID))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "encrypt archive", err)
		}
	}

	path := opts.OutputPath
	if path == "" {
		path = filepath.Join("backups",
			fmt.Sprintf("practicesync_%s.tar.gz", start.Format("20060102_150405")))
	}
	if err := writeFileAtomic(path, archive); err != nil {
		return nil, err
	}

	s.log.Info("backup written", map[string]interface{}{
		"path":      path,
		"records":   len(records),
		"encrypted": opts.Encrypt,
	})
	return &Result{
		FilePath:    path,
		SizeBytes:   int64(len(archive)),
		RecordCount: len(records),
		Checksum:    checksum,
		Encrypted:   opts.Encrypt,
		Duration:    time.Since(start),
	}, nil
}

// Restore loads an archive into the local store. Records that already
// exist locally, belong to another tenant, or have unfinished queued
// operations are skipped; the live copy always wins over the snapshot.
func (s *Service) Restore(archivePath string) (*RestoreResult, error) {
	start := time.Now()

	raw, err := os.ReadFile(archivePath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read archive", err)
	}
	if !isGzip(raw) {
		raw, err = crypto.DecryptBytes(raw, crypto.GetMachineKey(s.machineID))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "decrypt archive", err)
		}
	}

	manifestData, data, err := readArchive(raw)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse manifest", err)
	}
	if checksum := fmt.Sprintf("%x", sha256.Sum256(data)); checksum != manifest.Checksum {
		return nil, apperrors.New(apperrors.ErrInvalid, "archive checksum mismatch")
	}

	var records []*models.EntityRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse records", err)
	}

	result := &RestoreResult{}
	for _, rec := range records {
		ok, err := s.restoreOne(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			result.Restored++
		} else {
			result.Skipped++
		}
	}

	result.Duration = time.Since(start)
	s.log.Info("backup restored", map[string]interface{}{
		"path":     archivePath,
		"restored": result.Restored,
		"skipped":  result.Skipped,
	})
	return result, nil
}

func (s *Service) collectRecords() ([]*models.EntityRecord, error) {
	types, err := s.store.EntityTypes(s.session.TenantID)
	if err != nil {
		return nil, err
	}
	records := []*models.EntityRecord{}
	for _, entityType := range types {
		batch, err := s.store.List(s.session.TenantID, entityType,
			store.ListOptions{IncludeDeleted: true})
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
	}
	return records, nil
}

func (s *Service) restoreOne(rec *models.EntityRecord) (bool, error) {
	if rec.TenantID != s.session.TenantID {
		return false, nil
	}
	if _, err := s.store.Get(rec.TenantID, rec.EntityType, string(rec.ID)); err == nil {
		return false, nil
	} else if apperrors.CodeOf(err) != apperrors.ErrNotFound {
		return false, err
	}
	unfinished, err := s.queue.HasUnfinished(rec.TenantID, rec.EntityType, string(rec.ID))
	if err != nil {
		return false, err
	}
	if unfinished {
		return false, nil
	}
	if err := s.store.Put(rec); err != nil {
		return false, err
	}
	return true, nil
}

func buildArchive(manifest, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	files := []struct {
		name    string
		content []byte
	}{
		{"manifest.json", manifest},
		{"data.json", data},
	}
	for _, f := range files {
		header := &tar.Header{
			Name:    f.name,
			Mode:    0644,
			Size:    int64(len(f.content)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "write archive header", err)
		}
		if _, err := tw.Write(f.content); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "write archive entry", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "close archive", err)
	}
	if err := gzw.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "close archive", err)
	}
	return buf.Bytes(), nil
}

func readArchive(raw []byte) (manifest, data []byte, err error) {
	gzr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInvalid, "open archive", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrInvalid, "read archive", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrInvalid, "read archive entry", err)
		}
		switch header.Name {
		case "manifest.json":
			manifest = content
		case "data.json":
			data = content
		}
	}
	if manifest == nil || data == nil {
		return nil, nil, apperrors.New(apperrors.ErrInvalid, "archive missing manifest or data")
	}
	return manifest, data, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "create backup directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write backup file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "finalize backup file", err)
	}
	return nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Package store persists one report per (tool kind, target) as a JSON file.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
)

const reportExt = ".json"

// Store is a directory of report files. Writers and readers in other
// processes are coordinated with per-file locks.
type Store struct {
	dir string
	log logrus.FieldLogger
}

// New opens (and creates) the store directory
func New(dir string, log logrus.FieldLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store directory: %w", engine.ErrStoreWrite, err)
	}
	return &Store{dir: dir, log: logger.Or(log)}, nil
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// FileName returns the collision-free file name for a report key
func FileName(kind engine.ToolKind, targetID string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + targetID))
	return fmt.Sprintf("%s__%s-%s%s", kind, unsafeChars.ReplaceAllString(targetID, "_"), hex.EncodeToString(sum[:4]), reportExt)
}

func (s *Store) path(kind engine.ToolKind, targetID string) string {
	return filepath.Join(s.dir, FileName(kind, targetID))
}

// Save writes rep, replacing any previous report for the same key
func (s *Store) Save(rep *engine.Report) error {
	if rep.ToolKind == "" || rep.TargetID == "" {
		return fmt.Errorf("%w: report key is incomplete", engine.ErrStoreWrite)
	}
	rep.SavedAt = time.Now().UTC()
	if rep.Findings == nil {
		rep.Findings = []engine.Finding{}
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal report: %w", engine.ErrStoreWrite, err)
	}

	path := s.path(rep.ToolKind, rep.TargetID)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: acquire write lock: %w", engine.ErrStoreWrite, err)
	}
	defer func() { _ = lock.Unlock() }()

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrStoreWrite, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write report: %w", engine.ErrStoreWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync report: %w", engine.ErrStoreWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", engine.ErrStoreWrite, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", engine.ErrStoreWrite, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replace report: %w", engine.ErrStoreWrite, err)
	}

	s.log.WithFields(logrus.Fields{"tool": rep.ToolKind, "target": rep.TargetID, "findings": len(rep.Findings)}).Debug("report saved")
	return nil
}

// Load returns the report for a key, or ErrReportNotFound
func (s *Store) Load(kind engine.ToolKind, targetID string) (*engine.Report, error) {
	return s.read(s.path(kind, targetID))
}

func (s *Store) read(path string) (*engine.Report, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", engine.ErrReportNotFound, filepath.Base(path))
	}
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", engine.ErrReportNotFound, filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var rep engine.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", filepath.Base(path), err)
	}
	return &rep, nil
}

// List returns every stored report ordered by tool then target. Files that
// cannot be parsed are skipped.
func (s *Store) List() ([]*engine.Report, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*engine.Report{}, nil
		}
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	reports := make([]*engine.Report, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), reportExt) {
			continue
		}
		rep, err := s.read(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.WithError(err).WithField("file", e.Name()).Warn("skipping unreadable report")
			continue
		}
		reports = append(reports, rep)
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].ToolKind != reports[j].ToolKind {
			return reports[i].ToolKind < reports[j].ToolKind
		}
		return reports[i].TargetID < reports[j].TargetID
	})
	return reports, nil
}

// Summary returns severity counts for one report
func (s *Store) Summary(kind engine.ToolKind, targetID string) (map[engine.Severity]int, error) {
	rep, err := s.Load(kind, targetID)
	if err != nil {
		return nil, err
	}
	return rep.Counts(), nil
}

package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/modmail/internal/modmail"
)

const defaultPageSize = 100

type MirrorOptions struct {
	LocalRoot string
	StateFile string
	PageSize  int
	Logger    *zap.Logger
}

// Mirror copies closed logs into LocalRoot as markdown, one file per log
// under a year-month directory. Logs deleted upstream stay archived.
type Mirror struct {
	source    LogSource
	localRoot string
	stateFile string
	pageSize  int
	logger    *zap.Logger
	state     mirrorState
	loaded    bool
}

type mirrorState struct {
	// Cursor is the close time of the newest archived log.
	Cursor time.Time              `json:"cursor"`
	Files  map[string]trackedFile `json:"files"`
}

type trackedFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// SyncResult counts what one SyncOnce pass did.
type SyncResult struct {
	Written   int
	Unchanged int
}

func NewMirror(source LogSource, opts MirrorOptions) (*Mirror, error) {
	if source == nil {
		return nil, fmt.Errorf("log source is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, ".modmail-archive-state.json")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Mirror{
		source:    source,
		localRoot: localRoot,
		stateFile: stateFile,
		pageSize:  pageSize,
		logger:    logger,
		state:     mirrorState{Files: map[string]trackedFile{}},
	}, nil
}

// SyncOnce pulls every log closed since the cursor. Each page re-reads the
// logs closed at exactly the cursor time so ties across a page boundary are
// not lost; unchanged files are skipped by hash. A page made only of such
// ties moves on past the cursor, so more than PageSize logs sharing one
// close time can be missed.
func (m *Mirror) SyncOnce(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	if err := m.loadState(); err != nil {
		return result, err
	}
	skipTies := false
	for {
		since := m.state.Cursor
		if !since.IsZero() && !skipTies {
			since = since.Add(-time.Nanosecond)
		}
		page, err := m.source.ListClosedLogs(ctx, since, m.pageSize)
		if err != nil {
			return result, err
		}
		progressed := false
		for _, entry := range page {
			wrote, err := m.applyLog(entry)
			if err != nil {
				return result, err
			}
			if wrote {
				result.Written++
				progressed = true
			} else {
				result.Unchanged++
			}
			if entry.ClosedAt != nil && entry.ClosedAt.After(m.state.Cursor) {
				m.state.Cursor = entry.ClosedAt.UTC()
				progressed = true
			}
		}
		if len(page) < m.pageSize || (!progressed && skipTies) {
			break
		}
		skipTies = !progressed
	}
	if err := m.saveState(); err != nil {
		return result, err
	}
	if result.Written > 0 {
		m.logger.Info("archive_synced",
			zap.Int("written", result.Written),
			zap.Time("cursor", m.state.Cursor),
		)
	}
	return result, nil
}

func (m *Mirror) applyLog(entry modmail.LogEntry) (bool, error) {
	if entry.Key == "" || entry.Open || entry.ClosedAt == nil {
		return false, nil
	}
	content := RenderMarkdown(entry)
	hash := hashString(content)
	if tracked, ok := m.state.Files[entry.Key]; ok && tracked.Hash == hash {
		return false, nil
	}
	rel := filepath.Join(entry.ClosedAt.UTC().Format("2006-01"), entry.Key+".md")
	localPath := filepath.Join(m.localRoot, rel)
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return false, err
	}
	if err := writeFileAtomic(localPath, []byte(content), 0o644); err != nil {
		return false, err
	}
	m.state.Files[entry.Key] = trackedFile{Path: filepath.ToSlash(rel), Hash: hash}
	return true, nil
}

// Cursor reports the close time of the newest archived log.
func (m *Mirror) Cursor() time.Time { return m.state.Cursor }

func (m *Mirror) loadState() error {
	if m.loaded {
		return nil
	}
	m.loaded = true
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Files == nil {
		state.Files = map[string]trackedFile{}
	}
	m.state = state
	return nil
}

func (m *Mirror) saveState() error {
	data, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(m.stateFile, data, 0o644)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

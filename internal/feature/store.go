package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	// dataDir is the per-project directory holding all autoboard state.
	dataDir = ".autoboard"

	featuresDir    = "features"
	recordFile     = "feature.json"
	transcriptFile = "agent-output.md"
	contextFile    = "context.md"
)

// ErrNotFound indicates no record exists for the requested feature id.
var ErrNotFound = errors.New("feature not found")

// Store reads and writes feature records rooted at a project path.
//
// Writes are read-modify-write at the record level; the orchestrator is
// the only writer of a feature's status fields during its execution
// window, so last-writer-wins is acceptable.
type Store struct {
	logger *zap.Logger
}

// NewStore creates a store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger}
}

func (s *Store) featureDir(projectPath, id string) string {
	return filepath.Join(projectPath, dataDir, featuresDir, id)
}

// Load returns the feature record for id, or ErrNotFound.
func (s *Store) Load(projectPath, id string) (*Feature, error) {
	path := filepath.Join(s.featureDir(projectPath, id), recordFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read feature record: %w", err)
	}

	var f Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse feature record %s: %w", path, err)
	}
	return &f, nil
}

// Save persists the feature record, creating its directory on first save.
// The write is atomic (temp file + rename) so a crash never leaves a
// half-written record behind.
func (s *Store) Save(projectPath string, f *Feature) error {
	if f.ID == "" {
		return errors.New("feature id is required")
	}

	dir := s.featureDir(projectPath, f.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create feature directory: %w", err)
	}

	f.UpdatedAt = time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = f.UpdatedAt
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal feature record: %w", err)
	}

	path := filepath.Join(dir, recordFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write feature record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace feature record: %w", err)
	}

	s.logger.Debug("saved feature",
		zap.String("id", f.ID),
		zap.String("status", string(f.Status)),
	)
	return nil
}

// ListAll returns every feature record under the project, sorted by
// creation time then id for a stable order. Unreadable records are
// skipped with a warning rather than failing the listing.
func (s *Store) ListAll(projectPath string) ([]*Feature, error) {
	root := filepath.Join(projectPath, dataDir, featuresDir)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list features: %w", err)
	}

	var features []*Feature
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		f, err := s.Load(projectPath, entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable feature record",
				zap.String("id", entry.Name()), zap.Error(err))
			continue
		}
		features = append(features, f)
	}

	sort.Slice(features, func(i, j int) bool {
		if !features[i].CreatedAt.Equal(features[j].CreatedAt) {
			return features[i].CreatedAt.Before(features[j].CreatedAt)
		}
		return features[i].ID < features[j].ID
	})
	return features, nil
}

// TranscriptPath returns the path of the feature's transcript file.
func (s *Store) TranscriptPath(projectPath, id string) string {
	return filepath.Join(s.featureDir(projectPath, id), transcriptFile)
}

// HasTranscript reports whether a non-empty transcript exists for id.
func (s *Store) HasTranscript(projectPath, id string) bool {
	info, err := os.Stat(s.TranscriptPath(projectPath, id))
	return err == nil && info.Size() > 0
}

// ReadTranscript returns the transcript content, or "" when absent.
func (s *Store) ReadTranscript(projectPath, id string) (string, error) {
	data, err := os.ReadFile(s.TranscriptPath(projectPath, id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(data), nil
}

// WriteTranscript replaces the transcript content.
func (s *Store) WriteTranscript(projectPath, id, content string) error {
	dir := s.featureDir(projectPath, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create feature directory: %w", err)
	}
	if err := os.WriteFile(s.TranscriptPath(projectPath, id), []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// ClearTranscript removes the transcript file if present.
func (s *Store) ClearTranscript(projectPath, id string) error {
	err := os.Remove(s.TranscriptPath(projectPath, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove transcript: %w", err)
	}
	return nil
}

// AttachedContext returns the feature's attached context text, if any.
func (s *Store) AttachedContext(projectPath, id string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.featureDir(projectPath, id), contextFile))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

package orchestrator

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halvardlabs/autoboard/internal/feature"
)

// transcriptWriter accumulates streamed agent output and persists it with
// a debounce, so a crash loses at most one flush interval of text while
// the hot path never does disk I/O per chunk.
type transcriptWriter struct {
	store       *feature.Store
	projectPath string
	featureID   string
	logger      *zap.Logger

	mu    sync.Mutex
	buf   strings.Builder
	dirty bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// newTranscriptWriter creates a writer seeded with the feature's existing
// transcript so partial prior output is never lost.
func newTranscriptWriter(store *feature.Store, projectPath, featureID string, interval time.Duration, logger *zap.Logger) (*transcriptWriter, error) {
	existing, err := store.ReadTranscript(projectPath, featureID)
	if err != nil {
		return nil, err
	}

	w := &transcriptWriter{
		store:       store,
		projectPath: projectPath,
		featureID:   featureID,
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	w.buf.WriteString(existing)

	go w.flushLoop(interval)
	return w, nil
}

// Append buffers a chunk of output.
func (w *transcriptWriter) Append(text string) {
	w.mu.Lock()
	w.buf.WriteString(text)
	w.dirty = true
	w.mu.Unlock()
}

// Content returns the full accumulated transcript.
func (w *transcriptWriter) Content() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Flush persists the buffer if it changed since the last flush.
func (w *transcriptWriter) Flush() error {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	content := w.buf.String()
	w.dirty = false
	w.mu.Unlock()

	return w.store.WriteTranscript(w.projectPath, w.featureID, content)
}

// Close stops the flush loop and performs a final flush.
func (w *transcriptWriter) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.Flush()
}

func (w *transcriptWriter) flushLoop(interval time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.logger.Warn("transcript flush failed",
					zap.String("feature_id", w.featureID), zap.Error(err))
			}
		case <-w.stop:
			return
		}
	}
}

package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `steps:
  - id: review
    name: Code Review
    order: 2
    instructions: Review the changes.
  - id: tests
    name: Run Tests
    order: 1
    instructions: Run the test suite and fix failures.
`

func writePipeline(t *testing.T, projectPath, content string) string {
	t.Helper()
	dir := filepath.Join(projectPath, ".autoboard")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfig_Sorted(t *testing.T) {
	cfg := &Config{Steps: []Step{
		{ID: "b", Order: 3},
		{ID: "a", Order: 1},
		{ID: "c", Order: 2},
	}}

	sorted := cfg.Sorted()
	assert.Equal(t, []string{"a", "c", "b"}, []string{sorted[0].ID, sorted[1].ID, sorted[2].ID})
	// original untouched
	assert.Equal(t, "b", cfg.Steps[0].ID)
}

func TestConfig_Find(t *testing.T) {
	cfg := &Config{Steps: []Step{{ID: "review", Name: "Code Review"}}}

	s, ok := cfg.Find("review")
	assert.True(t, ok)
	assert.Equal(t, "Code Review", s.Name)

	_, ok = cfg.Find("ghost")
	assert.False(t, ok)
}

func TestFileProvider_Get(t *testing.T) {
	project := t.TempDir()
	writePipeline(t, project, sampleConfig)

	p, err := NewFileProvider(nil)
	require.NoError(t, err)
	defer p.Close()

	cfg, err := p.Get(project)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Steps, 2)

	sorted := cfg.Sorted()
	assert.Equal(t, "tests", sorted[0].ID)
	assert.Equal(t, "review", sorted[1].ID)
}

func TestFileProvider_MissingFileMeansNoPipeline(t *testing.T) {
	p, err := NewFileProvider(nil)
	require.NoError(t, err)
	defer p.Close()

	cfg, err := p.Get(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestFileProvider_RejectsStepWithoutID(t *testing.T) {
	project := t.TempDir()
	writePipeline(t, project, "steps:\n  - name: anonymous\n")

	p, err := NewFileProvider(nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get(project)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no id")
}

func TestFileProvider_RejectsBadYAML(t *testing.T) {
	project := t.TempDir()
	writePipeline(t, project, "steps: [unclosed")

	p, err := NewFileProvider(nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get(project)
	require.Error(t, err)
}

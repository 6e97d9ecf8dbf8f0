package submission

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWriterRotatesAfterMidnight(t *testing.T) {
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 4, 23, 59, 30, 0, time.Local))

	w, err := NewLogWriter(dir, mock)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(FamilyContent, []byte(`{"n":1}`)))
	require.NoError(t, w.Append(FamilyContent, []byte(`{"n":2}`)))
	mock.Add(time.Minute)
	require.NoError(t, w.Append(FamilyContent, []byte(`{"n":3}`)))

	before, err := os.ReadFile(filepath.Join(dir, "2024-03-04_content"))
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, "2024-03-05_content"))
	require.NoError(t, err)

	assert.Equal(t, "{\"n\":1}\n{\"n\":2}\n", string(before))
	assert.Equal(t, "{\"n\":3}\n", string(after))
}

func TestLogWriterAppendsToExistingFile(t *testing.T) {
	dir := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 4, 12, 0, 0, 0, time.Local))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-03-04_failed_content"), []byte("old\n"), 0o644))

	w, err := NewLogWriter(dir, mock)
	require.NoError(t, err)
	require.NoError(t, w.Append(FamilyFailed, []byte("new")))
	require.NoError(t, w.Close())

	lines, err := w.ReadLines(FamilyFailed, mock.Now())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("old"), []byte("new")}, lines)
}

func TestReadLinesMissingFile(t *testing.T) {
	w, err := NewLogWriter(t.TempDir(), clock.NewMock())
	require.NoError(t, err)

	lines, err := w.ReadLines(FamilySubmitted, time.Now())
	assert.NoError(t, err)
	assert.Empty(t, lines)
}

func TestNewLogWriterCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lookout", "submits")

	_, err := NewLogWriter(dir, clock.NewMock())
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

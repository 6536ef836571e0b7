package logsink_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyan/devtap/internal/logsink"
)

func TestSink_WritesLinesInOrder(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	s := logsink.New(&buf)
	s.Log("first")
	s.Logf("[%s] %s", "12:00:00", "second")
	require.NoError(t, s.Close())

	assert.Equal(t, "first\n[12:00:00] second\n", buf.String())
}

func TestSink_LogAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	s := logsink.New(&buf)
	s.Log("kept")
	require.NoError(t, s.Close())
	s.Log("dropped")
	require.NoError(t, s.Close())

	assert.Equal(t, "kept\n", buf.String())
}

func TestSink_ConcurrentProducers(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	s := logsink.New(&buf)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.Logf("p%d-%d", p, i)
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 8*200)
}

func TestOpen_Appends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "browser_logs.txt")
	require.NoError(t, os.WriteFile(path, []byte("earlier\n"), 0644))

	s, err := logsink.Open(path)
	require.NoError(t, err)
	s.Log("later")
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "earlier\nlater\n", string(data))
}

func TestOpen_BadPath(t *testing.T) {
	t.Parallel()

	_, err := logsink.Open(filepath.Join(t.TempDir(), "missing", "log.txt"))
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestSink_ReportsWriteError(t *testing.T) {
	t.Parallel()

	s := logsink.New(failingWriter{})
	for i := 0; i < 3; i++ {
		s.Log(fmt.Sprint(i))
	}
	assert.EqualError(t, s.Close(), "disk full")
}

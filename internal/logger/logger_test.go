package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	})

	SetLevel("WARN")
	L.Info("hidden")
	L.Warn("shown", "conversation_id", "c1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "c1", rec["conversation_id"])
	require.Equal(t, "workbench", rec["service"])
}

func TestSetLevel_UnknownMeansInfo(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })
	SetLevel("debug")
	SetLevel("loud")
	require.Equal(t, "INFO", level.Level().String())
}

// lockedBuffer is a bytes.Buffer safe for the concurrent test below.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestSetOutput_WhileLogging(t *testing.T) {
	first, second := &lockedBuffer{}, &lockedBuffer{}
	SetOutput(first)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				L.Info("tick", "n", j)
			}
		}()
	}
	SetOutput(second)
	wg.Wait()

	L.Info("after")
	require.Greater(t, second.Len(), 0)
}

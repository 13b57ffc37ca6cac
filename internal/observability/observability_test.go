package observability

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "info").With("run_id", "r-1")

	logger.Debug("hidden", "k", "v")
	logger.Info("cycle done", "channel", "nouns-draws", "written", 3)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "debug line should be filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "cycle done", entry["msg"])
	assert.Equal(t, "r-1", entry["run_id"])
	assert.Equal(t, "nouns-draws", entry["channel"])
	assert.EqualValues(t, 3, entry["written"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel(" Warning ").String())
	assert.Equal(t, "INFO", parseLevel("nonsense").String())
}

func TestMetricsRecordCycle(t *testing.T) {
	m := NewMetrics()

	m.RecordCycle("nouns-draws", "ok", 4, 0, 150*time.Millisecond)
	m.RecordCycle("nouns-draws", "partial", 10, 1, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cyclesTotal.WithLabelValues("nouns-draws", "ok")))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.postsWritten.WithLabelValues("nouns-draws")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchFailures.WithLabelValues("nouns-draws")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordCycle("x", "ok", 1, 0, time.Second) })
}

package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeRecords(t *testing.T, path string, recs ...Record) {
	t.Helper()
	sink, err := OpenJSONL(path)
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), recs))
	require.NoError(t, sink.Close())
}

func TestFollow_ReplaysAndFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	writeRecords(t, path,
		Record{ID: "1", Event: "load"},
		Record{ID: "2", Event: "console-log"},
		Record{ID: "3", Event: "load"},
	)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []string
	err = Follow(context.Background(), path, FollowOptions{FromStart: true, Events: []string{"load"}, Logger: zaptest.NewLogger(t)}, func(r Record) {
		got = append(got, r.ID)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "3"}, got)
}

func TestFollow_MissingFile(t *testing.T) {
	err := Follow(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"), FollowOptions{FromStart: true}, func(Record) {})
	assert.Error(t, err)
}

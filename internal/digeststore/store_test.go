package digeststore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	_, ok := s.Lookup("anything")
	assert.False(t, ok)
}

func TestSetLookupFlushReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests.jsonl")
	s, err := Open(path)
	require.NoError(t, err)

	inputs := map[string]Record{"a.c": {Digest: "deadbeef", Size: 3}}
	require.NoError(t, s.Set("a.o", inputs))

	got, ok := s.Lookup("a.o")
	require.True(t, ok)
	assert.Equal(t, inputs, got)

	require.NoError(t, s.Flush())

	reopened, err := Open(path)
	require.NoError(t, err)
	got2, ok := reopened.Lookup("a.o")
	require.True(t, ok)
	assert.Equal(t, inputs, got2)
}

func TestFlushNoopWhenNotDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests.jsonl")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "flush with nothing set should not create a file")
}

func TestOpenToleratesGarbledLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digests.jsonl")
	content := "{\"target\":\"a.o\",\"inputs\":{\"a.c\":{\"digest\":\"abc\",\"size\":1}}}\n" +
		"not json at all\n" +
		"{\"target\":\"b.o\",\"inputs\":{\"b.c\":{\"digest\":\"def\",\"size\":2}}}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Open(path)
	require.NoError(t, err)

	a, ok := s.Lookup("a.o")
	require.True(t, ok)
	assert.Equal(t, "abc", a["a.c"].Digest)

	b, ok := s.Lookup("b.o")
	require.True(t, ok)
	assert.Equal(t, "def", b["b.c"].Digest)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package vectorstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/config"
)

func rec(id string, vec ...float32) Record {
	return Record{
		ID:        id,
		Content:   "content " + id,
		Role:      "user",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Embedding: vec,
	}
}

func indexes(t *testing.T) map[string]func() Index {
	t.Helper()
	return map[string]func() Index{
		"flat": func() Index { return NewFlatIndex() },
		"chromem": func() Index {
			ci, err := NewChromemIndex("test")
			require.NoError(t, err)
			return ci
		},
	}
}

func TestStore_SearchRanksByCosine(t *testing.T) {
	for name, mk := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(mk(), "", 10)
			require.NoError(t, s.Add(ctx, rec("x", 1, 0, 0)))
			require.NoError(t, s.Add(ctx, rec("xy", 1, 1, 0)))
			require.NoError(t, s.Add(ctx, rec("z", 0, 0, 1)))

			hits, err := s.Search(ctx, []float32{2, 0, 0}, 2)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "x", hits[0].Record.ID)
			assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
			assert.Equal(t, "xy", hits[1].Record.ID)
			assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
		})
	}
}

func TestStore_SearchCapsAtSize(t *testing.T) {
	for name, mk := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(mk(), "", 10)
			require.NoError(t, s.Add(ctx, rec("a", 1, 0)))

			hits, err := s.Search(ctx, []float32{1, 0}, 5)
			require.NoError(t, err)
			assert.Len(t, hits, 1)
		})
	}
}

func TestStore_DeleteRebuilds(t *testing.T) {
	for name, mk := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(mk(), "", 10)
			require.NoError(t, s.Add(ctx, rec("a", 1, 0)))
			require.NoError(t, s.Add(ctx, rec("b", 0.9, 0.1)))

			ok, err := s.Delete(ctx, "a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 1, s.Len())
			assert.Equal(t, 1, s.index.Len())

			hits, err := s.Search(ctx, []float32{1, 0}, 2)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "b", hits[0].Record.ID)

			ok, err = s.Delete(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_ZeroVectorRetainedNotIndexed(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewFlatIndex(), "", 10)
	require.NoError(t, s.Add(ctx, rec("none")))
	require.NoError(t, s.Add(ctx, rec("zero", 0, 0)))

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 0, s.index.Len())

	hits, err := s.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStore_RequiresID(t *testing.T) {
	s := NewStore(NewFlatIndex(), "", 10)
	assert.Error(t, s.Add(context.Background(), Record{Content: "x"}))
}

func TestStore_PersistsEveryN(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "s1", "vectors.json")
	s := NewStore(NewFlatIndex(), path, 3)

	require.NoError(t, s.Add(ctx, rec("a", 1, 0)))
	require.NoError(t, s.Add(ctx, rec("b", 0, 1)))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no snapshot before the third add")

	require.NoError(t, s.Add(ctx, rec("c", 1, 1)))
	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded := NewStore(NewFlatIndex(), path, 3)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 3, reloaded.Len())
	hits, err := reloaded.Search(ctx, []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Record.ID)

	ids := []string{}
	for _, r := range reloaded.Records() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestStore_FlushOnClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vectors.json")
	s := NewStore(NewFlatIndex(), path, 100)
	require.NoError(t, s.Add(ctx, rec("a", 1, 0)))
	require.NoError(t, s.Close())

	reloaded := NewStore(NewFlatIndex(), path, 100)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 1, reloaded.Len())
}

func TestStore_PersistFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s := NewStore(NewFlatIndex(), filepath.Join(blocker, "vectors.json"), 1)
	assert.NoError(t, s.Add(ctx, rec("a", 1, 0)))
	assert.Equal(t, 1, s.Len())
	assert.Error(t, s.Flush())
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"flat", "chromem"} {
		s, err := Open(config.MemoryConfig{Backend: backend, Dir: dir, PersistEvery: 10}, "sess")
		require.NoError(t, err)
		assert.Equal(t, backend, s.Kind())
	}

	_, err := Open(config.MemoryConfig{Backend: "faiss"}, "sess")
	assert.Error(t, err)
}

func TestOpen_LoadsSessionSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := config.MemoryConfig{Backend: "chromem", Dir: t.TempDir(), PersistEvery: 1}

	s, err := Open(cfg, "abc")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, rec("a", 1, 0)))

	again, err := Open(cfg, "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Len())
	hits, err := again.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "content a", hits[0].Record.Content)
}

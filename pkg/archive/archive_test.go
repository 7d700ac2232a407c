package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/config"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

func fillTrail(t *testing.T, trail *audit.Trail, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := trail.Append(context.Background(), audit.Entry{
			Timestamp: contracts.LogicalTime(i),
			Actor:     "kernel",
			Action:    audit.ActionDispatch,
			Subject:   fmt.Sprintf("msg-%d", i),
			Outcome:   audit.OutcomeOK,
		})
		require.NoError(t, err)
	}
}

func TestArchiverSealsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	arch := NewArchiver(store, 3)
	trail := audit.NewTrail(100)
	trail.AddSink(arch)

	fillTrail(t, trail, 7)
	require.Len(t, arch.Segments(), 2, "the seventh record is still pending")

	index, err := arch.Close(ctx)
	require.NoError(t, err)
	segs := arch.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, audit.GenesisHash, segs[0].PrevHash)
	assert.Equal(t, uint64(7), segs[2].LastSeq)
	assert.Equal(t, 1, segs[2].Count)

	restored, err := Restore(ctx, store, index)
	require.NoError(t, err)
	assert.Equal(t, trail.Records(), restored)
	require.NoError(t, audit.VerifyChain(restored, audit.GenesisHash))
}

func TestExportSegmentIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	trail := audit.NewTrail(10)
	fillTrail(t, trail, 4)
	records := trail.Records()

	store := NewMemoryStore()
	a, err := ExportSegment(ctx, store, records[1:])
	require.NoError(t, err)
	b, err := ExportSegment(ctx, store, records[1:])
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, records[0].Hash, a.PrevHash)

	loaded, err := LoadSegment(ctx, store, a)
	require.NoError(t, err)
	assert.Equal(t, records[1:], loaded)
}

func TestExportRejectsBrokenChain(t *testing.T) {
	trail := audit.NewTrail(10)
	fillTrail(t, trail, 3)
	records := trail.Records()
	records[1].Subject = "forged"

	_, err := ExportSegment(context.Background(), NewMemoryStore(), records)
	require.Error(t, err)

	_, err = ExportSegment(context.Background(), NewMemoryStore(), nil)
	require.Error(t, err)
}

func TestLoadSegmentDetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	trail := audit.NewTrail(10)
	fillTrail(t, trail, 2)
	seg, err := ExportSegment(ctx, store, trail.Records())
	require.NoError(t, err)

	path := filepath.Join(dir, strings.TrimPrefix(seg.Digest, "sha256:")+".blob")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "msg-0", "msg-9", 1)), 0o644))

	_, err = LoadSegment(ctx, store, seg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content digest")
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)

	digest, err := store.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)

	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, store.Delete(ctx, digest))
	require.NoError(t, store.Delete(ctx, digest))
	_, err = store.Get(ctx, digest)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, "md5:abc")
	require.Error(t, err)
	_, err = store.Exists(ctx, "sha256:../../etc/passwd")
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.ArchiveConfig{})
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(ctx, config.ArchiveConfig{Kind: KindFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = Open(ctx, config.ArchiveConfig{Kind: KindS3})
	require.Error(t, err, "bucket is required")

	_, err = Open(ctx, config.ArchiveConfig{Kind: "tape"})
	require.Error(t, err)
}

package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemStoreContentAddressed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFilesystemStore(dir, "")
	require.NoError(t, err)

	key, err := store.PutObject(ctx, "", strings.NewReader("<svg/>"), PutOptions{Extension: ".svg"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(key, ".svg"))
	assert.Len(t, key, 64+len(".svg"))

	again, err := store.PutObject(ctx, "", strings.NewReader("<svg/>"), PutOptions{Extension: ".svg"})
	require.NoError(t, err)
	assert.Equal(t, key, again, "same content, same key")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	rc, err := store.GetObject(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", string(data))

	u, err := store.URL(ctx, key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
}

func TestFilesystemStoreNamedKeysAndPublicURL(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystemStore(t.TempDir(), "https://cdn.example.com/assets/")
	require.NoError(t, err)

	key, err := store.PutObject(ctx, "meta/42.json", strings.NewReader(`{}`), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, "meta/42.json", key)

	u, err := store.URL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/assets/meta/42.json", u)

	_, err = store.PutObject(ctx, "../escape", strings.NewReader("x"), PutOptions{})
	assert.Error(t, err)

	_, err = store.GetObject(ctx, "missing")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestLedgerRegistrar(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger", "registrations.jsonl")

	ledger, err := OpenLedger(path)
	require.NoError(t, err)

	_, err = ledger.Lookup("1")
	assert.ErrorIs(t, err, ErrNotRegistered)

	first, err := ledger.Write(ctx, "1", "file:///a.json")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.True(t, strings.HasPrefix(first.Digest, "0x"))

	_, err = ledger.Write(ctx, "2", "file:///b.json")
	require.NoError(t, err)
	latest, err := ledger.Write(ctx, "1", "file:///c.json")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Seq)

	_, err = ledger.Write(ctx, "", "file:///x.json")
	assert.Error(t, err)

	reopened, err := OpenLedger(path)
	require.NoError(t, err)
	c, err := reopened.Lookup("1")
	require.NoError(t, err)
	assert.Equal(t, "file:///c.json", c.Locator)

	next, err := reopened.Write(ctx, "3", "file:///d.json")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next.Seq, "sequence resumes after reopen")
}

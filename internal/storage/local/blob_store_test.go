package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-reply-crawler/internal/storage/local"
)

func TestPutObjectWritesBeneathBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "captures")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	uri, err := store.PutObject(context.Background(), "platform_c/s1/sess-1.jsonl",
		"application/x-ndjson", strings.NewReader("{}\n"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "platform_c", "s1", "sess-1.jsonl"), uri)

	data, err := os.ReadFile(filepath.Join(dir, "platform_c", "s1", "sess-1.jsonl"))
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(data))
	_, err = os.Stat(filepath.Join(dir, "platform_c", "s1", "sess-1.jsonl.partial"))
	require.True(t, os.IsNotExist(err))
}

func TestPutObjectCannotEscapeRoot(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	store, err := local.New(local.Config{BaseDir: filepath.Join(parent, "root")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	_, err = store.PutObject(context.Background(), "../../escape.jsonl", "", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(parent, "escape.jsonl"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(parent, "root", "escape.jsonl"))
	require.NoError(t, err)
}

func TestPutObjectValidation(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "a.jsonl", "", strings.NewReader("x"))
	require.ErrorIs(t, err, context.Canceled)

	_, err = local.New(local.Config{})
	require.Error(t, err)
}

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lcc-server/internal/config"
	"lcc-server/internal/domain"
)

func TestLocalPublisher(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "lightcurves-abc.zip")
	require.NoError(t, os.WriteFile(src, []byte("zipbytes"), 0o644))

	pub := NewLocalPublisher(filepath.Join(t.TempDir(), "public"), "http://lcc.example/files/")

	u, err := pub.Publish(ctx, "lightcurves-abc.zip", src)
	require.NoError(t, err)
	assert.Equal(t, "http://lcc.example/files/lightcurves-abc.zip", u)

	got, err := os.ReadFile(filepath.Join(pub.Dir(), "lightcurves-abc.zip"))
	require.NoError(t, err)
	assert.Equal(t, "zipbytes", string(got))

	again, err := pub.URL(ctx, "lightcurves-abc.zip")
	require.NoError(t, err)
	assert.Equal(t, u, again)

	// Republishing replaces the file.
	require.NoError(t, os.Remove(src))
	require.NoError(t, os.WriteFile(src, []byte("newer"), 0o644))
	_, err = pub.Publish(ctx, "lightcurves-abc.zip", src)
	require.NoError(t, err)
	got, err = os.ReadFile(filepath.Join(pub.Dir(), "lightcurves-abc.zip"))
	require.NoError(t, err)
	assert.Equal(t, "newer", string(got))
}

func TestLocalPublisher_FollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "lightcurves-first.zip")
	require.NoError(t, os.WriteFile(target, []byte("shared"), 0o644))
	link := filepath.Join(dir, "lightcurves-second.zip")
	require.NoError(t, os.Symlink(target, link))

	pub := NewLocalPublisher(filepath.Join(dir, "public"), "/files")
	_, err := pub.Publish(context.Background(), "lightcurves-second.zip", link)
	require.NoError(t, err)

	fi, err := os.Lstat(filepath.Join(pub.Dir(), "lightcurves-second.zip"))
	require.NoError(t, err)
	assert.Zero(t, fi.Mode()&os.ModeSymlink)
}

func TestLocalPublisher_Errors(t *testing.T) {
	ctx := context.Background()
	pub := NewLocalPublisher(t.TempDir(), "/files")

	_, err := pub.URL(ctx, "never-published.csv")
	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))

	for _, key := range []string{"", "../escape.zip", "a/../../b.zip"} {
		_, err := pub.Publish(ctx, key, "/dev/null")
		var ve *domain.ValidationError
		assert.True(t, errors.As(err, &ve), "key %q", key)
	}

	_, err = pub.Publish(ctx, "missing.zip", filepath.Join(t.TempDir(), "nope.zip"))
	require.Error(t, err)
}

func TestS3Publisher_PresignsWithoutNetwork(t *testing.T) {
	pub, err := NewS3Publisher(config.S3Config{
		KeyID:    "AKIDEXAMPLE",
		Secret:   "secret",
		Endpoint: "s3.example.com",
		Region:   "eu-central",
		Bucket:   "lcc",
	}, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "lcc", pub.Bucket())

	u, err := pub.URL(context.Background(), "lightcurves-abc.zip")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://s3.example.com/lcc/lightcurves-abc.zip?"), u)
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "X-Amz-Expires=600")
}

func TestNewPublishers_RejectIncompleteConfig(t *testing.T) {
	_, err := NewS3Publisher(config.S3Config{KeyID: "k"}, 0)
	require.Error(t, err)
	_, err = NewGCSPublisher(context.Background(), config.GCSConfig{Bucket: "b"}, 0)
	require.Error(t, err)
	_, err = NewAzurePublisher(config.AzureConfig{AccountName: "a", Container: "c"}, 0)
	require.Error(t, err)
}

func TestNew_Local(t *testing.T) {
	cfg := &config.Config{ArchiveStore: config.ArchiveStoreLocal, ArchiveDir: t.TempDir(), PublicURL: "http://localhost:12500"}
	pub, err := New(cfg)
	require.NoError(t, err)
	local, ok := pub.(*LocalPublisher)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.ArchiveDir, "public"), local.Dir())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/zip", contentType("a.zip"))
	assert.Equal(t, "text/csv", contentType("dataset-x.csv"))
	assert.Equal(t, "application/octet-stream", contentType("blob"))
}

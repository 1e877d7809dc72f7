package oci

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInitializesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "registry")
	l, err := Open(root)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "oci-layout"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"imageLayoutVersion":"1.0.0"}`, string(data))
	assert.DirExists(t, filepath.Join(root, "blobs", "sha256"))

	// Opening again leaves the layout alone.
	_, err = Open(l.Root)
	require.NoError(t, err)
}

func TestBlobs(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	cfg := v1.Image{Config: v1.ImageConfig{Labels: map[string]string{"org.flatpak.ref": "app/org.example.App/x86_64/stable"}}}
	cfgDesc, err := l.AddJSON(cfg, v1.MediaTypeImageConfig)
	require.NoError(t, err)
	assert.Equal(t, v1.MediaTypeImageConfig, cfgDesc.MediaType)
	assert.True(t, l.Has(cfgDesc.Digest))

	path, err := l.PathForBlob(cfgDesc.Digest)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(data), cfgDesc.Digest)
	assert.Equal(t, int64(len(data)), cfgDesc.Size)

	manifest := v1.Manifest{MediaType: v1.MediaTypeImageManifest, Config: cfgDesc}
	manifest.SchemaVersion = 2
	mDesc, err := l.AddJSON(manifest, v1.MediaTypeImageManifest)
	require.NoError(t, err)

	gotManifest, err := l.Manifest(mDesc.Digest)
	require.NoError(t, err)
	assert.Equal(t, cfgDesc, gotManifest.Config)

	gotCfg, err := l.Config(gotManifest.Config)
	require.NoError(t, err)
	assert.Equal(t, cfg.Config.Labels, gotCfg.Config.Labels)

	require.NoError(t, l.AddToIndex(mDesc))
	require.NoError(t, l.AddToIndex(mDesc))
	idx, err := l.Index()
	require.NoError(t, err)
	require.Len(t, idx.Manifests, 1)
	assert.Equal(t, mDesc.Digest, idx.Manifests[0].Digest)

	entries, err := os.ReadDir(l.Root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".temp-")
	}
}

func TestOpenVerifiesDigest(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	d := digest.FromString("expected")
	path, err := l.PathForBlob(d)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	rc, err := l.Open(d)
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	var v map[string]interface{}
	assert.ErrorIs(t, l.ReadJSON(d, &v), ErrDigestMismatch)
}

func TestPathForBlobRejectsOtherAlgorithms(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = l.PathForBlob(digest.Digest("md5:d41d8cd98f00b204e9800998ecf8427e"))
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
	_, err = l.PathForBlob(digest.Digest("nonsense"))
	assert.ErrorIs(t, err, ErrUnsupportedDigest)
	assert.False(t, l.Has(digest.Digest("nonsense")))

	_, err = l.Manifest(digest.FromString("absent"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

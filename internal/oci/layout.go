// Package oci reads and writes OCI image layout directories.
package oci

import (
	_ "crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

var (
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")
	ErrDigestMismatch    = errors.New("blob digest mismatch")
)

// Layout is an OCI image layout rooted at Root.
type Layout struct {
	Root string
	Log  logr.Logger
}

// Open opens the layout at root, initializing it when root does not exist.
func Open(root string) (*Layout, error) {
	l := &Layout{Root: root, Log: logr.Discard()}
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		if err := l.init(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.blobDir(digest.SHA256), 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return l, nil
}

func (l *Layout) init() error {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v1.ImageLayout{Version: v1.ImageLayoutVersion})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.Root, v1.ImageLayoutFile), data, 0o644)
}

func (l *Layout) blobDir(alg digest.Algorithm) string {
	return filepath.Join(l.Root, v1.ImageBlobsDir, alg.String())
}

// PathForBlob returns where the blob with digest d is stored.
func (l *Layout) PathForBlob(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedDigest, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDigest, d.Algorithm())
	}
	return filepath.Join(l.blobDir(d.Algorithm()), d.Encoded()), nil
}

// Has reports whether the blob with digest d is present.
func (l *Layout) Has(d digest.Digest) bool {
	path, err := l.PathForBlob(d)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Descriptor describes the stored blob with digest d.
func (l *Layout) Descriptor(d digest.Digest, mediaType string) (v1.Descriptor, error) {
	path, err := l.PathForBlob(d)
	if err != nil {
		return v1.Descriptor{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return v1.Descriptor{}, err
	}
	return v1.Descriptor{MediaType: mediaType, Digest: d, Size: info.Size()}, nil
}

// AddFile moves the file at path into the blob store.
func (l *Layout) AddFile(path, mediaType string) (v1.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return v1.Descriptor{}, err
	}
	d, err := digest.SHA256.FromReader(f)
	f.Close()
	if err != nil {
		return v1.Descriptor{}, fmt.Errorf("digest %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return v1.Descriptor{}, err
	}

	dest, err := l.PathForBlob(d)
	if err != nil {
		return v1.Descriptor{}, err
	}
	if err := os.Rename(path, dest); err != nil {
		return v1.Descriptor{}, fmt.Errorf("store blob %s: %w", d, err)
	}

	l.Log.Info("added blob", "mediaType", mediaType, "size", info.Size(), "digest", d.String())
	return v1.Descriptor{MediaType: mediaType, Digest: d, Size: info.Size()}, nil
}

// AddJSON stores v, indented, as a blob.
func (l *Layout) AddJSON(v interface{}, mediaType string) (v1.Descriptor, error) {
	f, err := os.CreateTemp(l.Root, ".temp-")
	if err != nil {
		return v1.Descriptor{}, err
	}
	defer os.Remove(f.Name())

	enc := json.NewEncoder(f)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return v1.Descriptor{}, fmt.Errorf("encode %s: %w", mediaType, err)
	}
	if err := f.Close(); err != nil {
		return v1.Descriptor{}, err
	}
	return l.AddFile(f.Name(), mediaType)
}

// Open returns the blob content. Reading to EOF fails with ErrDigestMismatch
// when the content does not match d.
func (l *Layout) Open(d digest.Digest) (io.ReadCloser, error) {
	path, err := l.PathForBlob(d)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &verifyingReader{f: f, verifier: d.Verifier(), digest: d}, nil
}

type verifyingReader struct {
	f        *os.File
	verifier digest.Verifier
	digest   digest.Digest
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	_, _ = r.verifier.Write(p[:n])
	if errors.Is(err, io.EOF) && !r.verifier.Verified() {
		return n, fmt.Errorf("%w: %s", ErrDigestMismatch, r.digest)
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.f.Close()
}

// ReadJSON decodes the blob with digest d into v.
func (l *Layout) ReadJSON(d digest.Digest, v interface{}) error {
	rc, err := l.Open(d)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode blob %s: %w", d, err)
	}
	return nil
}

func (l *Layout) Manifest(d digest.Digest) (*v1.Manifest, error) {
	var m v1.Manifest
	if err := l.ReadJSON(d, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (l *Layout) Config(desc v1.Descriptor) (*v1.Image, error) {
	var img v1.Image
	if err := l.ReadJSON(desc.Digest, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// Index reads index.json.
func (l *Layout) Index() (*v1.Index, error) {
	data, err := os.ReadFile(filepath.Join(l.Root, v1.ImageIndexFile))
	if err != nil {
		return nil, err
	}
	var idx v1.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return &idx, nil
}

// AddToIndex records desc in index.json, creating it if needed. Existing
// entries with the same digest are replaced.
func (l *Layout) AddToIndex(desc v1.Descriptor) error {
	idx, err := l.Index()
	if errors.Is(err, os.ErrNotExist) {
		idx = &v1.Index{Versioned: specs.Versioned{SchemaVersion: 2}, MediaType: v1.MediaTypeImageIndex}
	} else if err != nil {
		return err
	}

	manifests := idx.Manifests[:0]
	for _, m := range idx.Manifests {
		if m.Digest != desc.Digest {
			manifests = append(manifests, m)
		}
	}
	idx.Manifests = append(manifests, desc)

	data, err := json.MarshalIndent(idx, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.Root, v1.ImageIndexFile), data, 0o644)
}

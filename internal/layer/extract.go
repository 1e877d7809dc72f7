// Package layer unpacks OCI image layers into a directory tree.
package layer

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

var (
	ErrUnsafePath             = errors.New("layer entry escapes the target directory")
	ErrUnsupportedCompression = errors.New("unsupported layer compression")
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicBzip2 = []byte{'B', 'Z', 'h'}
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Extractor applies layers on top of each other in a directory.
type Extractor struct {
	Log logr.Logger
}

func NewExtractor() *Extractor {
	return &Extractor{Log: logr.Discard()}
}

// Decompress detects the compression of r from its leading bytes.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, magicGzip):
		return gzip.NewReader(br)
	case bytes.HasPrefix(head, magicZstd):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case bytes.HasPrefix(head, magicBzip2):
		return io.NopCloser(bzip2.NewReader(br)), nil
	case bytes.HasPrefix(head, magicXz):
		return nil, fmt.Errorf("%w: xz", ErrUnsupportedCompression)
	}
	return io.NopCloser(br), nil
}

type dirTimes struct {
	path  string
	mode  os.FileMode
	mtime time.Time
}

// Extract unpacks the (possibly compressed) tarball r into dir, applying OCI
// whiteouts to what earlier layers left there.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, dir string) error {
	rc, err := Decompress(r)
	if err != nil {
		return err
	}
	defer rc.Close()

	created := sets.NewString()
	var dirs []dirTimes

	tr := tar.NewReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read layer: %w", err)
		}

		name := strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")
		if name == "" {
			continue
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := checkParents(dir, name); err != nil {
			return err
		}

		base := path.Base(name)
		if base == whiteoutOpaque {
			if err := e.clearDir(filepath.Dir(target), dir, created); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			victim, err := whiteoutTarget(dir, target, strings.TrimPrefix(base, whiteoutPrefix))
			if err != nil {
				return fmt.Errorf("whiteout %s: %w", name, err)
			}
			if err := os.RemoveAll(victim); err != nil {
				return fmt.Errorf("whiteout %s: %w", name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		mode := hdr.FileInfo().Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			dirs = append(dirs, dirTimes{path: target, mode: mode, mtime: hdr.ModTime})
		case tar.TypeReg:
			if err := replace(target); err != nil {
				return err
			}
			if err := writeFile(target, tr, mode); err != nil {
				return fmt.Errorf("extract %s: %w", name, err)
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := replace(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkName := strings.TrimPrefix(path.Clean("/"+hdr.Linkname), "/")
			if err := checkParents(dir, linkName); err != nil {
				return err
			}
			if err := replace(target); err != nil {
				return err
			}
			if err := os.Link(filepath.Join(dir, filepath.FromSlash(linkName)), target); err != nil {
				return err
			}
		default:
			e.Log.V(1).Info("skipping layer entry", "name", name, "type", string(hdr.Typeflag))
			continue
		}
		created.Insert(target)
	}

	// Creating entries touches directories, so their modes and times are set
	// last, deepest first.
	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, d.mode); err != nil {
			return err
		}
		if err := os.Chtimes(d.path, d.mtime, d.mtime); err != nil {
			return err
		}
	}
	return nil
}

// clearDir removes everything below dir that the current layer did not create.
func (e *Extractor) clearDir(dir, root string, created sets.String) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if created.Has(p) {
			continue
		}
		rel, _ := filepath.Rel(root, p)
		e.Log.V(1).Info("opaque whiteout", "path", rel)
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	return nil
}

// whiteoutTarget returns the path the whiteout entry at target hides. It must
// name an entry strictly below root.
func whiteoutTarget(root, target, hidden string) (string, error) {
	if hidden == "" || hidden == "." || hidden == ".." || strings.ContainsAny(hidden, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, hidden)
	}
	victim := filepath.Join(filepath.Dir(target), hidden)
	rel, err := filepath.Rel(root, victim)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, victim)
	}
	return victim, nil
}

// checkParents refuses entries whose parent directories are symlinks, which
// could point outside root.
func checkParents(root, name string) error {
	parts := strings.Split(name, "/")
	cur := root
	for _, p := range parts[:len(parts)-1] {
		cur = filepath.Join(cur, p)
		fi, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s", ErrUnsafePath, name)
		}
	}
	return nil
}

// replace clears target so a file or link can take its place.
func replace(target string) error {
	fi, err := os.Lstat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

// Package importer commits Flatpak OCI images from an image layout into an
// OSTree repository.
package importer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/joelanford/flatpak-oci/internal/gvariant"
	"github.com/joelanford/flatpak-oci/internal/layer"
	"github.com/joelanford/flatpak-oci/internal/oci"
	"github.com/joelanford/flatpak-oci/internal/ostree"
)

const (
	LabelRef            = "org.flatpak.ref"
	LabelParentCommit   = "org.flatpak.parent-commit"
	LabelTimestamp      = "org.flatpak.timestamp"
	LabelSubject        = "org.flatpak.subject"
	LabelBody           = "org.flatpak.body"
	LabelCommitMetadata = "org.flatpak.commit-metadata."

	KeyAltID  = "xa.alt-id"
	KeyDiffID = "xa.diff-id"
)

var ErrMissingLabel = errors.New("missing image label")

// ImageMetadata is what an image config carries about the commit it came from.
type ImageMetadata struct {
	Ref       string
	Parent    string
	Subject   string
	Body      string
	Timestamp int64
	// Metadata values are in GVariant text format.
	Metadata map[string]string
}

// ParseImageMetadata reads the commit description out of the labels of img,
// the config of the manifest with digest manifestDigest.
func ParseImageMetadata(manifestDigest digest.Digest, img *v1.Image) (*ImageMetadata, error) {
	labels := img.Config.Labels
	required := func(key string) (string, error) {
		v, ok := labels[key]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingLabel, key)
		}
		return v, nil
	}

	md := &ImageMetadata{Parent: labels[LabelParentCommit], Metadata: map[string]string{}}
	var err error
	if md.Ref, err = required(LabelRef); err != nil {
		return nil, err
	}
	ts, err := required(LabelTimestamp)
	if err != nil {
		return nil, err
	}
	if md.Timestamp, err = strconv.ParseInt(ts, 10, 64); err != nil {
		return nil, fmt.Errorf("label %s: %w", LabelTimestamp, err)
	}
	if md.Subject, err = required(LabelSubject); err != nil {
		return nil, err
	}
	if md.Body, err = required(LabelBody); err != nil {
		return nil, err
	}

	for k, v := range labels {
		if !strings.HasPrefix(k, LabelCommitMetadata) {
			continue
		}
		key := strings.TrimPrefix(k, LabelCommitMetadata)
		raw, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", k, err)
		}
		val, err := gvariant.Unmarshal("v", raw)
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", k, err)
		}
		inner := val.(gvariant.Variant)
		text, err := gvariant.Print(inner.Type, inner.Value)
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", k, err)
		}
		md.Metadata[key] = text
	}

	if md.Metadata[KeyAltID], err = gvariant.Print("s", manifestDigest.Encoded()); err != nil {
		return nil, err
	}
	diffIDs := img.RootFS.DiffIDs
	if len(diffIDs) == 0 {
		return nil, fmt.Errorf("image %s has no diff ids", manifestDigest)
	}
	if md.Metadata[KeyDiffID], err = gvariant.Print("s", diffIDs[len(diffIDs)-1].Encoded()); err != nil {
		return nil, err
	}
	return md, nil
}

// Repo is the part of an OSTree repository the importer writes to.
type Repo interface {
	Init(ctx context.Context, mode string) error
	Refs(ctx context.Context) ([]string, error)
	RevParse(ctx context.Context, ref string) (string, error)
	MetadataKey(ctx context.Context, commit, key string) (string, error)
	Commit(ctx context.Context, opts ostree.CommitOptions) (string, error)
	UpdateSummary(ctx context.Context) error
}

var _ Repo = &ostree.Repo{}

type Importer struct {
	Layout    *oci.Layout
	Repo      Repo
	Extractor *layer.Extractor
	// TmpDir holds the unpacked trees while they are committed.
	TmpDir    string
	Mode      string
	NoSummary bool
	Log       logr.Logger
}

func New(layout *oci.Layout, repo Repo) *Importer {
	return &Importer{
		Layout:    layout,
		Repo:      repo,
		Extractor: layer.NewExtractor(),
		TmpDir:    "/var/tmp",
		Mode:      ostree.ModeArchive,
		Log:       logr.Discard(),
	}
}

// Existing maps the manifest digest each commit in the repository was
// imported from to the commit.
func (i *Importer) Existing(ctx context.Context) (map[digest.Digest]string, error) {
	refs, err := i.Repo.Refs(ctx)
	if err != nil {
		return nil, err
	}
	existing := map[digest.Digest]string{}
	for _, ref := range refs {
		commit, err := i.Repo.RevParse(ctx, ref)
		if err != nil {
			return nil, err
		}
		text, err := i.Repo.MetadataKey(ctx, commit, KeyAltID)
		if errors.Is(err, ostree.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		altID, err := gvariant.ParseString(text)
		if err != nil {
			i.Log.Info("ignoring unreadable alt id", "ref", ref, "commit", commit, "value", text)
			continue
		}
		existing[digest.NewDigestFromEncoded(digest.SHA256, altID)] = commit
	}
	return existing, nil
}

// Import commits the image with manifest digest d and returns the new commit.
func (i *Importer) Import(ctx context.Context, d digest.Digest) (string, error) {
	manifest, err := i.Layout.Manifest(d)
	if err != nil {
		return "", fmt.Errorf("read manifest %s: %w", d, err)
	}
	img, err := i.Layout.Config(manifest.Config)
	if err != nil {
		return "", fmt.Errorf("read config of %s: %w", d, err)
	}
	md, err := ParseImageMetadata(d, img)
	if err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp(i.TmpDir, "flatpak-import-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)
	root := filepath.Join(tmp, "root")
	if err := os.Mkdir(root, 0o755); err != nil {
		return "", err
	}

	for _, desc := range manifest.Layers {
		i.Log.V(1).Info("extracting layer", "digest", desc.Digest.String(), "size", desc.Size)
		if err := i.extractLayer(ctx, desc.Digest, root); err != nil {
			return "", fmt.Errorf("layer %s: %w", desc.Digest, err)
		}
	}

	rev, err := i.Repo.Commit(ctx, ostree.CommitOptions{
		Branch:    md.Ref,
		Parent:    md.Parent,
		Subject:   md.Subject,
		Body:      md.Body,
		Timestamp: &md.Timestamp,
		Tree:      root,
		Metadata:  md.Metadata,
	})
	if err != nil {
		return "", err
	}
	i.Log.Info("committing", "commit", rev, "ref", md.Ref)
	return rev, nil
}

func (i *Importer) extractLayer(ctx context.Context, d digest.Digest, root string) error {
	rc, err := i.Layout.Open(d)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := i.Extractor.Extract(ctx, rc, root); err != nil {
		return err
	}
	// Padding after the tar trailer still counts towards the digest.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Run imports every image not yet in the repository, then updates its
// summary.
func (i *Importer) Run(ctx context.Context, images []string) error {
	if err := i.Repo.Init(ctx, i.Mode); err != nil {
		return err
	}
	existing, err := i.Existing(ctx)
	if err != nil {
		return err
	}

	for _, img := range images {
		d, err := digest.Parse(img)
		if err != nil {
			return fmt.Errorf("image %q: %w", img, err)
		}
		if commit, ok := existing[d]; ok {
			i.Log.Info("found commit", "commit", commit, "image", img)
			continue
		}
		i.Log.Info("importing", "image", img)
		rev, err := i.Import(ctx, d)
		if err != nil {
			return fmt.Errorf("import %s: %w", img, err)
		}
		existing[d] = rev
	}

	if i.NoSummary {
		return nil
	}
	return i.Repo.UpdateSummary(ctx)
}

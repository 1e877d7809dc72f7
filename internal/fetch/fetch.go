// Package fetch copies the OCI packages of a dependency solve into a local
// image layout.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/joelanford/flatpak-oci/api"
	"github.com/joelanford/flatpak-oci/internal/oci"
	"github.com/joelanford/flatpak-oci/internal/util"
)

// AnnotationRef carries the flatpak ref of a manifest in the layout index.
const AnnotationRef = "org.flatpak.ref"

var ErrMissingManifest = errors.New("manifest not in layout after copy")

type Fetcher struct {
	Layout          *oci.Layout
	Skopeo          string
	PreserveDigests bool
	Runner          util.Runner
	Log             logr.Logger
}

func New(layout *oci.Layout) *Fetcher {
	return &Fetcher{
		Layout:          layout,
		Skopeo:          "skopeo",
		PreserveDigests: true,
		Runner:          util.ExecRunner{},
		Log:             logr.Discard(),
	}
}

// Fetch copies every oci package into the layout and returns the manifest
// digests in commit order. Manifests already in the layout are not copied
// again.
func (f *Fetcher) Fetch(ctx context.Context, pkgs api.Packages) ([]digest.Digest, error) {
	var digests []digest.Digest
	for _, commit := range pkgs.Commits() {
		pkg := pkgs[commit]
		if pkg.Transport != api.TransportOCI {
			f.Log.Info("skipping package", "ref", pkg.Ref, "transport", pkg.Transport)
			continue
		}
		d := digest.NewDigestFromEncoded(digest.SHA256, commit)
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("commit of %s: %w", pkg.Ref, err)
		}
		if f.Layout.Has(d) {
			f.Log.Info("found manifest", "ref", pkg.Ref, "digest", d.String())
		} else {
			f.Log.Info("copying", "ref", pkg.Ref, "url", pkg.URL)
			if _, err := f.Runner.Run(ctx, f.copyCmd(pkg.URL)); err != nil {
				return nil, fmt.Errorf("copy %s: %w", pkg.Ref, err)
			}
			if !f.Layout.Has(d) {
				return nil, fmt.Errorf("%s: %w: %s", pkg.Ref, ErrMissingManifest, d)
			}
		}
		if err := f.record(pkg, d); err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, nil
}

// record adds the manifest d of pkg to the layout index, annotated with the
// flatpak ref.
func (f *Fetcher) record(pkg api.Package, d digest.Digest) error {
	manifest, err := f.Layout.Manifest(d)
	if err != nil {
		return fmt.Errorf("read manifest of %s: %w", pkg.Ref, err)
	}
	mediaType := manifest.MediaType
	if mediaType == "" {
		mediaType = v1.MediaTypeImageManifest
	}
	desc, err := f.Layout.Descriptor(d, mediaType)
	if err != nil {
		return err
	}
	desc.Annotations = map[string]string{AnnotationRef: pkg.Ref}
	return f.Layout.AddToIndex(desc)
}

func (f *Fetcher) copyCmd(url string) util.Cmd {
	args := []string{"copy"}
	if f.PreserveDigests {
		args = append(args, "--preserve-digests")
	}
	src := url
	if strings.HasPrefix(src, "http://") {
		args = append(args, "--src-tls-verify=false")
	}
	src = strings.TrimPrefix(strings.TrimPrefix(src, "http://"), "https://")
	args = append(args, "docker://"+src, "oci:"+f.Layout.Root)
	return util.Cmd{Name: f.Skopeo, Args: args}
}

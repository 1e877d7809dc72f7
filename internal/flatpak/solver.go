package flatpak

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/joelanford/flatpak-oci/api"
)

const conditionActiveGLDriver = "active-gl-driver"

var ErrNoRepo = errors.New("solver has no remote repository")

// DefaultArch is the flatpak name of the architecture we are running on.
func DefaultArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}

// Solver computes the refs an installation of a set of flatpaks would pull
// from a single remote.
type Solver struct {
	Source Source
	// Remote is the name the remote was added under.
	Remote string
	Repo   *RepoFile
	// Arch completes refs given without an architecture.
	Arch string
	// GLDrivers satisfy the active-gl-driver download condition.
	GLDrivers []string
	Log       logr.Logger
}

func NewSolver(src Source, remote string, repo *RepoFile) *Solver {
	return &Solver{
		Source:    src,
		Remote:    remote,
		Repo:      repo,
		Arch:      DefaultArch(),
		GLDrivers: []string{"default"},
		Log:       logr.Discard(),
	}
}

// Solve resolves refs, which may be partial, and returns the packages for
// every ref to install keyed by commit.
func (s *Solver) Solve(ctx context.Context, refs []string) (api.Packages, error) {
	if s.Repo == nil {
		return nil, ErrNoRepo
	}
	available, err := s.Source.RemoteRefs(ctx, s.Remote)
	if err != nil {
		return nil, err
	}

	var errs []error
	var requested []api.Ref
	for _, r := range refs {
		ref, err := s.expand(r, available)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		requested = append(requested, ref)
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}

	ops, err := s.operations(ctx, requested, available)
	if err != nil {
		return nil, err
	}
	return s.packages(ctx, ops)
}

// expand turns a possibly partial ref into a full ref offered by the remote.
func (s *Solver) expand(in string, available []api.Ref) (api.Ref, error) {
	want, err := api.ParsePartialRef(in)
	if err != nil {
		return api.Ref{}, err
	}
	if want.Arch == "" {
		want.Arch = s.Arch
	}

	var candidates []api.Ref
	for _, ref := range available {
		if want.Matches(ref) {
			candidates = append(candidates, ref)
		}
	}
	if len(candidates) == 0 {
		return api.Ref{}, fmt.Errorf("%s in remote %q: %w", in, s.Remote, ErrNotFound)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return preferRef(candidates[i], candidates[j], s.Repo.DefaultBranch)
	})
	if len(candidates) > 1 {
		s.Log.Info("picked ref for partial ref", "ref", in, "picked", candidates[0].String(), "candidates", len(candidates))
	}
	return candidates[0], nil
}

// preferRef orders apps before runtimes, then the default branch, then
// "stable", then branches by descending version.
func preferRef(a, b api.Ref, defaultBranch string) bool {
	if a.Kind != b.Kind {
		return a.Kind == api.KindApp
	}
	for _, branch := range []string{defaultBranch, "stable"} {
		if branch == "" {
			continue
		}
		if (a.Branch == branch) != (b.Branch == branch) {
			return a.Branch == branch
		}
	}
	av, aerr := semver.ParseTolerant(a.Branch)
	bv, berr := semver.ParseTolerant(b.Branch)
	switch {
	case aerr == nil && berr == nil:
		return av.GT(bv)
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a.Branch > b.Branch
}

type installed struct {
	ref api.Ref
	md  *Metadata
}

// operations lists requested refs, their runtimes and the related refs of
// both, without duplicates, in install order.
func (s *Solver) operations(ctx context.Context, requested, available []api.Ref) ([]api.Ref, error) {
	var ops []api.Ref
	seen := sets.NewString()
	add := func(ref api.Ref) bool {
		if seen.Has(ref.String()) {
			return false
		}
		seen.Insert(ref.String())
		ops = append(ops, ref)
		return true
	}
	offered := sets.NewString()
	for _, ref := range available {
		offered.Insert(ref.String())
	}

	expanded := sets.NewString()
	for _, ref := range requested {
		if expanded.Has(ref.String()) {
			continue
		}
		expanded.Insert(ref.String())
		add(ref)
		md, err := s.Source.Metadata(ctx, s.Remote, ref)
		if err != nil {
			return nil, err
		}

		s.Log.Info("resolving", "ref", ref.String())
		parents := []installed{{ref, md}}

		// Only apps pull their runtime; runtime= of a runtime, such as an
		// SDK naming its platform, is not a dependency.
		if md.Kind == api.KindApp && md.Runtime != "" {
			rt, err := api.ParseRef(api.KindRuntime + "/" + md.Runtime)
			if err != nil {
				return nil, fmt.Errorf("runtime of %s: %w", ref, err)
			}
			if !offered.Has(rt.String()) {
				return nil, fmt.Errorf("runtime %s required by %s: %w", rt, ref, ErrNotFound)
			}
			add(rt)
			if !expanded.Has(rt.String()) {
				expanded.Insert(rt.String())
				rtmd, err := s.Source.Metadata(ctx, s.Remote, rt)
				if err != nil {
					return nil, err
				}
				parents = append(parents, installed{rt, rtmd})
			}
		}

		for _, p := range parents {
			for _, rel := range s.related(p.ref, p.md, available) {
				if add(rel) {
					s.Log.V(1).Info("adding related ref", "ref", rel.String(), "for", p.ref.String())
				}
			}
		}
	}
	return ops, nil
}

// related returns the extension refs of parent that are downloaded along
// with it.
func (s *Solver) related(parent api.Ref, md *Metadata, available []api.Ref) []api.Ref {
	var out []api.Ref
	for _, ext := range md.Extensions {
		branches := sets.NewString(ext.Branches(parent.Branch)...)
		for _, ref := range available {
			if ref.Kind != api.KindRuntime || ref.Arch != parent.Arch || !branches.Has(ref.Branch) {
				continue
			}
			if !ext.Matches(ref.ID) {
				continue
			}
			if !s.shouldDownload(ext, ref.ID) {
				continue
			}
			out = append(out, ref)
		}
	}
	return out
}

// shouldDownload applies no-autodownload, overridden by download-if when
// present. Every download-if condition must hold.
func (s *Solver) shouldDownload(ext Extension, id string) bool {
	if len(ext.DownloadIf) == 0 {
		return !ext.NoAutodownload
	}
	for _, cond := range ext.DownloadIf {
		if !s.conditionHolds(cond, id) {
			return false
		}
	}
	return true
}

func (s *Solver) conditionHolds(cond, id string) bool {
	switch cond {
	case conditionActiveGLDriver:
		for _, driver := range s.GLDrivers {
			if strings.HasSuffix(id, "."+driver) {
				return true
			}
		}
		return false
	default:
		// have-intel-gpu, on-xdg-desktop-*, have-kernel-module-* describe the
		// target machine, which we do not know.
		return false
	}
}

func (s *Solver) packages(ctx context.Context, ops []api.Ref) (api.Packages, error) {
	var ociMetadata map[string]map[string]any
	if s.Repo.IsOCI() {
		var err error
		if ociMetadata, err = s.Source.OCIMetadata(ctx, s.Remote); err != nil {
			return nil, err
		}
	}

	pkgs := api.Packages{}
	for _, ref := range ops {
		commit, err := s.Source.Commit(ctx, s.Remote, ref)
		if err != nil {
			return nil, err
		}

		pkg := api.Package{Ref: ref.String(), Remote: s.Repo.URL}
		if s.Repo.IsOCI() {
			repo, ok := ociMetadata[ref.String()][keyOCIRepository].(string)
			if !ok {
				return nil, fmt.Errorf("%s of %s: %w", keyOCIRepository, ref, ErrNotFound)
			}
			pkg.Transport = api.TransportOCI
			pkg.Repo = repo
			pkg.URL = fmt.Sprintf("%s/%s@sha256:%s", s.Repo.RegistryURL(), repo, commit)
		} else {
			pkg.Transport = api.TransportOSTree
			pkg.URL = s.Repo.URL
		}
		s.Log.Info("solved", "ref", pkg.Ref, "commit", commit)
		pkgs[commit] = pkg
	}
	return pkgs, nil
}

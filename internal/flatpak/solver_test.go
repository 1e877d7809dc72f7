package flatpak

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelanford/flatpak-oci/api"
)

type fakeSource struct {
	refs     []string
	metadata map[string]string
	oci      map[string]map[string]any
}

func (f *fakeSource) RemoteRefs(_ context.Context, _ string) ([]api.Ref, error) {
	var out []api.Ref
	for _, r := range f.refs {
		ref, err := api.ParseRef(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func (f *fakeSource) Commit(_ context.Context, _ string, ref api.Ref) (string, error) {
	return fmt.Sprintf("%x", ref.String()), nil
}

func (f *fakeSource) Metadata(_ context.Context, _ string, ref api.Ref) (*Metadata, error) {
	data, ok := f.metadata[ref.String()]
	if !ok {
		data = fmt.Sprintf("[Runtime]\nname=%s\n", ref.ID)
	}
	return ParseMetadata([]byte(data))
}

func (f *fakeSource) OCIMetadata(_ context.Context, _ string) (map[string]map[string]any, error) {
	return f.oci, nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		refs: []string{
			"app/org.example.App/x86_64/stable",
			"app/org.example.App/x86_64/beta",
			"app/org.example.App/aarch64/stable",
			"runtime/org.example.Platform/x86_64/23.08",
			"runtime/org.example.Platform/x86_64/22.08",
			"runtime/org.example.Platform.Locale/x86_64/23.08",
			"runtime/org.example.Platform.GL.default/x86_64/23.08",
			"runtime/org.example.Platform.GL.default/x86_64/1.4",
			"runtime/org.example.Platform.GL.nvidia-550/x86_64/1.4",
			"runtime/org.example.Platform.VAAPI.Intel/x86_64/23.08",
			"runtime/org.example.App.Locale/x86_64/stable",
			"runtime/org.example.App.Debug/x86_64/stable",
			"runtime/org.example.Sdk/x86_64/23.08",
			"runtime/org.example.Sdk.Locale/x86_64/23.08",
		},
		metadata: map[string]string{
			"app/org.example.App/x86_64/stable":         appMetadata,
			"runtime/org.example.Platform/x86_64/23.08": runtimeMetadata,
		},
	}
}

func refsOf(pkgs api.Packages) []string {
	var out []string
	for _, c := range pkgs.Commits() {
		out = append(out, pkgs[c].Ref)
	}
	return out
}

func TestSolveOSTreeRemote(t *testing.T) {
	src := newFakeSource()
	repo := &RepoFile{URL: "https://dl.example.org/repo/"}
	s := NewSolver(src, "flatpak", repo)
	s.Arch = "x86_64"

	pkgs, err := s.Solve(context.Background(), []string{"app/org.example.App/x86_64/stable"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"app/org.example.App/x86_64/stable",
		"runtime/org.example.App.Locale/x86_64/stable",
		"runtime/org.example.Platform/x86_64/23.08",
		"runtime/org.example.Platform.GL.default/x86_64/23.08",
		"runtime/org.example.Platform.GL.default/x86_64/1.4",
		"runtime/org.example.Platform.Locale/x86_64/23.08",
	}, refsOf(pkgs))

	commit := fmt.Sprintf("%x", "app/org.example.App/x86_64/stable")
	assert.Equal(t, api.Package{
		Ref:       "app/org.example.App/x86_64/stable",
		Remote:    "https://dl.example.org/repo/",
		Transport: api.TransportOSTree,
		URL:       "https://dl.example.org/repo/",
	}, pkgs[commit])
}

func TestSolveOCIRemote(t *testing.T) {
	src := newFakeSource()
	src.oci = map[string]map[string]any{}
	for _, r := range src.refs {
		src.oci[r] = map[string]any{keyOCIRepository: "example/" + r}
	}
	repo, err := ParseRepoFile([]byte(ociRepoFile))
	require.NoError(t, err)
	s := NewSolver(src, "flatpak", repo)
	s.Arch = "x86_64"

	pkgs, err := s.Solve(context.Background(), []string{"runtime/org.example.Sdk/x86_64/23.08"})
	require.NoError(t, err)
	require.Len(t, pkgs, 1)

	commit := fmt.Sprintf("%x", "runtime/org.example.Sdk/x86_64/23.08")
	assert.Equal(t, api.Package{
		Ref:       "runtime/org.example.Sdk/x86_64/23.08",
		Remote:    "oci+https://registry.example.org/",
		Transport: api.TransportOCI,
		Repo:      "example/runtime/org.example.Sdk/x86_64/23.08",
		URL:       "https://registry.example.org/example/runtime/org.example.Sdk/x86_64/23.08@sha256:" + commit,
	}, pkgs[commit])

	delete(src.oci, "runtime/org.example.Sdk/x86_64/23.08")
	_, err = s.Solve(context.Background(), []string{"runtime/org.example.Sdk/x86_64/23.08"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSolveGLDrivers(t *testing.T) {
	src := newFakeSource()
	s := NewSolver(src, "flatpak", &RepoFile{URL: "https://dl.example.org/repo/"})
	s.Arch = "x86_64"
	s.GLDrivers = []string{"nvidia-550"}

	pkgs, err := s.Solve(context.Background(), []string{"runtime/org.example.Platform/x86_64/23.08"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"runtime/org.example.Platform/x86_64/23.08",
		"runtime/org.example.Platform.GL.nvidia-550/x86_64/1.4",
		"runtime/org.example.Platform.Locale/x86_64/23.08",
	}, refsOf(pkgs))
}

func TestSolveRuntimeDoesNotPullItsRuntime(t *testing.T) {
	src := newFakeSource()
	src.metadata["runtime/org.example.Sdk/x86_64/23.08"] = `[Runtime]
name=org.example.Sdk
runtime=org.example.Platform/x86_64/23.08
sdk=org.example.Sdk/x86_64/23.08

[Extension org.example.Sdk.Locale]
directory=share/runtime/locale
autodelete=true
locale-subset=true
`
	s := NewSolver(src, "flatpak", &RepoFile{URL: "https://dl.example.org/repo/"})
	s.Arch = "x86_64"

	pkgs, err := s.Solve(context.Background(), []string{"runtime/org.example.Sdk/x86_64/23.08"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"runtime/org.example.Sdk/x86_64/23.08",
		"runtime/org.example.Sdk.Locale/x86_64/23.08",
	}, refsOf(pkgs))
}

func TestSolvePartialRefs(t *testing.T) {
	src := newFakeSource()
	s := NewSolver(src, "flatpak", &RepoFile{URL: "https://dl.example.org/repo/"})
	s.Arch = "x86_64"

	ref, err := s.expand("org.example.App", mustRefs(t, src))
	require.NoError(t, err)
	assert.Equal(t, "app/org.example.App/x86_64/stable", ref.String())

	ref, err = s.expand("org.example.Platform", mustRefs(t, src))
	require.NoError(t, err)
	assert.Equal(t, "runtime/org.example.Platform/x86_64/23.08", ref.String())

	s.Repo.DefaultBranch = "beta"
	ref, err = s.expand("org.example.App", mustRefs(t, src))
	require.NoError(t, err)
	assert.Equal(t, "app/org.example.App/x86_64/beta", ref.String())

	ref, err = s.expand("org.example.App/aarch64", mustRefs(t, src))
	require.NoError(t, err)
	assert.Equal(t, "app/org.example.App/aarch64/stable", ref.String())
}

func TestSolveErrors(t *testing.T) {
	src := newFakeSource()
	s := NewSolver(src, "flatpak", &RepoFile{URL: "https://dl.example.org/repo/"})
	s.Arch = "x86_64"

	_, err := NewSolver(src, "flatpak", nil).Solve(context.Background(), []string{"org.example.App"})
	assert.ErrorIs(t, err, ErrNoRepo)

	_, err = s.Solve(context.Background(), []string{"org.example.Missing", "org.example.Gone"})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "org.example.Missing")
	assert.Contains(t, err.Error(), "org.example.Gone")

	src.metadata["app/org.example.App/x86_64/beta"] = "[Application]\nname=org.example.App\nruntime=org.example.Platform/x86_64/99\n"
	_, err = s.Solve(context.Background(), []string{"app/org.example.App/x86_64/beta"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func mustRefs(t *testing.T, src *fakeSource) []api.Ref {
	t.Helper()
	refs, err := src.RemoteRefs(context.Background(), "flatpak")
	require.NoError(t, err)
	return refs
}

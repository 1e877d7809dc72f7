package flatpak

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelanford/flatpak-oci/api"
	"github.com/joelanford/flatpak-oci/internal/gvariant"
	"github.com/joelanford/flatpak-oci/internal/util"
	"github.com/joelanford/flatpak-oci/internal/util/utiltest"
)

func TestInstallationCommands(t *testing.T) {
	dir := t.TempDir()
	runner := &utiltest.FakeRunner{Handler: func(cmd util.Cmd, _ []byte) ([]byte, error) {
		switch strings.Join(cmd.Args[:2], " ") + " " + cmd.Args[2] {
		case "remote-ls --user --app":
			return []byte("org.example.App/x86_64/stable\nnot-a-ref\n"), nil
		case "remote-ls --user --runtime":
			return []byte("runtime/org.example.Platform/x86_64/23.08\n\n"), nil
		case "remote-info --user --show-commit":
			return []byte("0123abcd\n"), nil
		case "remote-info --user --show-metadata":
			return []byte(appMetadata), nil
		}
		return nil, nil
	}}
	inst := NewInstallation(dir)
	inst.Runner = runner
	ctx := context.Background()

	require.NoError(t, inst.AddRemote(ctx, "flatpak", "/tmp/example.flatpakrepo"))

	refs, err := inst.RemoteRefs(ctx, "flatpak")
	require.NoError(t, err)
	assert.Equal(t, []api.Ref{
		{Kind: "app", ID: "org.example.App", Arch: "x86_64", Branch: "stable"},
		{Kind: "runtime", ID: "org.example.Platform", Arch: "x86_64", Branch: "23.08"},
	}, refs)

	ref := refs[0]
	for i := 0; i < 2; i++ {
		commit, err := inst.Commit(ctx, "flatpak", ref)
		require.NoError(t, err)
		assert.Equal(t, "0123abcd", commit)
	}
	md, err := inst.Metadata(ctx, "flatpak", ref)
	require.NoError(t, err)
	assert.Equal(t, "org.example.Platform/x86_64/23.08", md.Runtime)

	cmds := runner.Cmds()
	require.Len(t, cmds, 5)
	assert.Equal(t, []string{"remote-add", "--user", "--if-not-exists", "--from", "flatpak", "/tmp/example.flatpakrepo"}, cmds[0].Args)
	assert.Equal(t, []string{"remote-info", "--user", "--show-commit", "flatpak", "app/org.example.App/x86_64/stable"}, cmds[3].Args)
	for _, cmd := range cmds {
		assert.Equal(t, "flatpak", cmd.Name)
		assert.Equal(t, []string{"FLATPAK_USER_DIR=" + dir}, cmd.Env)
	}
}

func TestInstallationOCIMetadata(t *testing.T) {
	dir := t.TempDir()
	summary := []any{
		[]any{
			[]any{"app/org.example.App/x86_64/stable", []any{
				uint64(0),
				make([]byte, 32),
				[]any{
					gvariant.DictEntry{Key: "xa.oci-repository", Value: gvariant.Variant{Type: "s", Value: "example/app"}},
					gvariant.DictEntry{Key: "xa.installed-size", Value: gvariant.Variant{Type: "t", Value: uint64(1024)}},
				},
			}},
		},
		[]any{},
	}
	data, err := gvariant.Marshal(summarySignature, summary)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "oci"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "oci", "flatpak.summary"), data, 0o644))

	inst := NewInstallation(dir)
	md, err := inst.OCIMetadata(context.Background(), "flatpak")
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]any{
		"app/org.example.App/x86_64/stable": {
			"xa.oci-repository": "example/app",
			"xa.installed-size": uint64(1024),
		},
	}, md)

	_, err = inst.OCIMetadata(context.Background(), "missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

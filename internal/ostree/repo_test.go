package ostree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelanford/flatpak-oci/internal/util"
	"github.com/joelanford/flatpak-oci/internal/util/utiltest"
)

func TestRepoCommands(t *testing.T) {
	dir := t.TempDir()
	runner := &utiltest.FakeRunner{Handler: func(cmd util.Cmd, _ []byte) ([]byte, error) {
		switch cmd.Args[0] {
		case "refs":
			return []byte("runtime/b/x86_64/1\napp/a/x86_64/stable\n\n"), nil
		case "rev-parse":
			return []byte("c0ffee\n"), nil
		case "show":
			if cmd.Args[3] == "nometa" {
				return nil, &util.CommandError{Cmd: cmd.String(), ExitCode: 1, Stderr: "error: No such metadata key 'xa.alt-id'"}
			}
			if cmd.Args[3] == "broken" {
				return nil, &util.CommandError{Cmd: cmd.String(), ExitCode: 1, Stderr: "error: corrupt"}
			}
			return []byte("'abc'\n"), nil
		case "commit":
			return []byte("deadbeef\n"), nil
		}
		return nil, nil
	}}
	repo := NewRepo(dir)
	repo.Runner = runner
	ctx := context.Background()

	require.NoError(t, repo.Init(ctx, ModeArchive))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte("[core]\n"), 0o644))
	require.NoError(t, repo.Init(ctx, ModeArchive))

	refs, err := repo.Refs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app/a/x86_64/stable", "runtime/b/x86_64/1"}, refs)

	rev, err := repo.RevParse(ctx, refs[0])
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", rev)

	v, err := repo.MetadataKey(ctx, "c0ffee", "xa.alt-id")
	require.NoError(t, err)
	assert.Equal(t, "'abc'", v)
	_, err = repo.MetadataKey(ctx, "nometa", "xa.alt-id")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.MetadataKey(ctx, "broken", "xa.alt-id")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	ts := int64(1700000000)
	rev, err = repo.Commit(ctx, CommitOptions{
		Branch:    "app/a/x86_64/stable",
		Parent:    "c0ffee",
		Subject:   "Export a",
		Body:      "Build of a",
		Timestamp: &ts,
		Tree:      "/var/tmp/root",
		Metadata:  map[string]string{"xa.alt-id": "@s 'abc'", "xa.diff-id": "@s 'def'"},
	})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", rev)

	require.NoError(t, repo.UpdateSummary(ctx))

	cmds := runner.Cmds()
	require.Len(t, cmds, 8)
	assert.Equal(t, []string{"init", "--repo=" + dir, "--mode=archive-z2"}, cmds[0].Args)
	assert.Equal(t, []string{
		"commit", "--repo=" + dir,
		"--branch=app/a/x86_64/stable",
		"--tree=dir=/var/tmp/root",
		"--subject=Export a",
		"--body=Build of a",
		"--parent=c0ffee",
		"--timestamp=@1700000000",
		"--add-metadata=xa.alt-id=@s 'abc'",
		"--add-metadata=xa.diff-id=@s 'def'",
	}, cmds[6].Args)
	assert.Equal(t, []string{"summary", "--repo=" + dir, "-u"}, cmds[7].Args)

	_, err = repo.Commit(ctx, CommitOptions{Branch: "x"})
	assert.Error(t, err)
}

func TestCommitWithoutParent(t *testing.T) {
	runner := &utiltest.FakeRunner{Handler: func(util.Cmd, []byte) ([]byte, error) {
		return []byte("deadbeef\n"), nil
	}}
	repo := NewRepo("/repo")
	repo.Runner = runner
	ctx := context.Background()

	epoch := int64(0)
	_, err := repo.Commit(ctx, CommitOptions{Branch: "app/a.b.c/x86_64/stable", Tree: "/t", Timestamp: &epoch})
	require.NoError(t, err)
	_, err = repo.Commit(ctx, CommitOptions{Branch: "app/a.b.c/x86_64/stable", Tree: "/t"})
	require.NoError(t, err)

	cmds := runner.Cmds()
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{
		"commit", "--repo=/repo",
		"--branch=app/a.b.c/x86_64/stable",
		"--tree=dir=/t",
		"--subject=",
		"--body=",
		"--parent=none",
		"--timestamp=@0",
	}, cmds[0].Args)
	assert.Contains(t, cmds[1].Args, "--parent=none")
	for _, arg := range cmds[1].Args {
		assert.NotContains(t, arg, "--timestamp")
	}
}

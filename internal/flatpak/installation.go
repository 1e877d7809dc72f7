package flatpak

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/joelanford/flatpak-oci/api"
	"github.com/joelanford/flatpak-oci/internal/gvariant"
	"github.com/joelanford/flatpak-oci/internal/util"
)

// summarySignature is the GVariant type of an OSTree summary file.
const summarySignature = "(a(s(taya{sv}))a{sv})"

var ErrNotFound = errors.New("not found")

// Source answers the questions the solver asks about a remote.
type Source interface {
	RemoteRefs(ctx context.Context, remote string) ([]api.Ref, error)
	Commit(ctx context.Context, remote string, ref api.Ref) (string, error)
	Metadata(ctx context.Context, remote string, ref api.Ref) (*Metadata, error)
	OCIMetadata(ctx context.Context, remote string) (map[string]map[string]any, error)
}

// Installation is a private flatpak user installation rooted at Path, driven
// through the flatpak command line.
type Installation struct {
	Path    string
	Flatpak string
	Runner  util.Runner
	Log     logr.Logger

	refs     util.SyncMap[string, []api.Ref]
	commits  util.SyncMap[string, string]
	metadata util.SyncMap[string, *Metadata]
}

var _ Source = &Installation{}

func NewInstallation(path string) *Installation {
	return &Installation{
		Path:     path,
		Flatpak:  "flatpak",
		Runner:   util.ExecRunner{},
		Log:      logr.Discard(),
		refs:     util.NewSyncMap[string, []api.Ref](),
		commits:  util.NewSyncMap[string, string](),
		metadata: util.NewSyncMap[string, *Metadata](),
	}
}

func (i *Installation) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := util.Cmd{
		Name: i.Flatpak,
		Args: append([]string{args[0], "--user"}, args[1:]...),
		Env:  []string{"FLATPAK_USER_DIR=" + i.Path},
	}
	i.Log.V(1).Info("running", "cmd", cmd.String())
	return i.Runner.Run(ctx, cmd)
}

// AddRemote configures remote name from a .flatpakrepo file.
func (i *Installation) AddRemote(ctx context.Context, name, repoFile string) error {
	if _, err := i.run(ctx, "remote-add", "--if-not-exists", "--from", name, repoFile); err != nil {
		return fmt.Errorf("add remote %q: %w", name, err)
	}
	return nil
}

// RemoteRefs lists every app and runtime ref the remote offers.
func (i *Installation) RemoteRefs(ctx context.Context, remote string) ([]api.Ref, error) {
	return i.refs.GetOrLoad(remote, func() ([]api.Ref, error) {
		var refs []api.Ref
		for _, kind := range []string{api.KindApp, api.KindRuntime} {
			out, err := i.run(ctx, "remote-ls", "--"+kind, "--all", "--columns=ref", remote)
			if err != nil {
				return nil, fmt.Errorf("list %ss of %q: %w", kind, remote, err)
			}
			for _, line := range strings.Split(string(out), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if !strings.HasPrefix(line, kind+"/") {
					line = kind + "/" + line
				}
				ref, err := api.ParseRef(line)
				if err != nil {
					i.Log.V(1).Info("ignoring remote-ls line", "line", line, "error", err.Error())
					continue
				}
				refs = append(refs, ref)
			}
		}
		return refs, nil
	})
}

func (i *Installation) Commit(ctx context.Context, remote string, ref api.Ref) (string, error) {
	return i.commits.GetOrLoad(remote+"\x00"+ref.String(), func() (string, error) {
		out, err := i.run(ctx, "remote-info", "--show-commit", remote, ref.String())
		if err != nil {
			return "", fmt.Errorf("commit of %s: %w", ref, err)
		}
		commit := strings.TrimSpace(string(out))
		if commit == "" {
			return "", fmt.Errorf("commit of %s: %w", ref, ErrNotFound)
		}
		return commit, nil
	})
}

func (i *Installation) Metadata(ctx context.Context, remote string, ref api.Ref) (*Metadata, error) {
	return i.metadata.GetOrLoad(remote+"\x00"+ref.String(), func() (*Metadata, error) {
		out, err := i.run(ctx, "remote-info", "--show-metadata", remote, ref.String())
		if err != nil {
			return nil, fmt.Errorf("metadata of %s: %w", ref, err)
		}
		md, err := ParseMetadata(out)
		if err != nil {
			return nil, fmt.Errorf("metadata of %s: %w", ref, err)
		}
		return md, nil
	})
}

// OCIMetadata reads the summary flatpak synthesizes for an OCI remote and
// returns the metadata of every ref in it.
func (i *Installation) OCIMetadata(_ context.Context, remote string) (map[string]map[string]any, error) {
	path := filepath.Join(i.Path, "oci", remote+".summary")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read summary of %q: %w", remote, err)
	}
	md, err := ParseSummary(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return md, nil
}

// ParseSummary decodes an OSTree summary and maps each ref to its metadata.
func ParseSummary(data []byte) (map[string]map[string]any, error) {
	v, err := gvariant.Unmarshal(summarySignature, data)
	if err != nil {
		return nil, err
	}
	refMap, ok := v.([]any)[0].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: summary ref map", gvariant.ErrInvalidValue)
	}

	out := make(map[string]map[string]any, len(refMap))
	for _, e := range refMap {
		entry := e.([]any)
		name := entry[0].(string)
		info := entry[1].([]any)
		md, err := gvariant.Dict(info[2])
		if err != nil {
			return nil, fmt.Errorf("metadata of %s: %w", name, err)
		}
		out[name] = md
	}
	return out, nil
}

// Package ostree drives an OSTree repository through the ostree command line.
package ostree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/joelanford/flatpak-oci/internal/util"
)

const (
	ModeArchive = "archive-z2"
	ModeBare    = "bare"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	Path   string
	Ostree string
	Runner util.Runner
	Log    logr.Logger
}

func NewRepo(path string) *Repo {
	return &Repo{
		Path:   path,
		Ostree: "ostree",
		Runner: util.ExecRunner{},
		Log:    logr.Discard(),
	}
}

func (r *Repo) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := util.Cmd{
		Name: r.Ostree,
		Args: append([]string{args[0], "--repo=" + r.Path}, args[1:]...),
	}
	r.Log.V(1).Info("running", "cmd", cmd.String())
	return r.Runner.Run(ctx, cmd)
}

// Init creates the repository unless it already exists.
func (r *Repo) Init(ctx context.Context, mode string) error {
	if _, err := os.Stat(filepath.Join(r.Path, "config")); err == nil {
		return nil
	}
	if _, err := r.run(ctx, "init", "--mode="+mode); err != nil {
		return fmt.Errorf("init repo %s: %w", r.Path, err)
	}
	return nil
}

// Refs lists the local refs, sorted.
func (r *Repo) Refs(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "refs")
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	var refs []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			refs = append(refs, line)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// MetadataKey returns the metadata value key of commit in GVariant text
// format, or ErrNotFound when the commit has no such key.
func (r *Repo) MetadataKey(ctx context.Context, commit, key string) (string, error) {
	out, err := r.run(ctx, "show", "--print-metadata-key="+key, commit)
	if err != nil {
		var cmdErr *util.CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "No such metadata key") {
			return "", fmt.Errorf("%s of %s: %w", key, commit, ErrNotFound)
		}
		return "", fmt.Errorf("%s of %s: %w", key, commit, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitOptions describe a commit of a directory tree.
type CommitOptions struct {
	Branch  string
	Parent  string
	Subject string
	Body    string
	// Timestamp is in seconds since the epoch; nil keeps the current time.
	Timestamp *int64
	Tree      string
	// Metadata values are in GVariant text format.
	Metadata map[string]string
}

// Commit writes opts.Tree as a new commit on opts.Branch and returns its
// checksum.
func (r *Repo) Commit(ctx context.Context, opts CommitOptions) (string, error) {
	if opts.Branch == "" || opts.Tree == "" {
		return "", errors.New("commit needs a branch and a tree")
	}
	args := []string{
		"commit",
		"--branch=" + opts.Branch,
		"--tree=dir=" + opts.Tree,
		"--subject=" + opts.Subject,
		"--body=" + opts.Body,
	}
	// Without --parent the current head of the branch becomes the parent.
	parent := opts.Parent
	if parent == "" {
		parent = "none"
	}
	args = append(args, "--parent="+parent)
	if opts.Timestamp != nil {
		args = append(args, "--timestamp=@"+strconv.FormatInt(*opts.Timestamp, 10))
	}
	keys := make([]string, 0, len(opts.Metadata))
	for k := range opts.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--add-metadata="+k+"="+opts.Metadata[k])
	}

	out, err := r.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", opts.Branch, err)
	}
	rev := strings.TrimSpace(string(out))
	if rev == "" {
		return "", fmt.Errorf("commit %s: no checksum in output", opts.Branch)
	}
	return rev, nil
}

// UpdateSummary regenerates the summary file.
func (r *Repo) UpdateSummary(ctx context.Context) error {
	if _, err := r.run(ctx, "summary", "-u"); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

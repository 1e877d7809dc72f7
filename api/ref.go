package api

import (
	"errors"
	"fmt"
	"strings"
)

const (
	KindApp     = "app"
	KindRuntime = "runtime"
)

var ErrInvalidRef = errors.New("invalid flatpak ref")

// Ref identifies a flatpak build: kind/id/arch/branch.
type Ref struct {
	Kind   string
	ID     string
	Arch   string
	Branch string
}

// ParseRef parses a fully qualified ref such as
// "app/org.gnome.Calculator/x86_64/stable".
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return Ref{}, fmt.Errorf("%w %q: expected kind/id/arch/branch", ErrInvalidRef, s)
	}
	ref := Ref{Kind: parts[0], ID: parts[1], Arch: parts[2], Branch: parts[3]}
	if err := ref.validate(); err != nil {
		return Ref{}, fmt.Errorf("%w %q: %v", ErrInvalidRef, s, err)
	}
	if ref.Arch == "" || ref.Branch == "" {
		return Ref{}, fmt.Errorf("%w %q: empty arch or branch", ErrInvalidRef, s)
	}
	return ref, nil
}

// ParsePartialRef accepts the shorthand forms understood by the flatpak CLI:
// "id", "id/arch", "id//branch", "id/arch/branch" and any of those prefixed by
// a kind. Missing components are left empty.
func ParsePartialRef(s string) (Ref, error) {
	parts := strings.Split(s, "/")
	var ref Ref
	if parts[0] == KindApp || parts[0] == KindRuntime {
		ref.Kind = parts[0]
		parts = parts[1:]
	}
	if len(parts) == 0 || len(parts) > 3 {
		return Ref{}, fmt.Errorf("%w %q", ErrInvalidRef, s)
	}
	ref.ID = parts[0]
	if len(parts) > 1 {
		ref.Arch = parts[1]
	}
	if len(parts) > 2 {
		ref.Branch = parts[2]
	}
	if err := ref.validate(); err != nil {
		return Ref{}, fmt.Errorf("%w %q: %v", ErrInvalidRef, s, err)
	}
	return ref, nil
}

func (r Ref) validate() error {
	if r.Kind != "" && r.Kind != KindApp && r.Kind != KindRuntime {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.ID == "" {
		return errors.New("empty id")
	}
	if strings.Count(r.ID, ".") < 2 {
		return fmt.Errorf("id %q must have at least three segments", r.ID)
	}
	return nil
}

// Complete reports whether every component of the ref is set.
func (r Ref) Complete() bool {
	return r.Kind != "" && r.ID != "" && r.Arch != "" && r.Branch != ""
}

// Matches reports whether full is compatible with the (possibly partial) ref r.
func (r Ref) Matches(full Ref) bool {
	return r.ID == full.ID &&
		(r.Kind == "" || r.Kind == full.Kind) &&
		(r.Arch == "" || r.Arch == full.Arch) &&
		(r.Branch == "" || r.Branch == full.Branch)
}

func (r Ref) String() string {
	return strings.Join([]string{r.Kind, r.ID, r.Arch, r.Branch}, "/")
}

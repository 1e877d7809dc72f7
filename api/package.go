package api

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	TransportOCI    = "oci"
	TransportOSTree = "ostree"
)

// Property types attached to package entities.
const (
	PropertyRef       = "flatpak.ref"
	PropertyTransport = "flatpak.transport"
	PropertyRemote    = "flatpak.remote"
	PropertyRepo      = "flatpak.oci-repository"
)

// Package is one entry of a dependency solve: a ref at a specific commit and
// where to fetch it from.
type Package struct {
	Ref       string `json:"ref"`
	Remote    string `json:"remote"`
	Transport string `json:"transport"`
	Repo      string `json:"repo,omitempty"`
	URL       string `json:"url"`
}

// Packages maps commit ids to the package built from that commit.
type Packages map[string]Package

// Commits returns the commit ids in lexical order.
func (p Packages) Commits() []string {
	commits := make([]string, 0, len(p))
	for c := range p {
		commits = append(commits, c)
	}
	sort.Strings(commits)
	return commits
}

// Entity converts the package built from commit into a deppy entity.
func (p Package) Entity(commit string) (*Entity, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal package %q: %w", p.Ref, err)
	}
	e := &Entity{ID: commit, Data: data}

	props := []struct {
		typ   string
		value string
	}{
		{PropertyRef, p.Ref},
		{PropertyTransport, p.Transport},
		{PropertyRemote, p.Remote},
		{PropertyRepo, p.Repo},
	}
	for _, prop := range props {
		if prop.value == "" {
			continue
		}
		tv, err := NewTypeValue(prop.typ, prop.value)
		if err != nil {
			return nil, err
		}
		e.Properties = append(e.Properties, tv)
	}
	return e, nil
}

package flatpak

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	repoGroup        = "Flatpak Repo"
	extensionPrefix  = "Extension "
	ociURLPrefix     = "oci+"
	keyOCIRepository = "xa.oci-repository"
)

var ErrInvalidKeyFile = errors.New("invalid keyfile")

func loadKeyFile(data []byte) (*ini.File, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		KeyValueDelimiters:  "=",
	}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	return cfg, nil
}

// splitList splits a keyfile string list ("a;b;").
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// RepoFile is the content of a .flatpakrepo file.
type RepoFile struct {
	Title         string
	URL           string
	Homepage      string
	Comment       string
	DefaultBranch string
	GPGKey        string
}

func LoadRepoFile(path string) (*RepoFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRepoFile(data)
}

func ParseRepoFile(data []byte) (*RepoFile, error) {
	cfg, err := loadKeyFile(data)
	if err != nil {
		return nil, err
	}
	sec, err := cfg.GetSection(repoGroup)
	if err != nil {
		return nil, fmt.Errorf("%w: missing [%s] group", ErrInvalidKeyFile, repoGroup)
	}
	rf := &RepoFile{
		Title:         sec.Key("Title").String(),
		URL:           sec.Key("Url").String(),
		Homepage:      sec.Key("Homepage").String(),
		Comment:       sec.Key("Comment").String(),
		DefaultBranch: sec.Key("DefaultBranch").String(),
		GPGKey:        sec.Key("GPGKey").String(),
	}
	if rf.URL == "" {
		return nil, fmt.Errorf("%w: [%s] has no Url", ErrInvalidKeyFile, repoGroup)
	}
	return rf, nil
}

// IsOCI reports whether the remote is an OCI registry rather than an OSTree
// repository.
func (r *RepoFile) IsOCI() bool {
	return strings.HasPrefix(r.URL, ociURLPrefix)
}

// RegistryURL is the registry base URL of an OCI remote, without the "oci+"
// scheme prefix and trailing slash.
func (r *RepoFile) RegistryURL() string {
	return strings.TrimSuffix(strings.TrimPrefix(r.URL, ociURLPrefix), "/")
}

// Metadata is the metadata keyfile of an app or runtime.
type Metadata struct {
	// Kind is "app" for an [Application] group and "runtime" for [Runtime].
	Kind       string
	Name       string
	Runtime    string
	SDK        string
	Extensions []Extension
}

// Extension is an [Extension NAME] group: a point where related refs are
// mounted into the app or runtime.
type Extension struct {
	Name           string
	Version        string
	Versions       []string
	Subdirectories bool
	NoAutodownload bool
	Autodelete     bool
	LocaleSubset   bool
	DownloadIf     []string
}

func ParseMetadata(data []byte) (*Metadata, error) {
	cfg, err := loadKeyFile(data)
	if err != nil {
		return nil, err
	}

	md := &Metadata{}
	for _, group := range []struct{ name, kind string }{{"Application", "app"}, {"Runtime", "runtime"}} {
		sec, err := cfg.GetSection(group.name)
		if err != nil {
			continue
		}
		md.Kind = group.kind
		md.Name = sec.Key("name").String()
		md.Runtime = sec.Key("runtime").String()
		md.SDK = sec.Key("sdk").String()
		break
	}
	if md.Kind == "" {
		return nil, fmt.Errorf("%w: no [Application] or [Runtime] group", ErrInvalidKeyFile)
	}

	for _, sec := range cfg.Sections() {
		if !strings.HasPrefix(sec.Name(), extensionPrefix) {
			continue
		}
		ext := Extension{
			Name:           strings.TrimSpace(strings.TrimPrefix(sec.Name(), extensionPrefix)),
			Version:        sec.Key("version").String(),
			Versions:       splitList(sec.Key("versions").String()),
			Subdirectories: sec.Key("subdirectories").MustBool(false),
			NoAutodownload: sec.Key("no-autodownload").MustBool(false),
			Autodelete:     sec.Key("autodelete").MustBool(false),
			LocaleSubset:   sec.Key("locale-subset").MustBool(false),
			DownloadIf:     splitList(sec.Key("download-if").String()),
		}
		md.Extensions = append(md.Extensions, ext)
	}
	return md, nil
}

// Branches lists the branches of the extension refs, defaulting to the branch
// of the app or runtime declaring the extension.
func (e Extension) Branches(parent string) []string {
	if len(e.Versions) > 0 {
		return e.Versions
	}
	if e.Version != "" {
		return []string{e.Version}
	}
	return []string{parent}
}

// Matches reports whether id names a ref providing this extension.
func (e Extension) Matches(id string) bool {
	if e.Subdirectories {
		return strings.HasPrefix(id, e.Name+".")
	}
	return id == e.Name
}

package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-logr/logr"

	"github.com/joelanford/flatpak-oci/api"
	"github.com/joelanford/flatpak-oci/internal/util"
)

// Registry holds the entities published by a depsolve run.
type Registry struct {
	entities util.SyncMap[string, *api.Entity]
	Log      logr.Logger
}

func New() *Registry {
	return &Registry{
		entities: util.NewSyncMap[string, *api.Entity](),
		Log:      logr.Discard(),
	}
}

func (r *Registry) MustUpsert(e *api.Entity) {
	if err := r.Upsert(e); err != nil {
		panic(err)
	}
}

func (r *Registry) Upsert(e *api.Entity) error {
	if e == nil {
		return errors.New("nil entity cannot be upserted")
	}
	if e.ID == "" {
		return errors.New("entity must have an ID")
	}
	r.entities.Set(e.ID, e)
	return nil
}

// UpsertPackages adds one entity per solved package, keyed by commit.
func (r *Registry) UpsertPackages(pkgs api.Packages) error {
	for _, commit := range pkgs.Commits() {
		e, err := pkgs[commit].Entity(commit)
		if err != nil {
			return err
		}
		if err := r.Upsert(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Delete(id string) {
	r.entities.Delete(id)
}

func (r *Registry) Len() int {
	return r.entities.Len()
}

// Handler streams every entity as newline delimited JSON, ordered by ID.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, _ *http.Request) {
		entities := r.entities.Values()
		sort.Slice(entities, func(i, j int) bool {
			return entities[i].ID < entities[j].ID
		})

		resp.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(resp)
		enc.SetEscapeHTML(false)
		for _, e := range entities {
			if err := enc.Encode(e); err != nil {
				r.Log.Error(err, "error encoding entity", "entityID", e.ID)
				continue
			}
		}
	})
}

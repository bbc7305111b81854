// Package registry holds the authoritative list of configured sources.
// Reads are lock-free against an immutable snapshot; Replace swaps the
// snapshot atomically so readers never see half-updated state.
package registry

import (
	"fmt"
	"sync/atomic"

	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

type Registry struct {
	snapshot atomic.Pointer[Snapshot]
}

// Snapshot is an immutable view of the registered sources.
type Snapshot struct {
	sources []model.Source
	byID    map[string]model.Source
}

// New builds a registry from the initial source set.
// Fails with ConfigInvalid if two sources share an id or a required
// field is missing.
func New(sources []model.Source) (*Registry, error) {
	snap, err := buildSnapshot(sources)
	if err != nil {
		return nil, err
	}

	r := &Registry{}
	r.snapshot.Store(snap)
	return r, nil
}

// Replace atomically swaps the full source set (hot-swap).
func (r *Registry) Replace(sources []model.Source) error {
	snap, err := buildSnapshot(sources)
	if err != nil {
		return err
	}
	r.snapshot.Store(snap)
	return nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

func (r *Registry) List() []model.Source {
	return r.Snapshot().List()
}

func (r *Registry) Get(id string) (model.Source, error) {
	return r.Snapshot().Get(id)
}

func (r *Registry) ByKind(kind model.SourceKind) []model.Source {
	return r.Snapshot().ByKind(kind)
}

func (r *Registry) SchemaSummary(id string) (string, error) {
	src, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return src.SchemaSummary, nil
}

func (s *Snapshot) List() []model.Source {
	out := make([]model.Source, len(s.sources))
	copy(out, s.sources)
	return out
}

func (s *Snapshot) Get(id string) (model.Source, error) {
	src, ok := s.byID[id]
	if !ok {
		return model.Source{}, oerr.Newf(oerr.KindNotFound, "source %q not registered", id)
	}
	return src, nil
}

func (s *Snapshot) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

func (s *Snapshot) ByKind(kind model.SourceKind) []model.Source {
	var out []model.Source
	for _, src := range s.sources {
		if src.Kind == kind {
			out = append(out, src)
		}
	}
	return out
}

// FirstWithCap returns the first configured source declaring the
// capability, in configuration order. Used for classifier fallback.
func (s *Snapshot) FirstWithCap(c model.Capability) (model.Source, bool) {
	for _, src := range s.sources {
		if src.HasCap(c) {
			return src, true
		}
	}
	return model.Source{}, false
}

func buildSnapshot(sources []model.Source) (*Snapshot, error) {
	byID := make(map[string]model.Source, len(sources))
	ordered := make([]model.Source, 0, len(sources))

	for _, src := range sources {
		if src.ID == "" {
			return nil, oerr.Newf(oerr.KindConfigInvalid, "source with empty id")
		}
		if src.Kind == "" {
			return nil, oerr.Newf(oerr.KindConfigInvalid, "source %q: kind is required", src.ID)
		}
		if src.URI == "" {
			return nil, oerr.Newf(oerr.KindConfigInvalid, "source %q: uri is required", src.ID)
		}
		if _, dup := byID[src.ID]; dup {
			return nil, oerr.Wrap(oerr.KindConfigInvalid, fmt.Errorf("duplicate source id %q", src.ID))
		}
		byID[src.ID] = src
		ordered = append(ordered, src)
	}

	return &Snapshot{sources: ordered, byID: byID}, nil
}

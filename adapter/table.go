package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/najoast/orb/core"
)

// Resolution is the outcome of a successful dispatch-table lookup.
type Resolution struct {
	Servant Servant

	// Locator and Cookie are set when a servant locator supplied Servant
	Locator ServantLocator
	Cookie  any
}

// Dispatch runs req on the resolved servant and, for located servants,
// reports completion to the locator.
func (r Resolution) Dispatch(ctx context.Context, req *Request) ([]byte, error) {
	result, err := r.Servant.Dispatch(ctx, req)
	if r.Locator != nil {
		if ferr := r.Locator.Finished(ctx, req, r.Servant, r.Cookie); ferr != nil {
			return nil, ferr
		}
	}
	return result, err
}

// stage is one step of the lookup pipeline. It reports found=false to
// pass the request on to the next stage.
type stage func(t *Table, ctx context.Context, req *Request) (res Resolution, found bool, err error)

// pipeline is the lookup order; the first stage that finds a servant wins.
var pipeline = []stage{
	(*Table).findExact,
	(*Table).findCategoryDefault,
	(*Table).findCatchAllDefault,
	(*Table).findLocator,
}

// Table maps identities and facets to servants, with default servants and
// servant locators as per-category fallbacks.
type Table struct {
	mu sync.RWMutex

	// identity -> facet -> servant
	servants map[core.Identity]map[string]Servant

	// category -> default servant
	defaults map[string]Servant

	// category -> servant locator
	locators map[string]ServantLocator
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		servants: make(map[core.Identity]map[string]Servant),
		defaults: make(map[string]Servant),
		locators: make(map[string]ServantLocator),
	}
}

// Add registers servant for (id, facet).
func (t *Table) Add(servant Servant, id core.Identity, facet string) error {
	if servant == nil {
		return fmt.Errorf("cannot register nil servant")
	}
	if err := id.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	facets, ok := t.servants[id]
	if !ok {
		facets = make(map[string]Servant)
		t.servants[id] = facets
	}
	if _, exists := facets[facet]; exists {
		return core.AlreadyRegistered("servant", facetID(id, facet))
	}
	facets[facet] = servant
	return nil
}

// Remove unregisters the servant for (id, facet) and returns it.
func (t *Table) Remove(id core.Identity, facet string) (Servant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	facets, ok := t.servants[id]
	if !ok {
		return nil, core.NotRegistered("servant", facetID(id, facet))
	}
	servant, ok := facets[facet]
	if !ok {
		return nil, core.NotRegistered("servant", facetID(id, facet))
	}
	delete(facets, facet)
	if len(facets) == 0 {
		delete(t.servants, id)
	}
	return servant, nil
}

// RemoveAllFacets unregisters every facet of id and returns them.
func (t *Table) RemoveAllFacets(id core.Identity) (map[string]Servant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	facets, ok := t.servants[id]
	if !ok {
		return nil, core.NotRegistered("servant", id.String())
	}
	delete(t.servants, id)
	return facets, nil
}

// Find returns the servant registered for (id, facet). When id has no
// facets at all, the default servant for its category (or the catch-all
// default servant) is returned instead.
func (t *Table) Find(id core.Identity, facet string) Servant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if facets, ok := t.servants[id]; ok {
		return facets[facet]
	}
	if servant, ok := t.defaults[id.Category]; ok {
		return servant
	}
	return t.defaults[""]
}

// FindAllFacets returns a copy of the facet map of id.
func (t *Table) FindAllFacets(id core.Identity) map[string]Servant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Servant, len(t.servants[id]))
	for facet, servant := range t.servants[id] {
		out[facet] = servant
	}
	return out
}

// HasIdentity reports whether id is registered under any facet.
func (t *Table) HasIdentity(id core.Identity) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.servants[id]
	return ok
}

// AddDefault registers servant as the default servant for category.
// The empty category catches every category.
func (t *Table) AddDefault(servant Servant, category string) error {
	if servant == nil {
		return fmt.Errorf("cannot register nil default servant")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.defaults[category]; exists {
		return core.AlreadyRegistered("default servant", category)
	}
	t.defaults[category] = servant
	return nil
}

// RemoveDefault unregisters the default servant for category.
func (t *Table) RemoveDefault(category string) (Servant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	servant, ok := t.defaults[category]
	if !ok {
		return nil, core.NotRegistered("default servant", category)
	}
	delete(t.defaults, category)
	return servant, nil
}

// FindDefault returns the default servant for category, or nil.
func (t *Table) FindDefault(category string) Servant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaults[category]
}

// AddLocator registers locator for category.
func (t *Table) AddLocator(locator ServantLocator, category string) error {
	if locator == nil {
		return fmt.Errorf("cannot register nil servant locator")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.locators[category]; exists {
		return core.AlreadyRegistered("servant locator", category)
	}
	t.locators[category] = locator
	return nil
}

// RemoveLocator unregisters the servant locator for category.
func (t *Table) RemoveLocator(category string) (ServantLocator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	locator, ok := t.locators[category]
	if !ok {
		return nil, core.NotRegistered("servant locator", category)
	}
	delete(t.locators, category)
	return locator, nil
}

// FindLocator returns the servant locator for category, or nil.
func (t *Table) FindLocator(category string) ServantLocator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.locators[category]
}

// Resolve finds the servant for req by running the lookup pipeline.
// When nothing is found the error is KindFacetNotExist if the identity is
// registered under another facet, KindObjectNotExist otherwise.
func (t *Table) Resolve(ctx context.Context, req *Request) (Resolution, error) {
	for _, find := range pipeline {
		res, found, err := find(t, ctx, req)
		if err != nil {
			return Resolution{}, err
		}
		if found {
			return res, nil
		}
	}

	kind := core.KindObjectNotExist
	if t.HasIdentity(req.Identity) {
		kind = core.KindFacetNotExist
	}
	return Resolution{}, &core.Error{
		Kind:      kind,
		ID:        req.Identity.String(),
		Facet:     req.Facet,
		Operation: req.Operation,
	}
}

func (t *Table) findExact(_ context.Context, req *Request) (Resolution, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	servant, ok := t.servants[req.Identity][req.Facet]
	return Resolution{Servant: servant}, ok, nil
}

// Default servants only serve identities that have no registered facets.
func (t *Table) findDefault(id core.Identity, category string) (Resolution, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, registered := t.servants[id]; registered {
		return Resolution{}, false, nil
	}
	servant, ok := t.defaults[category]
	return Resolution{Servant: servant}, ok, nil
}

func (t *Table) findCategoryDefault(_ context.Context, req *Request) (Resolution, bool, error) {
	if req.Identity.Category == "" {
		return Resolution{}, false, nil
	}
	return t.findDefault(req.Identity, req.Identity.Category)
}

func (t *Table) findCatchAllDefault(_ context.Context, req *Request) (Resolution, bool, error) {
	return t.findDefault(req.Identity, "")
}

// findLocator calls the servant locator outside the table lock.
func (t *Table) findLocator(ctx context.Context, req *Request) (Resolution, bool, error) {
	t.mu.RLock()
	locator, ok := t.locators[req.Identity.Category]
	if !ok && req.Identity.Category != "" {
		locator, ok = t.locators[""]
	}
	t.mu.RUnlock()

	if !ok {
		return Resolution{}, false, nil
	}

	servant, cookie, err := locator.Locate(ctx, req)
	if err != nil {
		return Resolution{}, false, err
	}
	if servant == nil {
		return Resolution{}, false, nil
	}
	return Resolution{Servant: servant, Locator: locator, Cookie: cookie}, true, nil
}

// clear empties the table and returns the locators that were registered,
// keyed by category.
func (t *Table) clear() map[string]ServantLocator {
	t.mu.Lock()
	defer t.mu.Unlock()

	locators := t.locators
	t.servants = make(map[core.Identity]map[string]Servant)
	t.defaults = make(map[string]Servant)
	t.locators = make(map[string]ServantLocator)
	return locators
}

func facetID(id core.Identity, facet string) string {
	if facet == "" {
		return id.String()
	}
	return id.String() + " -f " + facet
}

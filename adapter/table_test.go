package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/orb/core"
)

// named returns a servant answering with its own name.
func named(name string) Servant {
	return ServantFunc(func(context.Context, *Request) ([]byte, error) {
		return []byte(name), nil
	})
}

func resolveName(t *testing.T, tbl *Table, id core.Identity, facet string) (string, error) {
	t.Helper()
	req := &Request{Identity: id, Facet: facet, Operation: "name"}
	res, err := tbl.Resolve(context.Background(), req)
	if err != nil {
		return "", err
	}
	out, err := res.Dispatch(context.Background(), req)
	return string(out), err
}

func TestTableAddResolveRemove(t *testing.T) {
	tbl := NewTable()
	x := core.Identity{Name: "x"}

	require.NoError(t, tbl.Add(named("S1"), x, ""))
	got, err := resolveName(t, tbl, x, "")
	require.NoError(t, err)
	assert.Equal(t, "S1", got)

	_, err = tbl.Remove(x, "")
	require.NoError(t, err)
	_, err = resolveName(t, tbl, x, "")
	assert.ErrorIs(t, err, core.ErrObjectNotExist)

	require.NoError(t, tbl.AddDefault(named("D"), ""))
	got, err = resolveName(t, tbl, core.Identity{Name: "y", Category: "anycat"}, "")
	require.NoError(t, err)
	assert.Equal(t, "D", got)
}

func TestTableRegistrationErrors(t *testing.T) {
	tbl := NewTable()
	x := core.Identity{Name: "x"}

	require.NoError(t, tbl.Add(named("a"), x, "f"))
	err := tbl.Add(named("b"), x, "f")
	assert.ErrorIs(t, err, core.ErrAlreadyRegistered)
	assert.Contains(t, err.Error(), "x -f f")

	_, err = tbl.Remove(core.Identity{Name: "never"}, "")
	assert.ErrorIs(t, err, core.ErrNotRegistered)
	_, err = tbl.Remove(x, "other")
	assert.ErrorIs(t, err, core.ErrNotRegistered)
	_, err = tbl.RemoveAllFacets(core.Identity{Name: "never"})
	assert.ErrorIs(t, err, core.ErrNotRegistered)

	assert.ErrorIs(t, tbl.Add(named("a"), core.Identity{Category: "c"}, ""), core.ErrIllegalIdentity)
	assert.Error(t, tbl.Add(nil, x, "g"))

	require.NoError(t, tbl.AddDefault(named("d"), "c"))
	assert.ErrorIs(t, tbl.AddDefault(named("d"), "c"), core.ErrAlreadyRegistered)
	_, err = tbl.RemoveDefault("missing")
	assert.ErrorIs(t, err, core.ErrNotRegistered)

	loc := &recordingLocator{}
	require.NoError(t, tbl.AddLocator(loc, "c"))
	assert.ErrorIs(t, tbl.AddLocator(loc, "c"), core.ErrAlreadyRegistered)
	_, err = tbl.RemoveLocator("missing")
	assert.ErrorIs(t, err, core.ErrNotRegistered)
	removed, err := tbl.RemoveLocator("c")
	require.NoError(t, err)
	assert.Same(t, loc, removed)
}

func TestTableFacets(t *testing.T) {
	tbl := NewTable()
	x := core.Identity{Name: "x", Category: "c"}

	require.NoError(t, tbl.Add(named("main"), x, ""))
	require.NoError(t, tbl.Add(named("admin"), x, "admin"))
	require.NoError(t, tbl.AddDefault(named("default"), "c"))

	got, err := resolveName(t, tbl, x, "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", got)

	// A registered identity never falls back to default servants.
	_, err = resolveName(t, tbl, x, "missing")
	assert.ErrorIs(t, err, core.ErrFacetNotExist)
	assert.Nil(t, tbl.Find(x, "missing"))

	assert.Len(t, tbl.FindAllFacets(x), 2)
	assert.True(t, tbl.HasIdentity(x))

	facets, err := tbl.RemoveAllFacets(x)
	require.NoError(t, err)
	assert.Len(t, facets, 2)
	assert.False(t, tbl.HasIdentity(x))
	assert.Empty(t, tbl.FindAllFacets(x))

	got, err = resolveName(t, tbl, x, "missing")
	require.NoError(t, err)
	assert.Equal(t, "default", got)
}

func TestTableDefaultServantFallback(t *testing.T) {
	tbl := NewTable()
	n := core.Identity{Name: "n", Category: "C"}

	_, err := resolveName(t, tbl, n, "any")
	assert.ErrorIs(t, err, core.ErrObjectNotExist)

	require.NoError(t, tbl.AddDefault(named("catchall"), ""))
	got, err := resolveName(t, tbl, n, "any")
	require.NoError(t, err)
	assert.Equal(t, "catchall", got)

	require.NoError(t, tbl.AddDefault(named("C"), "C"))
	got, err = resolveName(t, tbl, n, "any")
	require.NoError(t, err)
	assert.Equal(t, "C", got)

	assert.NotNil(t, tbl.Find(n, ""))
	assert.NotNil(t, tbl.FindDefault("C"))
	assert.Nil(t, tbl.FindDefault("other"))
}

// recordingLocator serves every request with its servant and records
// the calls it receives.
type recordingLocator struct {
	mu          sync.Mutex
	servant     Servant
	locateErr   error
	finishedErr error
	cookies     []any
	deactivated []string
}

func (l *recordingLocator) Locate(_ context.Context, req *Request) (Servant, any, error) {
	if l.locateErr != nil {
		return nil, nil, l.locateErr
	}
	return l.servant, "cookie-" + req.Identity.Name, nil
}

func (l *recordingLocator) Finished(_ context.Context, _ *Request, _ Servant, cookie any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cookies = append(l.cookies, cookie)
	return l.finishedErr
}

func (l *recordingLocator) Deactivate(category string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deactivated = append(l.deactivated, category)
}

func TestTableServantLocator(t *testing.T) {
	tbl := NewTable()
	loc := &recordingLocator{servant: named("located")}
	require.NoError(t, tbl.AddLocator(loc, "session"))

	got, err := resolveName(t, tbl, core.Identity{Name: "s1", Category: "session"}, "")
	require.NoError(t, err)
	assert.Equal(t, "located", got)
	assert.Equal(t, []any{"cookie-s1"}, loc.cookies)

	// No locator for the category and no catch-all locator.
	_, err = resolveName(t, tbl, core.Identity{Name: "s1", Category: "other"}, "")
	assert.ErrorIs(t, err, core.ErrObjectNotExist)

	catchAll := &recordingLocator{}
	require.NoError(t, tbl.AddLocator(catchAll, ""))
	_, err = resolveName(t, tbl, core.Identity{Name: "s1", Category: "other"}, "")
	assert.ErrorIs(t, err, core.ErrObjectNotExist, "nil servant from locator")

	loc.finishedErr = errors.New("finished failed")
	_, err = resolveName(t, tbl, core.Identity{Name: "s2", Category: "session"}, "")
	assert.EqualError(t, err, "finished failed")

	loc.locateErr = core.NewError(core.KindOperationNotExist, "s3")
	_, err = resolveName(t, tbl, core.Identity{Name: "s3", Category: "session"}, "")
	assert.ErrorIs(t, err, core.ErrOperationNotExist)

	locators := tbl.clear()
	assert.Len(t, locators, 2)
	assert.Nil(t, tbl.FindLocator("session"))
}

func TestTableConcurrentAccess(t *testing.T) {
	tbl := NewTable()
	require.NoError(t, tbl.AddDefault(named("d"), ""))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := core.Identity{Name: fmt.Sprintf("obj-%d", i)}
			for j := 0; j < 100; j++ {
				assert.NoError(t, tbl.Add(named(id.Name), id, ""))
				got, err := resolveName(t, tbl, id, "")
				assert.NoError(t, err)
				assert.Equal(t, id.Name, got)
				_, err = tbl.Remove(id, "")
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}

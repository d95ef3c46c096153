package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func desc(name string, deps ...Dependency) *Descriptor {
	return &Descriptor{Name: name, Version: "1.0.0", Kind: KindBuiltin, Dependencies: deps}
}

func req(name string) Dependency { return Dependency{Name: name} }
func opt(name string) Dependency { return Dependency{Name: name, Optional: true} }

func TestResolveOrdersDependenciesFirst(t *testing.T) {
	res := Resolve([]*Descriptor{
		desc("bbs", req("storage"), opt("weather")),
		desc("weather", req("storage")),
		desc("storage"),
		desc("alpha"),
	})
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"alpha", "storage", "weather", "bbs"}, res.Order)
}

func TestResolveCycleReportedOnce(t *testing.T) {
	res := Resolve([]*Descriptor{
		desc("a", req("b")),
		desc("b", req("a")),
		desc("c"),
	})
	require.Len(t, res.Cycles, 1)
	assert.Equal(t, []string{"a", "b"}, res.Cycles[0].Cycle)
	assert.Same(t, res.Errors["a"], res.Errors["b"])
	assert.Contains(t, res.Cycles[0].Error(), "a -> b -> a")
	assert.Equal(t, []string{"c"}, res.Order)
}

func TestResolveMissingAndBlocked(t *testing.T) {
	res := Resolve([]*Descriptor{
		desc("a", req("ghost")),
		desc("b", req("a")),
		desc("c", opt("ghost"), opt("a")),
	})
	require.Contains(t, res.Errors, "a")
	assert.Equal(t, []string{"ghost"}, res.Errors["a"].Missing)
	require.Contains(t, res.Errors, "b")
	assert.Equal(t, []string{"a"}, res.Errors["b"].Blocked)
	assert.NotContains(t, res.Errors, "c")
	assert.Equal(t, []string{"c"}, res.Order)
}

func TestResolveOptionalCycleFallsBackToRequiredOrder(t *testing.T) {
	res := Resolve([]*Descriptor{
		desc("a", opt("b")),
		desc("b", opt("a")),
	})
	assert.Empty(t, res.Errors)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Order)
}

func TestResolveDependentsOfCycleAreBlocked(t *testing.T) {
	res := Resolve([]*Descriptor{
		desc("x", req("y")),
		desc("y", req("z")),
		desc("z", req("x")),
		desc("user", req("x")),
	})
	require.Len(t, res.Cycles, 1)
	assert.Equal(t, []string{"x", "y", "z"}, res.Cycles[0].Cycle)
	assert.Equal(t, []string{"x"}, res.Errors["user"].Blocked)
	assert.Empty(t, res.Order)
}

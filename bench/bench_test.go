package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	identitycache "github.com/walletkit/identity-cache"
)

func TestDefaultCatalogValid(t *testing.T) {
	c := Default()

	for _, name := range c.Names() {
		b, ok := c.Get(name)
		require.True(t, ok)
		require.Less(t, b.Expected, b.Warning, "benchmark %s", name)
		require.Less(t, b.Warning, b.Critical, "benchmark %s", name)
	}
}

func TestNewRejectsInvalidThresholds(t *testing.T) {
	_, err := New([]Benchmark{
		{Name: "bad_op", Expected: time.Second, Warning: time.Second, Critical: 2 * time.Second},
	}, nil)
	require.Error(t, err)

	_, err = New([]Benchmark{
		{Name: "bad_op", Expected: 3 * time.Second, Warning: 2 * time.Second, Critical: time.Second},
	}, nil)
	require.Error(t, err)
}

func TestNewRejectsDuplicatesAndBadModifiers(t *testing.T) {
	b := Benchmark{Name: "op", Expected: time.Millisecond, Warning: 2 * time.Millisecond, Critical: 3 * time.Millisecond}

	_, err := New([]Benchmark{b, b}, nil)
	require.Error(t, err)

	_, err = New([]Benchmark{b}, map[identitycache.Category]float64{
		identitycache.CategoryStandard: 0,
	})
	require.Error(t, err)
}

func TestForCategoryScalesAllThresholds(t *testing.T) {
	c := Default()

	base, ok := c.Get(OpIdentitySwitch)
	require.True(t, ok)

	governed, ok := c.ForCategory(OpIdentitySwitch, identitycache.CategoryGoverned)
	require.True(t, ok)
	require.Greater(t, governed.Expected, base.Expected)
	require.Greater(t, governed.Warning, base.Warning)
	require.Greater(t, governed.Critical, base.Critical)
	require.Equal(t, time.Duration(float64(base.Expected)*1.2), governed.Expected)

	ephemeral, ok := c.ForCategory(OpIdentitySwitch, identitycache.CategoryEphemeral)
	require.True(t, ok)
	require.Less(t, ephemeral.Expected, base.Expected)
}

func TestForCategoryUnknownOperation(t *testing.T) {
	c := Default()

	_, ok := c.ForCategory("no_such_op", identitycache.CategoryStandard)
	require.False(t, ok)
}

func TestForCategoryUnknownCategoryUsesBase(t *testing.T) {
	c := Default()

	base, _ := c.Get(OpCacheGet)
	got, ok := c.ForCategory(OpCacheGet, identitycache.Category("vip"))
	require.True(t, ok)
	require.Equal(t, base, got)
}

package runkey

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLowercasesAndCollapses(t *testing.T) {
	require.Equal(t, "daily-report-2026", Normalize("  Daily   Report 2026 "))
	require.Equal(t, "a_b.c-d", Normalize("A_B.C-D"))
	require.Equal(t, "x-y", Normalize("x/y"))
}

func TestNormalizeClipsToMaxLength(t *testing.T) {
	long := strings.Repeat("a", 200)
	require.Len(t, Normalize(long), MaxLength)
}

func TestNormalizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	properties.Property("normalize is idempotent", prop.ForAll(
		func(s string) bool {
			once := Normalize(s)
			return Normalize(once) == once
		},
		gen.AnyString(),
	))
	properties.Property("normalized keys stay within the alphabet", prop.ForAll(
		func(s string) bool {
			for _, r := range Normalize(s) {
				if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789_.-", r) {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestComposeSkipsEmptyParts(t *testing.T) {
	require.Equal(t, "asset--orders--refresh", Compose("asset", "orders", "", "refresh"))
}

func TestComposeEscapesSeparator(t *testing.T) {
	// A part containing the separator cannot fake extra segments.
	require.Equal(t, "asset--a-b", Compose("asset", "a--b"))
}

func TestHashIsStableAndShort(t *testing.T) {
	h := Hash("asset--orders--refresh")
	require.Len(t, h, 16)
	require.Equal(t, h, Hash("asset--orders--refresh"))
	require.NotEqual(t, h, Hash("asset--orders--expiry"))
}

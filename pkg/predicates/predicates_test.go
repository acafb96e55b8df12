package predicates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	return Context{
		"hostname":      "mac01.corp.example",
		"os_vers":       "14.5",
		"os_vers_major": 14,
		"arch":          "arm64",
		"catalogs":      []string{"production", "testing"},
	}
}

func TestEvaluateComparisons(t *testing.T) {
	ctx := testContext()
	cases := []struct {
		predicate string
		want      bool
	}{
		{`arch == "arm64"`, true},
		{`arch != "arm64"`, false},
		{`os_vers_major > 13`, true},
		{`os_vers_major >= 14`, true},
		{`os_vers_major < 14`, false},
		{`hostname CONTAINS "corp"`, true},
		{`hostname BEGINSWITH "mac01"`, true},
		{`hostname ENDSWITH "example"`, true},
		{`hostname LIKE "mac??.corp.*"`, true},
		{`hostname LIKE "pc*"`, false},
		{`arch IN {"x86_64", "arm64"}`, true},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.predicate, ctx)
		require.NoError(t, err, tc.predicate)
		assert.Equal(t, tc.want, got, tc.predicate)
	}
}

func TestEvaluateBooleanCombinations(t *testing.T) {
	ctx := testContext()

	got, err := Evaluate(`arch == "arm64" AND os_vers_major >= 14`, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(`arch == "x86_64" OR hostname CONTAINS "corp"`, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(`arch == "x86_64" AND hostname CONTAINS "corp"`, ctx)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateListFacts(t *testing.T) {
	ctx := testContext()
	got, err := Evaluate(`catalogs CONTAINS "production"`, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(`ANY catalogs == "testing"`, ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Evaluate(`catalogs == "staging"`, ctx)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateUnknownKey(t *testing.T) {
	_, err := Evaluate(`no_such_fact == "x"`, testContext())
	assert.Error(t, err)
}

func TestWithCatalogsDoesNotMutateOriginal(t *testing.T) {
	ctx := Context{"arch": "arm64"}
	augmented := ctx.WithCatalogs([]string{"production"})
	assert.NotContains(t, ctx, "catalogs")
	assert.Contains(t, augmented, "catalogs")
}

func TestEmptyPredicateIsTrue(t *testing.T) {
	got, err := Evaluate("", testContext())
	require.NoError(t, err)
	assert.True(t, got)
}

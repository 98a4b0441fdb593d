package clibuild

import (
	"testing"

	"github.com/cc-warren/agency/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pos(p types.CLIArgPosition) *types.CLIArgPosition { return &p }

func TestBuildPositionalSortsByBindingPosition(t *testing.T) {
	inputs := []types.InputDescriptor{
		{Key: "b", Position: pos(types.CLIArgPosition{Positional: true, BindingPosition: 2})},
		{Key: "a", Position: pos(types.CLIArgPosition{Positional: true, BindingPosition: 1})},
	}
	values := map[string]ResolvedValue{
		"a": {Scalar: "first"},
		"b": {Scalar: "second"},
	}

	got, err := Build([]string{"run"}, inputs, values)
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "first", "second"}, got)
}

func TestBuildNamedArraySeparateTrue(t *testing.T) {
	inputs := []types.InputDescriptor{
		{Key: "a", Position: pos(types.CLIArgPosition{Prefix: "--input", Separate: true})},
	}
	values := map[string]ResolvedValue{
		"a": {Array: []string{"x", "y"}},
	}

	got, err := Build(nil, inputs, values)
	require.NoError(t, err)
	assert.Equal(t, []string{"--input", "x", "y"}, got)
}

func TestBuildNamedArrayWithoutItemSeparatorForcesSeparateTokens(t *testing.T) {
	// Separate is explicitly false, but an array with no itemSeparator has
	// no single token to join into, so it still renders as separate tokens.
	inputs := []types.InputDescriptor{
		{Key: "a", Position: pos(types.CLIArgPosition{Prefix: "--input", Separate: false})},
	}
	values := map[string]ResolvedValue{
		"a": {Array: []string{"x", "y"}},
	}

	got, err := Build(nil, inputs, values)
	require.NoError(t, err)
	assert.Equal(t, []string{"--input", "x", "y"}, got)
}

func TestBuildNamedScalarSeparateFalseJoinsPrefix(t *testing.T) {
	inputs := []types.InputDescriptor{
		{Key: "a", Position: pos(types.CLIArgPosition{Prefix: "--input=", Separate: false})},
	}
	values := map[string]ResolvedValue{
		"a": {Scalar: "x"},
	}

	got, err := Build(nil, inputs, values)
	require.NoError(t, err)
	assert.Equal(t, []string{"--input=x"}, got)
}

func TestBuildNamedArrayWithItemSeparatorJoinsOneToken(t *testing.T) {
	inputs := []types.InputDescriptor{
		{Key: "a", Position: pos(types.CLIArgPosition{Prefix: "--input=", ItemSeparator: ",", Separate: false})},
	}
	values := map[string]ResolvedValue{
		"a": {Array: []string{"x", "y"}},
	}

	got, err := Build(nil, inputs, values)
	require.NoError(t, err)
	assert.Equal(t, []string{"--input=x,y"}, got)
}

func TestBuildBooleanFlagOmittedWhenFalse(t *testing.T) {
	inputs := []types.InputDescriptor{
		{Key: "a", Position: pos(types.CLIArgPosition{Prefix: "--flag"})},
	}
	values := map[string]ResolvedValue{
		"a": {IsBool: true, Bool: false},
	}

	got, err := Build([]string{"run"}, inputs, values)
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, got)
}

func TestBuildPositionalBooleanIsError(t *testing.T) {
	inputs := []types.InputDescriptor{
		{Key: "a", Position: pos(types.CLIArgPosition{Positional: true})},
	}
	values := map[string]ResolvedValue{
		"a": {IsBool: true, Bool: true},
	}

	_, err := Build(nil, inputs, values)
	assert.Error(t, err)
}

// Package clibuild renders an experiment's base command plus resolved
// inputs into the argument list a batch's execution container runs,
// following the positional-before-named, prefix/separate/item-separator
// rules of the command-line contract.
package clibuild

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cc-warren/agency/pkg/types"
)

// ResolvedValue is the concrete value bound to one input descriptor after
// connector staging: a scalar, or a slice of scalars for array inputs. File
// and Directory values have already been resolved to their in-container
// path by the caller.
type ResolvedValue struct {
	Scalar string
	Array  []string
	IsBool bool
	Bool   bool
}

// Build renders the full command line: base command followed by positional
// arguments (sorted by binding position) then named arguments, in the
// order given by each input's CLIArgPosition.
func Build(base []string, inputs []types.InputDescriptor, values map[string]ResolvedValue) ([]string, error) {
	type rendered struct {
		pos  types.CLIArgPosition
		args []string
	}

	var items []rendered
	for _, in := range inputs {
		if in.Position == nil {
			continue // not CLI-bound (e.g. consumed only by a connector)
		}
		val, ok := values[in.Key]
		if !ok {
			continue // optional input omitted
		}
		args, err := renderArgument(*in.Position, val)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in.Key, err)
		}
		if args == nil {
			continue
		}
		items = append(items, rendered{pos: *in.Position, args: args})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].pos, items[j].pos
		if a.Positional != b.Positional {
			return a.Positional // positional always sorts before named
		}
		if a.Positional {
			return a.BindingPosition < b.BindingPosition
		}
		return a.BindingPosition < b.BindingPosition
	})

	cmd := make([]string, 0, len(base))
	cmd = append(cmd, base...)
	for _, it := range items {
		cmd = append(cmd, it.args...)
	}
	return cmd, nil
}

// renderArgument turns one resolved value into its command-line tokens per
// pos's prefix/separate/itemSeparator rules. A nil, nil return means the
// input contributes nothing to the command line (e.g. a false boolean
// flag).
func renderArgument(pos types.CLIArgPosition, val ResolvedValue) ([]string, error) {
	if pos.Positional {
		if val.IsBool {
			return nil, fmt.Errorf("boolean values cannot be positional")
		}
		if val.Array != nil {
			return renderArrayTokens(pos, val.Array), nil
		}
		return []string{val.Scalar}, nil
	}

	if val.IsBool {
		if !val.Bool {
			return nil, nil // omitted entirely when false
		}
		if pos.Prefix == "" {
			return nil, fmt.Errorf("boolean named argument requires a prefix")
		}
		return []string{pos.Prefix}, nil
	}

	if val.Array != nil {
		return namedArgumentTokens(pos, val.Array, true), nil
	}
	return namedArgumentTokens(pos, []string{val.Scalar}, false), nil
}

func renderArrayTokens(pos types.CLIArgPosition, items []string) []string {
	if pos.ItemSeparator != "" {
		return []string{joinWith(items, pos.ItemSeparator)}
	}
	return items
}

// namedArgumentTokens implements the prefix/separate/itemSeparator matrix:
//   - itemSeparator set        -> "prefix" + joined-items as one token (or two tokens if Separate)
//   - no prefix                -> bare values
//   - Separate (default true)  -> "prefix", value1, value2, ...
//   - Separate=false           -> "prefix+value" joined, one token per value
//
// An array value with no itemSeparator always renders as separate tokens
// ("prefix", value1, value2, ...) regardless of pos.Separate: there is no
// single token a non-separated array could join into without a separator,
// so Separate=false is only meaningful for a scalar value.
func namedArgumentTokens(pos types.CLIArgPosition, values []string, isArray bool) []string {
	if pos.Prefix == "" {
		return values
	}

	if pos.ItemSeparator != "" {
		joined := joinWith(values, pos.ItemSeparator)
		if pos.Separate {
			return []string{pos.Prefix, joined}
		}
		return []string{pos.Prefix + joined}
	}

	if pos.Separate || isArray {
		out := make([]string, 0, len(values)+1)
		out = append(out, pos.Prefix)
		out = append(out, values...)
		return out
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, pos.Prefix+v)
	}
	return out
}

func joinWith(items []string, sep string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += sep
		}
		out += it
	}
	return out
}

// ScalarFromAny renders a resolved CWL-typed value (string/int/long/float/
// double/boolean/File/Directory, the last two already path-resolved by the
// caller) into its command-line string form.
func ScalarFromAny(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Package marshal prepares what a work unit consumes: the workflow's argument bundle,
// the files staged into its working directory, and filled-in document inputs.
package marshal

import (
	"fmt"

	"github.com/warptools/sciflo/sfapi"
)

// NormalizeArgs turns an argument bundle into a tag-keyed mapping.
// A sequence is matched to inputs in declaration order; a mapping must only name declared tags.
// A nil bundle is an empty mapping.
//
// Errors:
//
//    - sciflo-error-invalid-argument -- when the bundle names an unknown tag or has too many values
func NormalizeArgs(inputs []sfapi.Port, args interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	switch x := args.(type) {
	case nil:
		return out, nil
	case []interface{}:
		if len(x) > len(inputs) {
			return nil, sfapi.ErrorInvalidArgument(fmt.Sprintf("#%d", len(inputs)), fmt.Sprintf("workflow declares %d inputs but %d values were given", len(inputs), len(x)))
		}
		for i, v := range x {
			out[inputs[i].Tag] = v
		}
		return out, nil
	case map[string]interface{}:
		known := make(map[string]struct{}, len(inputs))
		for _, in := range inputs {
			known[in.Tag] = struct{}{}
		}
		for k, v := range x {
			if _, ok := known[k]; !ok {
				return nil, sfapi.ErrorInvalidArgument(k, "no global input has this tag")
			}
			out[k] = v
		}
		return out, nil
	}
	return nil, sfapi.ErrorInvalidArgument("", fmt.Sprintf("argument bundle must be a list or a mapping, not %T", args))
}

// OrderedArgs returns the bundle as a sequence in declaration order.
// Tags absent from the bundle are nil.
func OrderedArgs(inputs []sfapi.Port, bundle map[string]interface{}) []interface{} {
	out := make([]interface{}, len(inputs))
	for i, in := range inputs {
		out[i] = bundle[in.Tag]
	}
	return out
}

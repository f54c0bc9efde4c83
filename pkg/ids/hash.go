package ids

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"

	"github.com/warptools/sciflo/sfapi"
)

// Canonical converts v to an IPLD node with a normalized shape:
// map keys are sorted, integral floats become ints,
// and anything else is taken through its json form first.
//
// Errors:
//
//    - sciflo-error-serialization -- when v holds a value with no canonical form
func Canonical(v interface{}) (datamodel.Node, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := assemble(nb, v); err != nil {
		return nil, sfapi.ErrorSerialization("canonicalizing value", err)
	}
	return nb.Build(), nil
}

func assemble(na datamodel.NodeAssembler, v interface{}) error {
	switch x := v.(type) {
	case nil:
		return na.AssignNull()
	case bool:
		return na.AssignBool(x)
	case string:
		return na.AssignString(x)
	case []byte:
		return na.AssignBytes(x)
	case int:
		return na.AssignInt(int64(x))
	case int32:
		return na.AssignInt(int64(x))
	case int64:
		return na.AssignInt(x)
	case uint:
		return na.AssignInt(int64(x))
	case uint32:
		return na.AssignInt(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return na.AssignFloat(float64(x))
		}
		return na.AssignInt(int64(x))
	case float32:
		return assembleFloat(na, float64(x))
	case float64:
		return assembleFloat(na, x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return na.AssignInt(i)
		}
		f, err := x.Float64()
		if err != nil {
			return err
		}
		return assembleFloat(na, f)
	case []interface{}:
		la, err := na.BeginList(int64(len(x)))
		if err != nil {
			return err
		}
		for _, e := range x {
			if err := assemble(la.AssembleValue(), e); err != nil {
				return err
			}
		}
		return la.Finish()
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ma, err := na.BeginMap(int64(len(x)))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := ma.AssembleKey().AssignString(k); err != nil {
				return err
			}
			if err := assemble(ma.AssembleValue(), x[k]); err != nil {
				return err
			}
		}
		return ma.Finish()
	case sfapi.Arg:
		return assemble(na, ArgValue(x))
	}
	// Everything else goes through json to reach one of the shapes above.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return na.AssignNull()
	}
	serial, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(serial, &generic); err != nil {
		return err
	}
	return assemble(na, generic)
}

func assembleFloat(na datamodel.NodeAssembler, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return na.AssignInt(int64(f))
	}
	return na.AssignFloat(f)
}

// ArgValue is the hashable form of an argument.
// A reference is represented by its wiring, not by the value it will carry.
func ArgValue(a sfapi.Arg) interface{} {
	switch {
	case a.Ref != nil:
		ref := map[string]interface{}{
			"source": a.Ref.SourceConfigID,
		}
		if a.Ref.OutputIndex != nil {
			ref["index"] = *a.Ref.OutputIndex
		}
		if a.Ref.RewriteFile != "" {
			ref["rewrite"] = a.Ref.RewriteFile
		}
		if a.Ref.FromPostExec {
			ref["postexec"] = a.Ref.PostExecIndex
		}
		return map[string]interface{}{"ref": ref}
	case a.Document != nil:
		slots := make([]interface{}, len(a.Document.Slots))
		for i, s := range a.Document.Slots {
			slots[i] = ArgValue(s)
		}
		return map[string]interface{}{"document": a.Document.Template, "slots": slots}
	}
	return a.Literal
}

// ContentID computes the CID of the canonical DAG-JSON encoding of v.
//
// Errors:
//
//    - sciflo-error-serialization -- when v cannot be canonicalized or encoded
func ContentID(v interface{}) (cid.Cid, error) {
	n, err := Canonical(v)
	if err != nil {
		return cid.Undef, err
	}
	serial, err := ipld.Encode(n, dagjson.Encode)
	if err != nil {
		return cid.Undef, sfapi.ErrorSerialization("encoding canonical value", err)
	}
	pref := cid.Prefix{
		Version:  1,
		Codec:    cid.DagJSON,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}
	c, err := pref.Sum(serial)
	if err != nil {
		return cid.Undef, sfapi.ErrorSerialization("hashing canonical value", err)
	}
	return c, nil
}

// Hash is the hex sha2-256 digest of the canonical encoding of v.
//
// Errors:
//
//    - sciflo-error-serialization -- when v cannot be canonicalized or encoded
func Hash(v interface{}) (string, error) {
	c, err := ContentID(v)
	if err != nil {
		return "", err
	}
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", sfapi.ErrorSerialization("decoding multihash", err)
	}
	return hex.EncodeToString(dec.Digest), nil
}

// UnitHash fingerprints one unit: owner, variant, call, arguments,
// the base names of its stage files and the keys of its post-exec steps.
// Args are taken as given; concrete values at dispatch, wiring at resolve time.
//
// Errors:
//
//    - sciflo-error-serialization -- when an argument has no canonical form
func UnitHash(c sfapi.WorkUnitConfig, args []interface{}) (string, error) {
	stages := make([]interface{}, len(c.StageFiles))
	for i, s := range c.StageFiles {
		stages[i] = stageName(s.Source)
	}
	post := make([]interface{}, len(c.PostExec))
	for i, p := range c.PostExec {
		var idx interface{}
		if p.OutputIndex != nil {
			idx = *p.OutputIndex
		}
		post[i] = []interface{}{idx, p.Fingerprint()}
	}
	if args == nil {
		args = []interface{}{}
	}
	fields := map[string]interface{}{
		"owner":    c.Owner,
		"variant":  string(c.Variant),
		"call":     c.Call,
		"endpoint": endpointValue(c.Endpoint),
		"args":     args,
		"stage":    stages,
		"postexec": post,
	}
	// a converter's output depends on the type it converts to
	if c.Variant == sfapi.VariantConversion && len(c.Outputs) > 0 {
		fields["to"] = c.Outputs[0].Type
	}
	return Hash(fields)
}

// ConfigHash fingerprints a config with its arguments still in wiring form.
func ConfigHash(c sfapi.WorkUnitConfig) (string, error) {
	args := make([]interface{}, len(c.Args))
	for i, a := range c.Args {
		args[i] = ArgValue(a)
	}
	return UnitHash(c, args)
}

// PostExecHash keys the cache entry for one post-execution step of a unit.
func PostExecHash(unitHash string, stepIndex int, key string) (string, error) {
	return Hash([]interface{}{unitHash, stepIndex, key})
}

func endpointValue(e sfapi.Endpoint) interface{} {
	if e.URL == "" && e.Method == "" && len(e.Headers) == 0 && e.Queue == "" && !e.Async && e.Mode == "" {
		return nil
	}
	return e
}

func stageName(source string) string {
	for i := len(source) - 1; i >= 0; i-- {
		if source[i] == '/' {
			return source[i+1:]
		}
	}
	return source
}

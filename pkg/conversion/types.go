package conversion

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/warptools/sciflo/pkg/xmlutil"
)

// Local returns the local part of a QName: "ns:pngFile" is "pngFile".
func Local(qname string) string {
	if i := strings.LastIndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

// SameType reports whether two declared types are interchangeable.
// Namespace prefixes vary between documents, so only local names are compared,
// and an undeclared type matches anything.
func SameType(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return Local(a) == Local(b)
}

// FileExtension derives an artifact extension from a file type: "ns:pngFile" gives "png".
// The generic "file" type has no extension.
func FileExtension(typ string) (string, bool) {
	l := Local(typ)
	if !strings.HasSuffix(l, "File") {
		return "", false
	}
	ext := strings.ToLower(strings.TrimSuffix(l, "File"))
	if ext == "" {
		return "", false
	}
	return ext, true
}

// IsScalar reports whether typ is an xs: scalar that is coerced statically.
func IsScalar(typ string) bool {
	switch Local(typ) {
	case "string", "int", "integer", "long", "short", "float", "double", "decimal", "boolean":
		return strings.HasPrefix(typ, "xs:") || strings.HasPrefix(typ, "xsd:")
	}
	return false
}

// Coerce converts a literal to the scalar type typ.
// Numbers of any Go kind are taken as float64, the way JSON and XML literals are held.
// Non-scalar types return v unchanged.
func Coerce(v interface{}, typ string) (interface{}, error) {
	if !IsScalar(typ) {
		return v, nil
	}
	if f, ok := number(v); ok {
		v = f
	}
	switch Local(typ) {
	case "string":
		return xmlutil.Text(v), nil
	case "int", "integer", "long", "short":
		switch x := v.(type) {
		case float64:
			if x != math.Trunc(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("%v is not an integer", x)
			}
			return x, nil
		case bool:
			if x {
				return 1.0, nil
			}
			return 0.0, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", x)
			}
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("%q is not an integer", x)
			}
			return f, nil
		}
	case "float", "double", "decimal":
		switch x := v.(type) {
		case float64:
			return x, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", x)
			}
			return f, nil
		}
	case "boolean":
		switch x := v.(type) {
		case bool:
			return x, nil
		case float64:
			return x != 0, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", x)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, typ)
}

// number widens any Go numeric kind, and json.Number, to float64.
func number(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

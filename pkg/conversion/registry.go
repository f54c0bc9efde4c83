package conversion

import (
	_ "embed"
	"encoding/xml"
	"io"
	"os"
	"strings"

	"github.com/warptools/sciflo/sfapi"
)

//go:embed default_conversions.xml
var defaultConversions []byte

// Entry maps a (from, to) type pair to a converter function identifier.
type Entry struct {
	From string `xml:"from,attr"`
	To   string `xml:"to,attr"`
	Func string `xml:",chardata"`
}

type implicitDecl struct {
	From string `xml:"from,attr"`
}

type registryFile struct {
	XMLName  xml.Name       `xml:"conversions"`
	Implicit []implicitDecl `xml:"implicit"`
	Ops      []Entry        `xml:"op"`
}

type key struct{ from, to string }

// Registry is the merged conversion table. It is read-only once built.
type Registry struct {
	order    []key
	entries  map[key]Entry
	implicit map[string]struct{}
}

// Load reads a registry file.
//
// Errors:
//
//    - sciflo-error-config -- when the file is not a conversions document
func Load(r io.Reader, name string) (*Registry, error) {
	var rf registryFile
	if err := xml.NewDecoder(r).Decode(&rf); err != nil {
		return nil, sfapi.ErrorConfig(name, err)
	}
	reg := &Registry{
		entries:  map[key]Entry{},
		implicit: map[string]struct{}{},
	}
	for _, imp := range rf.Implicit {
		reg.implicit[Local(imp.From)] = struct{}{}
	}
	for _, op := range rf.Ops {
		op.Func = strings.TrimSpace(op.Func)
		reg.put(op)
	}
	return reg, nil
}

func (r *Registry) put(e Entry) {
	k := key{Local(e.From), Local(e.To)}
	if _, exists := r.entries[k]; !exists {
		r.order = append(r.order, k)
	}
	r.entries[k] = e
}

// Default returns the shipped registry.
func Default() *Registry {
	reg, err := Load(strings.NewReader(string(defaultConversions)), "default_conversions.xml")
	if err != nil {
		panic(err)
	}
	return reg
}

// LoadWithOverrides returns the default registry merged with the overrides file at path.
// An empty path, or one that does not exist, yields the defaults.
//
// Errors:
//
//    - sciflo-error-config -- when the overrides file cannot be parsed
//    - sciflo-error-io -- when the overrides file exists but cannot be read
func LoadWithOverrides(path string) (*Registry, error) {
	reg := Default()
	if path == "" {
		return reg, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return reg, nil
	}
	if err != nil {
		return nil, sfapi.ErrorIo("opening conversion overrides", path, err)
	}
	defer f.Close()
	over, err := Load(f, path)
	if err != nil {
		return nil, err
	}
	return reg.Merge(over), nil
}

// Merge returns a registry where entries of over replace entries of r with the same (from, to).
func (r *Registry) Merge(over *Registry) *Registry {
	out := &Registry{
		entries:  map[key]Entry{},
		implicit: map[string]struct{}{},
	}
	for _, k := range r.order {
		out.put(r.entries[k])
	}
	for _, k := range over.order {
		out.put(over.entries[k])
	}
	for t := range r.implicit {
		out.implicit[t] = struct{}{}
	}
	for t := range over.implicit {
		out.implicit[t] = struct{}{}
	}
	return out
}

// Entries lists the table in insertion order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// IsImplicit reports whether conversions from typ run as implicit units.
func (r *Registry) IsImplicit(typ string) bool {
	_, ok := r.implicit[Local(typ)]
	return ok
}

// Lookup finds the most specific entry for converting from into to.
// Exact local names beat suffix wildcards ("*File"), which beat "*".
func (r *Registry) Lookup(from, to string) (Entry, bool) {
	best := -1
	var found Entry
	for _, k := range r.order {
		fs := matchScore(k.from, Local(from))
		if fs < 0 {
			continue
		}
		ts := matchScore(k.to, Local(to))
		if ts < 0 {
			continue
		}
		// the sink side dominates
		score := ts*4 + fs
		if score > best {
			best = score
			found = r.entries[k]
		}
	}
	return found, best >= 0
}

func matchScore(pattern, typ string) int {
	switch {
	case pattern == typ:
		return 2
	case pattern == "*":
		return 0
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(typ, pattern[1:]):
		return 1
	}
	return -1
}

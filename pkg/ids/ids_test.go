package ids

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/warptools/sciflo/sfapi"
)

func TestMintedIDsAreUnique(t *testing.T) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[string]struct{}{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := NewUnitID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	qt.Assert(t, seen, qt.HasLen, 1600)
}

func TestFamily(t *testing.T) {
	qt.Assert(t, Family(NewWorkflowID()), qt.Equals, PrefixWorkflow)
	qt.Assert(t, Family(NewUnitID()), qt.Equals, PrefixUnit)
	qt.Assert(t, Family(NewConfigID()), qt.Equals, PrefixUnitConfig)
	qt.Assert(t, Family("other-thing"), qt.Equals, "")
	qt.Assert(t, strings.Count(NewUnitID(), "-"), qt.Equals, 3)
}

func TestHashIgnoresRepresentation(t *testing.T) {
	a, err := Hash(map[string]interface{}{"x": 3, "y": []interface{}{1.0, "s", nil}})
	qt.Assert(t, err, qt.IsNil)

	var decoded interface{}
	err = json.Unmarshal([]byte(`{"y":[1,"s",null],"x":3.0}`), &decoded)
	qt.Assert(t, err, qt.IsNil)
	b, err := Hash(decoded)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, a, qt.Equals, b)
	qt.Assert(t, a, qt.HasLen, 64)

	c, err := Hash(map[string]interface{}{"x": 3.5})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, c, qt.Not(qt.Equals), a)
}

func TestUnitHash(t *testing.T) {
	cfg := sfapi.WorkUnitConfig{
		Variant:    sfapi.VariantInlineFunction,
		Call:       "func f(x int) int { return x * 2 }",
		StageFiles: []sfapi.StageFile{{Source: "http://example.org/data/a.txt"}},
	}
	h1, err := UnitHash(cfg, []interface{}{3})
	qt.Assert(t, err, qt.IsNil)

	// the same file staged from elsewhere hashes the same
	other := cfg
	other.StageFiles = []sfapi.StageFile{{Source: "/local/copy/a.txt"}}
	other.ConfigID = "different"
	h2, err := UnitHash(other, []interface{}{int64(3)})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, h2, qt.Equals, h1)

	withPost := cfg
	withPost.PostExec = []sfapi.PostExecStep{{Key: "xpath://a"}}
	h3, err := UnitHash(withPost, []interface{}{3})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, h3, qt.Not(qt.Equals), h1)
}

func TestConfigHashUsesWiring(t *testing.T) {
	zero := 0
	cfg := sfapi.WorkUnitConfig{
		Variant: sfapi.VariantConversion,
		Call:    "bytes_to_file",
		Args:    []sfapi.Arg{sfapi.RefArg(sfapi.Ref{SourceConfigID: "c1", OutputIndex: &zero})},
	}
	h1, err := ConfigHash(cfg)
	qt.Assert(t, err, qt.IsNil)
	cfg.Args[0].Ref.SourceConfigID = "c2"
	h2, err := ConfigHash(cfg)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, h1, qt.Not(qt.Equals), h2)
}

func TestCanonicalRejectsNonFinite(t *testing.T) {
	inf := 1.0
	for i := 0; i < 2000; i++ {
		inf *= 10
	}
	_, err := Hash(inf)
	qt.Assert(t, err, qt.ErrorMatches, ".*non-finite.*")
}

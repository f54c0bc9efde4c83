package ids

import (
	"encoding/hex"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multihash"
)

// Prefixes of the three identifier families.
const (
	PrefixWorkflow   = "sciflo"
	PrefixUnit       = "workunit"
	PrefixUnitConfig = "wuconfig"
)

var (
	hostOnce sync.Once
	hostFp   string
)

// hostFingerprint is a short digest of the host name, computed once.
func hostFingerprint() string {
	hostOnce.Do(func() {
		name, err := os.Hostname()
		if err != nil || name == "" {
			name = "localhost"
		}
		sum, err := multihash.Sum([]byte(strings.ToLower(name)), multihash.SHA2_256, -1)
		if err != nil {
			hostFp = "00000000"
			return
		}
		dec, err := multihash.Decode(sum)
		if err != nil {
			hostFp = "00000000"
			return
		}
		hostFp = hex.EncodeToString(dec.Digest[:4])
	})
	return hostFp
}

// mint composes prefix, a UTC timestamp with nanoseconds, a random suffix and the host fingerprint.
// uuid.New is safe for concurrent use, so mint is too.
func mint(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405.000000000")
	ts = strings.Replace(ts, ".", "", 1)
	r := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return prefix + "-" + ts + "-" + r + "-" + hostFingerprint()
}

func NewWorkflowID() string {
	return mint(PrefixWorkflow)
}

func NewUnitID() string {
	return mint(PrefixUnit)
}

func NewConfigID() string {
	return mint(PrefixUnitConfig)
}

// Family returns the prefix of an id minted by this package, or "" if it has none.
func Family(id string) string {
	i := strings.IndexByte(id, '-')
	if i < 0 {
		return ""
	}
	switch p := id[:i]; p {
	case PrefixWorkflow, PrefixUnit, PrefixUnitConfig:
		return p
	}
	return ""
}

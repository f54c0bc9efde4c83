package config

import (
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/serum-errors/go-serum"

	"github.com/warptools/sciflo/sfapi"
)

// State is the part of the process environment sciflo depends on, captured once.
// Work-unit children inherit the environment the executor saw, so configuration
// is computed from a State rather than by asking the os package again.
type State struct {
	Env              map[string]string
	HomeDirectory    string
	WorkingDirectory string
	TempDir          string
}

// Abs resolves path against the working directory of the snapshot.
func (s State) Abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(s.WorkingDirectory, path)
}

var (
	globalm sync.RWMutex
	global  State
)

// ReloadGlobalState takes a fresh snapshot of the environment keys sciflo reads,
// the working directory, the home directory and the temp directory.
// The previous snapshot stays in place if any of them cannot be determined.
//
// Errors:
//
//   - sciflo-error-config -- when a directory cannot be determined
func ReloadGlobalState() error {
	var next State
	next.Env = make(map[string]string, len(envKeys))
	for _, key := range envKeys {
		if v, ok := os.LookupEnv(key); ok {
			next.Env[key] = v
		}
	}
	var err error
	if next.WorkingDirectory, err = os.Getwd(); err != nil {
		return serum.Error(sfapi.ECodeConfig, serum.WithCause(err),
			serum.WithMessageLiteral("unable to get working directory"),
		)
	}
	if next.HomeDirectory, err = os.UserHomeDir(); err != nil {
		return serum.Error(sfapi.ECodeConfig, serum.WithCause(err),
			serum.WithMessageLiteral("unable to find user home directory"),
		)
	}
	next.TempDir = os.TempDir()

	globalm.Lock()
	global = next
	globalm.Unlock()
	return nil
}

// NewState returns a copy of the global snapshot that the caller may modify freely.
func NewState() State {
	globalm.RLock()
	defer globalm.RUnlock()
	s := global
	s.Env = maps.Clone(global.Env)
	return s
}

func init() {
	if err := ReloadGlobalState(); err != nil {
		sfapi.TerminalError(err.(serum.ErrorInterface), 10)
	}
}

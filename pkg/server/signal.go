package server

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/warptools/sciflo/pkg/executor"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/workunit"
	"github.com/warptools/sciflo/sfapi"
)

// SignalUnits sends SIGINT to every in-flight unit recorded in the state file at statePath.
// A unit's pid file can lag its status, so the search is repeated up to attempts times.
// It reports whether any unit was signalled.
func SignalUnits(ctx context.Context, statePath string, attempts int, interval time.Duration) bool {
	log := logging.Ctx(ctx)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(interval):
			}
		}
		st, err := executor.ReadState(statePath)
		if err != nil {
			log.Debug(LOG_TAG, "cancel attempt %d: %s", i+1, err)
			continue
		}
		if st.Status != sfapi.WorkflowRunning {
			return false
		}
		signalled := 0
		for _, u := range st.Units {
			if !inFlight(u.Status) || u.InfoPath == "" {
				continue
			}
			pidPath := filepath.Join(filepath.Dir(u.InfoPath), workunit.PidFileName)
			pid, err := readPid(pidPath)
			if err != nil {
				log.Debug(LOG_TAG, "cancel attempt %d: %s", i+1, err)
				continue
			}
			if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
				log.Debug(LOG_TAG, "signalling unit %s (pid %d): %s", u.UnitID, pid, err)
				continue
			}
			log.Info(LOG_TAG, "sent SIGINT to unit %s (pid %d)", u.UnitID, pid)
			signalled++
		}
		if signalled > 0 {
			return true
		}
	}
	return false
}

func inFlight(s sfapi.Status) bool {
	switch s {
	case sfapi.StatusSent, sfapi.StatusStaging, sfapi.StatusWorking:
		return true
	}
	return false
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

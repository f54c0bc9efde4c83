package resolver

import (
	"fmt"

	"github.com/warptools/sciflo/sfapi"
)

// orderUnits returns units in dependency order: every unit after all units it reads from.
// Among independent units the creation order is kept, so the result is deterministic.
//
// Errors:
//
//    - sciflo-error-reference-unresolvable -- when the references form a loop
func orderUnits(units []*sfapi.WorkUnitConfig) ([]sfapi.WorkUnitConfig, error) {
	byID := make(map[string]*sfapi.WorkUnitConfig, len(units))
	todo := make(map[string]struct{}, len(units))
	for _, u := range units {
		byID[u.ConfigID] = u
		todo[u.ConfigID] = struct{}{}
	}
	result := make([]sfapi.WorkUnitConfig, 0, len(units))
	for _, u := range units {
		if err := orderUnits_visit(u, byID, todo, map[string]struct{}{}, &result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func orderUnits_visit(
	u *sfapi.WorkUnitConfig,
	byID map[string]*sfapi.WorkUnitConfig,
	todo map[string]struct{},
	loopDetector map[string]struct{},
	result *[]sfapi.WorkUnitConfig,
) error {
	// already placed
	if _, ok := todo[u.ConfigID]; !ok {
		return nil
	}
	if _, ok := loopDetector[u.ConfigID]; ok {
		return sfapi.ErrorReferenceUnresolvable(fmt.Sprintf("process %q", u.ProcessID), "", "references are not a DAG: loop detected")
	}
	loopDetector[u.ConfigID] = struct{}{}

	for _, dep := range u.Dependencies() {
		d, ok := byID[dep]
		if !ok {
			return sfapi.ErrorReferenceUnresolvable(fmt.Sprintf("process %q", u.ProcessID), dep, "no unit with this config id")
		}
		if err := orderUnits_visit(d, byID, todo, loopDetector, result); err != nil {
			return err
		}
	}

	delete(loopDetector, u.ConfigID)
	delete(todo, u.ConfigID)
	*result = append(*result, *u)
	return nil
}

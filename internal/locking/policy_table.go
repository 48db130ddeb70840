// Package locking resolves the locking policy that governs a data access.
package locking

import (
	"fmt"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

// PolicyFactory builds the raw store policy for one (granularity, isolation)
// pair
type PolicyFactory func(granularity model.Granularity, isolation model.IsolationLevel, stricterOK bool) (rawstore.LockingPolicy, error)

// PolicyTable maps (granularity, isolation) to a locking policy. It is
// immutable once built and shared by every transaction.
type PolicyTable struct {
	floor  model.Granularity
	table  [model.NumIsolationLevels]rawstore.LockingPolicy
	record [model.NumIsolationLevels]rawstore.LockingPolicy
}

// Build precomputes the table and record policies for every isolation level
func Build(newPolicy PolicyFactory, floor model.Granularity) (*PolicyTable, error) {
	if !floor.Valid() {
		return nil, invalidFloor(floor)
	}
	t := &PolicyTable{floor: floor}
	for _, iso := range model.IsolationLevels {
		p, err := newPolicy(model.GranularityTable, iso, true)
		if err != nil {
			return nil, accesserrors.InternalError(fmt.Sprintf("failed to build table policy for %s", iso), err).
				WithDetail("isolation", iso.String())
		}
		t.table[iso] = p

		p, err = newPolicy(model.GranularityRecord, iso, true)
		if err != nil {
			return nil, accesserrors.InternalError(fmt.Sprintf("failed to build record policy for %s", iso), err).
				WithDetail("isolation", iso.String())
		}
		t.record[iso] = p
	}
	return t, nil
}

// WithFloor returns a table sharing the same policies under another floor
func (t *PolicyTable) WithFloor(floor model.Granularity) (*PolicyTable, error) {
	if !floor.Valid() {
		return nil, invalidFloor(floor)
	}
	out := *t
	out.floor = floor
	return &out, nil
}

func invalidFloor(floor model.Granularity) error {
	return accesserrors.InvalidArgument(fmt.Sprintf("invalid system lock granularity %s", floor), nil).
		WithDetail("granularity", int(floor))
}

// Floor is the system wide minimum granularity
func (t *PolicyTable) Floor() model.Granularity {
	return t.floor
}

// ResolveGranularity applies the floor: a table floor or a table request
// wins over a record request.
func (t *PolicyTable) ResolveGranularity(requested model.Granularity) model.Granularity {
	if t.floor == model.GranularityTable || requested == model.GranularityTable {
		return model.GranularityTable
	}
	return model.GranularityRecord
}

// Resolve returns the policy for a request at the given isolation
func (t *PolicyTable) Resolve(requested model.Granularity, isolation model.IsolationLevel) (rawstore.LockingPolicy, error) {
	if !isolation.Valid() {
		return nil, accesserrors.InvalidArgument(fmt.Sprintf("invalid isolation level %d", int(isolation)), nil).
			WithDetail("isolation", int(isolation))
	}
	if t.ResolveGranularity(requested) == model.GranularityTable {
		return t.table[isolation], nil
	}
	return t.record[isolation], nil
}

// TablePolicy returns the table level policy for isolation
func (t *PolicyTable) TablePolicy(isolation model.IsolationLevel) rawstore.LockingPolicy {
	return t.table[isolation]
}

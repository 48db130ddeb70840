// Package generic holds the controller and scan shared by the heap and
// B-tree access methods. Both store rows in a raw container and differ only
// in ordering, key positioning and which updates they allow.
package generic

import (
	"fmt"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/rowcodec"
)

// Capabilities describe what an access method allows on top of the shared
// row access
type Capabilities struct {
	// Ordered containers keep rows in key order and accept start/stop keys
	Ordered bool
	// Locations allows InsertAndFetchLocation and Replace
	Locations bool
}

// Base is the descriptor state shared by every conglomerate
type Base struct {
	desc  *rowcodec.Descriptor
	cmp   *rowcodec.Comparator
	caps  Capabilities
	types []rowcodec.ColumnType
}

// NewBase wraps a decoded descriptor
func NewBase(desc *rowcodec.Descriptor, cmp *rowcodec.Comparator, caps Capabilities) *Base {
	if cmp == nil {
		cmp = rowcodec.Default
	}
	return &Base{desc: desc, cmp: cmp, caps: caps, types: desc.Columns}
}

func (b *Base) ID() model.ConglomerateID       { return b.desc.ConglomerateID }
func (b *Base) ContainerID() model.ContainerID { return b.desc.ContainerID }
func (b *Base) ImplementationType() string     { return b.desc.Implementation }
func (b *Base) Template() model.Row            { return rowcodec.Template(b.types) }
func (b *Base) IsTemporary() bool              { return b.desc.Temporary }
func (b *Base) Descriptor() *rowcodec.Descriptor {
	d := *b.desc
	return &d
}

func (b *Base) Ordering() []model.ColumnOrdering {
	return append([]model.ColumnOrdering(nil), b.desc.Ordering...)
}

func (b *Base) Collations() []model.CollationID {
	return append([]model.CollationID(nil), b.desc.Collations...)
}

// Comparator returns the comparator used for keys and qualifiers
func (b *Base) Comparator() *rowcodec.Comparator { return b.cmp }

// Caps returns the access method capabilities
func (b *Base) Caps() Capabilities { return b.caps }

// CompareRows orders full rows by the conglomerate ordering
func (b *Base) CompareRows(x, y model.Row) int {
	return b.cmp.CompareRows(x, y, b.desc.Ordering, b.desc.Collations)
}

// CheckRow verifies a row has the conglomerate's column types
func (b *Base) CheckRow(row model.Row) (model.Row, error) {
	if err := rowcodec.Conforms(row, b.types); err != nil {
		return nil, accesserrors.InvalidArgument(
			fmt.Sprintf("row does not match conglomerate %d", b.desc.ConglomerateID), err).
			WithDetail("conglom_id", int64(b.desc.ConglomerateID))
	}
	return rowcodec.NormalizeRow(row), nil
}

// Widen pads rows written before a column was added
func (b *Base) Widen(row model.Row) model.Row {
	if len(row) >= len(b.types) {
		return row
	}
	out := make(model.Row, len(b.types))
	copy(out, row)
	return out
}

// OpenContainer opens the backing container under the spec's policy
func (b *Base) OpenContainer(tm spi.TransactionManager, policy rawstore.LockingPolicy, mode model.OpenMode) (rawstore.ContainerHandle, error) {
	return tm.RawTransaction().OpenContainer(b.desc.ContainerID, policy, mode)
}

// Open returns a controller over the conglomerate
func (b *Base) Open(tm spi.TransactionManager, spec spi.OpenSpec) (spi.ConglomerateController, error) {
	h, err := b.OpenContainer(tm, spec.Policy, spec.Mode)
	if err != nil {
		return nil, err
	}
	return NewController(tm, b, h, spec), nil
}

// OpenScan returns a scan over the conglomerate. Start and stop keys are
// only accepted by ordered methods.
func (b *Base) OpenScan(tm spi.TransactionManager, spec spi.ScanSpec) (spi.ScanManager, error) {
	if !b.caps.Ordered && (spec.StartKey != nil || spec.StopKey != nil) {
		return nil, accesserrors.InvalidArgument(
			fmt.Sprintf("%s conglomerate %d does not support key positioning", b.desc.Implementation, b.desc.ConglomerateID), nil)
	}
	h, err := b.OpenContainer(tm, spec.Policy, spec.Mode)
	if err != nil {
		return nil, err
	}
	return NewScan(tm, b, h, spec), nil
}

// Drop removes the backing container
func (b *Base) Drop(tm spi.TransactionManager) error {
	return tm.RawTransaction().DropContainer(b.desc.ContainerID)
}

// Load inserts every row of the source under a table lock
func (b *Base) Load(tm spi.TransactionManager, rows spi.RowSource) (int64, error) {
	policy, err := tm.LockingPolicy(model.GranularityTable, model.IsolationSerializable)
	if err != nil {
		return 0, err
	}
	h, err := b.OpenContainer(tm, policy, model.OpenModeForUpdate)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	var n int64
	for {
		row, ok, err := rows.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		row, err = b.CheckRow(row)
		if err != nil {
			return n, err
		}
		if _, err := h.Insert(row); err != nil {
			return n, err
		}
		n++
	}
}

type compiledInfo struct {
	id      model.ConglomerateID
	ordered bool
	columns int
}

func (c *compiledInfo) ConglomerateID() model.ConglomerateID { return c.id }

// StaticCompiledInfo returns the per-conglomerate plan information
func (b *Base) StaticCompiledInfo(tm spi.TransactionManager) (spi.StaticCompiledInfo, error) {
	return &compiledInfo{id: b.desc.ConglomerateID, ordered: b.caps.Ordered, columns: len(b.types)}, nil
}

// DynamicCompiledInfo returns the per-execution plan information
func (b *Base) DynamicCompiledInfo() (spi.DynamicCompiledInfo, error) {
	return &compiledInfo{id: b.desc.ConglomerateID, ordered: b.caps.Ordered, columns: len(b.types)}, nil
}

// StoreCost reads the row count without locking
func (b *Base) StoreCost(tm spi.TransactionManager) (spi.StoreCost, error) {
	policy, err := tm.LockingPolicy(model.GranularityRecord, model.IsolationNoLock)
	if err != nil {
		return spi.StoreCost{}, err
	}
	h, err := b.OpenContainer(tm, policy, model.OpenModeDefault)
	if err != nil {
		return spi.StoreCost{}, err
	}
	defer h.Close()
	n, err := h.RowCount()
	if err != nil {
		return spi.StoreCost{}, err
	}
	return spi.StoreCost{RowCount: n, Ordered: b.caps.Ordered, RowWidth: len(b.types)}, nil
}

// ReadDescriptor reads a container's descriptor without locking
func ReadDescriptor(tm spi.TransactionManager, containerID model.ContainerID) (*rowcodec.Descriptor, error) {
	policy, err := tm.LockingPolicy(model.GranularityRecord, model.IsolationNoLock)
	if err != nil {
		return nil, err
	}
	h, err := tm.RawTransaction().OpenContainer(containerID, policy, model.OpenModeDefault)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	desc, err := rowcodec.DecodeDescriptor(h.Metadata())
	if err != nil {
		return nil, accesserrors.CorruptedData(fmt.Sprintf("container %d descriptor", containerID), err)
	}
	return desc, nil
}

// CreateContainer stores desc in a new container. A temporary container's
// id is assigned by the raw store and written back into desc.
func CreateContainer(tm spi.TransactionManager, desc *rowcodec.Descriptor, kind rawstore.ContainerKind, compare func(a, b model.Row) int) error {
	meta, err := rowcodec.EncodeDescriptor(desc)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %w", err)
	}
	spec := rawstore.ContainerSpec{
		ID:        desc.ContainerID,
		Kind:      kind,
		Temporary: desc.Temporary,
		Metadata:  meta,
		Compare:   compare,
	}
	if desc.Temporary {
		spec.ID = 0
	}
	cid, err := tm.RawTransaction().AddContainer(spec)
	if err != nil {
		return err
	}
	desc.ContainerID = cid
	return nil
}

// Package heap is the unordered access method. Rows keep the record id they
// were inserted with, so callers may hold on to row locations.
package heap

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/store-access/internal/conglomid"
	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/generic"
	"github.com/devrev/pairdb/store-access/internal/storage/rowcodec"
)

// ImplementationType is the name the heap registers under
const ImplementationType = "heap"

// Format identifies heap descriptors
var Format = uuid.MustParse("d2976090-d9f5-11d0-b52d-00c04fc2e8b2")

var caps = generic.Capabilities{Locations: true}

// Factory creates and reads heap conglomerates
type Factory struct {
	cmp    *rowcodec.Comparator
	logger *zap.Logger
}

var _ spi.ConglomerateFactory = (*Factory)(nil)

// NewFactory returns a heap factory comparing strings with cmp
func NewFactory(cmp *rowcodec.Comparator, logger *zap.Logger) *Factory {
	if cmp == nil {
		cmp = rowcodec.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cmp: cmp, logger: logger}
}

func (f *Factory) PrimaryImplementationType() string { return ImplementationType }
func (f *Factory) PrimaryFormat() uuid.UUID          { return Format }
func (f *Factory) FactoryID() int                    { return conglomid.TagHeap }

func (f *Factory) SupportsImplementation(impl string) bool {
	return impl == ImplementationType
}

func (f *Factory) SupportsFormat(format uuid.UUID) bool {
	return format == Format
}

func (f *Factory) DefaultProperties() model.Properties {
	return model.Properties{}
}

// CreateConglomerate creates the backing container and stores the
// descriptor in its metadata
func (f *Factory) CreateConglomerate(tm spi.TransactionManager, spec spi.CreateSpec) (spi.Conglomerate, error) {
	types, err := rowcodec.TypesOf(spec.Template)
	if err != nil {
		return nil, accesserrors.InvalidArgument("invalid heap template", err)
	}
	collations := spec.Collations
	if collations == nil {
		collations = make([]model.CollationID, len(types))
	}
	if len(collations) != len(types) {
		return nil, accesserrors.InvalidArgument(
			fmt.Sprintf("%d collation ids for %d columns", len(collations), len(types)), nil)
	}
	desc := &rowcodec.Descriptor{
		Implementation: ImplementationType,
		Version:        1,
		ConglomerateID: spec.ID,
		ContainerID:    spec.ContainerID,
		Columns:        types,
		Collations:     collations,
		Temporary:      spec.Temporary.IsTemporary(),
		Properties:     spec.Properties.Clone(),
	}
	if err := generic.CreateContainer(tm, desc, rawstore.ContainerKindHeap, nil); err != nil {
		return nil, err
	}
	f.logger.Debug("Created heap conglomerate",
		zap.Int64("conglom_id", int64(desc.ConglomerateID)),
		zap.Int64("container_id", int64(desc.ContainerID)),
		zap.Int("columns", len(types)))
	return f.wrap(desc), nil
}

// ReadConglomerate decodes the descriptor stored with the container
func (f *Factory) ReadConglomerate(tm spi.TransactionManager, id model.ConglomerateID, containerID model.ContainerID) (spi.Conglomerate, error) {
	desc, err := generic.ReadDescriptor(tm, containerID)
	if err != nil {
		return nil, err
	}
	if desc.Implementation != ImplementationType || desc.ConglomerateID != id {
		return nil, accesserrors.CorruptedData(
			fmt.Sprintf("container %d holds %s conglomerate %d, expected heap %d",
				containerID, desc.Implementation, desc.ConglomerateID, id), nil)
	}
	return f.wrap(desc), nil
}

func (f *Factory) wrap(desc *rowcodec.Descriptor) *Conglomerate {
	return &Conglomerate{Base: generic.NewBase(desc, f.cmp, caps), factory: f}
}

// Conglomerate is an immutable heap descriptor
type Conglomerate struct {
	*generic.Base
	factory *Factory
}

var _ spi.Conglomerate = (*Conglomerate)(nil)

// AddColumn appends a column and returns the new descriptor version.
// Existing rows read the new column as nil.
func (c *Conglomerate) AddColumn(tm spi.TransactionManager, position int, template model.Value, collation model.CollationID) (spi.Conglomerate, error) {
	desc := c.Descriptor()
	if position != len(desc.Columns) {
		return nil, accesserrors.InvalidArgument(
			fmt.Sprintf("column %d cannot be added to heap %d with %d columns", position, desc.ConglomerateID, len(desc.Columns)), nil)
	}
	t, err := rowcodec.TypeOf(rowcodec.Normalize(template))
	if err != nil {
		return nil, accesserrors.InvalidArgument("invalid column template", err)
	}

	desc.Columns = append(append([]rowcodec.ColumnType(nil), desc.Columns...), t)
	desc.Collations = append(c.Collations(), collation)
	desc.Version++

	meta, err := rowcodec.EncodeDescriptor(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}
	policy, err := tm.LockingPolicy(model.GranularityTable, model.IsolationSerializable)
	if err != nil {
		return nil, err
	}
	h, err := c.OpenContainer(tm, policy, model.OpenModeForUpdate)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	if err := h.SetMetadata(meta); err != nil {
		return nil, err
	}
	return c.factory.wrap(desc), nil
}

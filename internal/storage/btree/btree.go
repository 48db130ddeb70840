// Package btree is the ordered access method. Rows are kept in key order by
// the column ordering and collation ids of the conglomerate; scans position
// with start and stop keys.
package btree

import (
	"fmt"
	"strings"

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

const (
	// ImplementationType is the primary name of the B-tree
	ImplementationType = "BTREE"
	// SecondaryImplementationType is also accepted on create
	SecondaryImplementationType = "btree"
)

// Format identifies B-tree descriptors
var Format = uuid.MustParse("c6cefaa0-5ad5-11d0-a0b4-00c04fc2e8b2")

var caps = generic.Capabilities{Ordered: true}

// Factory creates and reads B-tree conglomerates
type Factory struct {
	cmp    *rowcodec.Comparator
	logger *zap.Logger
}

var _ spi.ConglomerateFactory = (*Factory)(nil)

// NewFactory returns a B-tree factory comparing strings with cmp
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
func (f *Factory) FactoryID() int                    { return conglomid.TagBTree }

func (f *Factory) SupportsImplementation(impl string) bool {
	return impl == ImplementationType || impl == SecondaryImplementationType
}

func (f *Factory) SupportsFormat(format uuid.UUID) bool {
	return format == Format
}

func (f *Factory) DefaultProperties() model.Properties {
	return model.Properties{}
}

func defaultOrdering(columns int) []model.ColumnOrdering {
	out := make([]model.ColumnOrdering, columns)
	for i := range out {
		out[i] = model.ColumnOrdering{Column: i, Ascending: true}
	}
	return out
}

// CreateConglomerate creates an ordered container keyed by spec.Ordering,
// or by every column ascending when no ordering is given
func (f *Factory) CreateConglomerate(tm spi.TransactionManager, spec spi.CreateSpec) (spi.Conglomerate, error) {
	types, err := rowcodec.TypesOf(spec.Template)
	if err != nil {
		return nil, accesserrors.InvalidArgument("invalid btree template", err)
	}
	if len(types) == 0 {
		return nil, accesserrors.InvalidArgument("btree needs at least one column", nil)
	}
	ordering := spec.Ordering
	if len(ordering) == 0 {
		ordering = defaultOrdering(len(types))
	}
	var cols []string
	for _, o := range ordering {
		if o.Column < 0 || o.Column >= len(types) {
			return nil, accesserrors.InvalidArgument(
				fmt.Sprintf("ordering column %d outside %d columns", o.Column, len(types)), nil)
		}
		cols = append(cols, fmt.Sprint(o.Column))
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
		Ordering:       append([]model.ColumnOrdering(nil), ordering...),
		Collations:     collations,
		Temporary:      spec.Temporary.IsTemporary(),
		Properties:     spec.Properties.Clone(),
	}
	base := generic.NewBase(desc, f.cmp, caps)
	if err := generic.CreateContainer(tm, desc, rawstore.ContainerKindOrdered, base.CompareRows); err != nil {
		return nil, err
	}
	f.logger.Debug("Created btree conglomerate",
		zap.Int64("conglom_id", int64(desc.ConglomerateID)),
		zap.Int64("container_id", int64(desc.ContainerID)),
		zap.String("key", strings.Join(cols, ",")))
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
			fmt.Sprintf("container %d holds %s conglomerate %d, expected btree %d",
				containerID, desc.Implementation, desc.ConglomerateID, id), nil)
	}
	return f.wrap(desc), nil
}

func (f *Factory) wrap(desc *rowcodec.Descriptor) *Conglomerate {
	return &Conglomerate{Base: generic.NewBase(desc, f.cmp, caps)}
}

// Conglomerate is an immutable B-tree descriptor
type Conglomerate struct {
	*generic.Base
}

var _ spi.Conglomerate = (*Conglomerate)(nil)

// AddColumn is not supported on an index
func (c *Conglomerate) AddColumn(tm spi.TransactionManager, position int, template model.Value, collation model.CollationID) (spi.Conglomerate, error) {
	return nil, accesserrors.InvalidArgument(
		fmt.Sprintf("cannot add a column to btree %d", c.ID()), nil).
		WithDetail("conglom_id", int64(c.ID()))
}

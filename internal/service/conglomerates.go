package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/store-access/internal/conglomid"
	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

// maxIDCollisions bounds the retries of a creation whose fresh id is
// already taken in the raw store
const maxIDCollisions = 8

// ScanOptions are the arguments of OpenScan and OpenGroupFetchScan
type ScanOptions struct {
	Hold        bool
	Mode        model.OpenMode
	Granularity model.Granularity
	Isolation   model.IsolationLevel
	Columns     *model.ColumnSet
	StartKey    model.Row
	StartOp     model.SearchOperator
	Qualifiers  model.QualifierMatrix
	StopKey     model.Row
	StopOp      model.SearchOperator
}

// findConglomerate resolves id: temporary ids through this transaction and
// its parent, persistent ids through the cache
func (t *Transaction) findConglomerate(id model.ConglomerateID) (spi.Conglomerate, error) {
	if id.IsTemporary() {
		if _, c, ok := t.findTemp(id); ok {
			return c, nil
		}
		return nil, accesserrors.ConglomerateDoesNotExist(int64(id))
	}
	return t.am.cache.Find(id, t.readConglomerate)
}

func (t *Transaction) findTemp(id model.ConglomerateID) (int, spi.Conglomerate, bool) {
	for cur := t; cur != nil; cur = cur.parentTxn() {
		if c, ok := cur.temp[id]; ok {
			return cur.slot, c, true
		}
	}
	return noSlot, nil, false
}

// readConglomerate faults a descriptor in through the factory owning the
// id's tag
func (t *Transaction) readConglomerate(id model.ConglomerateID) (spi.Conglomerate, error) {
	tag := conglomid.Tag(id)
	f, ok := t.am.registry.FactoryForTag(tag)
	if !ok {
		return nil, accesserrors.ConglomerateDoesNotExist(int64(id)).WithDetail("factory_tag", tag)
	}
	return f.ReadConglomerate(t, id, conglomid.ContainerID(id))
}

// CreateConglomerate creates a conglomerate of the named implementation.
// Persistent conglomerates draw an id from the database sequence and go to
// the cache; temporary ones get a session scoped negative id.
func (t *Transaction) CreateConglomerate(impl string, template model.Row, ordering []model.ColumnOrdering, collations []model.CollationID, props model.Properties, temp model.TemporaryFlag) (model.ConglomerateID, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	if err := t.am.validator.ValidateCreate(impl, template, ordering, collations); err != nil {
		return 0, err
	}
	factory, err := t.am.conglomerateFactory(impl)
	if err != nil {
		return 0, err
	}

	spec := spi.CreateSpec{
		Template:   template,
		Ordering:   ordering,
		Collations: collations,
		Properties: props,
		Temporary:  temp,
	}
	var conglom spi.Conglomerate
	if temp.IsTemporary() {
		spec.ID = t.session.nextTempID()
		if conglom, err = factory.CreateConglomerate(t, spec); err != nil {
			return 0, err
		}
		t.temp[spec.ID] = conglom
	} else {
		if conglom, err = t.createPersistent(factory, spec); err != nil {
			return 0, err
		}
		if err := t.am.cache.Insert(conglom.ID(), conglom); err != nil {
			return 0, err
		}
	}
	t.created = append(t.created, conglom.ID())
	t.touch()

	t.am.metrics.RecordConglomerateCreated(impl, temp.IsTemporary())
	t.logger.Debug("Created conglomerate",
		zap.Int64("conglom_id", int64(conglom.ID())),
		zap.String("implementation", impl),
		zap.Bool("temporary", temp.IsTemporary()))
	return conglom.ID(), nil
}

// createPersistent allocates ids until the raw store accepts one. The
// sequence is not transactional, so a fresh id may already be in use.
func (t *Transaction) createPersistent(factory spi.ConglomerateFactory, spec spi.CreateSpec) (spi.Conglomerate, error) {
	for attempt := 0; ; attempt++ {
		id, err := t.am.ids.Next(factory.FactoryID())
		if err != nil {
			return nil, err
		}
		spec.ID = id
		spec.ContainerID = conglomid.ContainerID(id)
		conglom, err := factory.CreateConglomerate(t, spec)
		if !accesserrors.Is(err, accesserrors.ErrCodeConglomerateIDExists) || attempt == maxIDCollisions {
			return conglom, err
		}

		t.logger.Warn("Conglomerate id already in use, moving the sequence past it",
			zap.Int64("conglom_id", int64(id)),
			zap.Int("attempt", attempt))
		t.am.ids.Bump(id)
		if max, err := t.am.raw.MaxContainerID(); err == nil {
			t.am.ids.Bump(model.ConglomerateID(max))
		}
	}
}

// CreateAndLoadConglomerate creates a conglomerate and fills it from rows
func (t *Transaction) CreateAndLoadConglomerate(impl string, template model.Row, ordering []model.ColumnOrdering, collations []model.CollationID, props model.Properties, temp model.TemporaryFlag, rows spi.RowSource) (model.ConglomerateID, int64, error) {
	defer rows.Close()
	id, err := t.CreateConglomerate(impl, template, ordering, collations, props, temp)
	if err != nil {
		return 0, 0, err
	}
	n, err := t.LoadConglomerate(id, rows)
	if err != nil {
		return 0, 0, err
	}
	return id, n, nil
}

// RecreateAndLoadConglomerate loads rows into a new conglomerate. When no
// rows arrive and recreateIfEmpty is false, the new conglomerate is dropped
// and origID is returned.
func (t *Transaction) RecreateAndLoadConglomerate(impl string, recreateIfEmpty bool, template model.Row, ordering []model.ColumnOrdering, collations []model.CollationID, props model.Properties, temp model.TemporaryFlag, origID model.ConglomerateID, rows spi.RowSource) (model.ConglomerateID, error) {
	id, n, err := t.CreateAndLoadConglomerate(impl, template, ordering, collations, props, temp, rows)
	if err != nil {
		return 0, err
	}
	if n == 0 && !recreateIfEmpty {
		if err := t.DropConglomerate(id); err != nil {
			return 0, err
		}
		return origID, nil
	}
	return id, nil
}

// LoadConglomerate inserts every row of rows and returns the row count
func (t *Transaction) LoadConglomerate(id model.ConglomerateID, rows spi.RowSource) (int64, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return 0, err
	}
	t.touch()
	return conglom.Load(t, rows)
}

// ConglomerateExists reports whether id resolves to a conglomerate
func (t *Transaction) ConglomerateExists(id model.ConglomerateID) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	_, err := t.findConglomerate(id)
	switch {
	case err == nil:
		return true, nil
	case accesserrors.Is(err, accesserrors.ErrCodeConglomerateDoesNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (t *Transaction) isOpen(id model.ConglomerateID) bool {
	for _, cc := range t.controllers {
		if cc.ConglomerateID() == id {
			return true
		}
	}
	for _, sm := range t.scans {
		if sm.ConglomerateID() == id {
			return true
		}
	}
	return false
}

// DropConglomerate drops a conglomerate that this transaction has no open
// controller on and forgets its descriptor
func (t *Transaction) DropConglomerate(id model.ConglomerateID) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return err
	}
	if t.isOpen(id) {
		return accesserrors.ConglomerateOpen(int64(id))
	}
	if err := conglom.Drop(t); err != nil {
		return err
	}

	if id.IsTemporary() {
		owner, _, _ := t.findTemp(id)
		if o := t.session.transaction(owner); o != nil {
			delete(o.temp, id)
		}
		t.droppedTemp[id] = droppedTemp{owner: owner, conglom: conglom}
	} else {
		t.am.cache.Remove(id)
	}
	t.touch()
	t.am.metrics.RecordConglomerateDropped()
	t.logger.Debug("Dropped conglomerate", zap.Int64("conglom_id", int64(id)))
	return nil
}

// AddColumnToConglomerate adds a column under an exclusive table lock and
// installs the new descriptor. An abort afterwards invalidates the whole
// cache.
func (t *Transaction) AddColumnToConglomerate(id model.ConglomerateID, position int, template model.Value, collation model.CollationID) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return err
	}
	cc, err := t.OpenConglomerate(id, false, model.OpenModeForUpdate, model.GranularityTable, model.IsolationSerializable)
	if err != nil {
		return err
	}
	defer cc.Close()

	t.alterTableCalled = true
	altered, err := conglom.AddColumn(t, position, template, collation)
	if err != nil {
		return err
	}
	if id.IsTemporary() {
		owner, _, _ := t.findTemp(id)
		if o := t.session.transaction(owner); o != nil {
			o.temp[id] = altered
		}
		return nil
	}
	return t.am.cache.Replace(id, altered)
}

func (t *Transaction) openSpec(hold bool, mode model.OpenMode, g model.Granularity, iso model.IsolationLevel) (spi.OpenSpec, error) {
	table := t.am.policyTable()
	policy, err := table.Resolve(g, iso)
	if err != nil {
		return spi.OpenSpec{}, err
	}
	return spi.OpenSpec{
		Hold:        hold,
		Mode:        mode,
		Granularity: table.ResolveGranularity(g),
		Isolation:   iso,
		Policy:      policy,
	}, nil
}

// OpenConglomerate opens a controller on id under the locking policy
// resolved for (g, iso). The controller is closed at commit unless hold is
// set, and always at abort.
func (t *Transaction) OpenConglomerate(id model.ConglomerateID, hold bool, mode model.OpenMode, g model.Granularity, iso model.IsolationLevel) (spi.ConglomerateController, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.am.validator.ValidateOpen(mode, model.ConglomerateOpenModes, g, iso); err != nil {
		return nil, err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return nil, err
	}
	spec, err := t.openSpec(hold, mode, g, iso)
	if err != nil {
		return nil, err
	}
	return t.openController(conglom, spec)
}

// OpenCompiledConglomerate opens a controller reusing compiled information
// from GetStaticCompiledConglomInfo and GetDynamicCompiledConglomInfo
func (t *Transaction) OpenCompiledConglomerate(hold bool, mode model.OpenMode, g model.Granularity, iso model.IsolationLevel, static spi.StaticCompiledInfo, dynamic spi.DynamicCompiledInfo) (spi.ConglomerateController, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if static == nil {
		return nil, accesserrors.InvalidArgument("static compiled info is required", nil)
	}
	if err := t.am.validator.ValidateOpen(mode, model.ConglomerateOpenModes, g, iso); err != nil {
		return nil, err
	}
	conglom, err := t.findConglomerate(static.ConglomerateID())
	if err != nil {
		return nil, err
	}
	spec, err := t.openSpec(hold, mode, g, iso)
	if err != nil {
		return nil, err
	}
	spec.Static = static
	spec.Dynamic = dynamic
	return t.openController(conglom, spec)
}

func (t *Transaction) openController(conglom spi.Conglomerate, spec spi.OpenSpec) (spi.ConglomerateController, error) {
	cc, err := conglom.Open(t, spec)
	if err != nil {
		return nil, err
	}
	t.controllers = append(t.controllers, cc)
	t.touch()
	t.am.metrics.AddOpenControllers(1)
	t.logger.Debug("Opened conglomerate",
		zap.Int64("conglom_id", int64(conglom.ID())),
		zap.String("open_mode", spec.Mode.String()),
		zap.String("granularity", spec.Granularity.String()),
		zap.String("isolation", spec.Isolation.String()),
		zap.Bool("hold", spec.Hold))
	return cc, nil
}

// OpenScan opens a scan on id
func (t *Transaction) OpenScan(id model.ConglomerateID, opts ScanOptions) (spi.ScanController, error) {
	return t.openScan(id, opts)
}

// OpenGroupFetchScan opens a scan returning rows in batches
func (t *Transaction) OpenGroupFetchScan(id model.ConglomerateID, opts ScanOptions) (spi.GroupFetchScanController, error) {
	return t.openScan(id, opts)
}

func (t *Transaction) openScan(id model.ConglomerateID, opts ScanOptions) (spi.ScanManager, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if err := t.am.validator.ValidateOpen(opts.Mode, model.ScanOpenModes, opts.Granularity, opts.Isolation); err != nil {
		return nil, err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return nil, err
	}
	spec, err := t.openSpec(opts.Hold, opts.Mode, opts.Granularity, opts.Isolation)
	if err != nil {
		return nil, err
	}
	sm, err := conglom.OpenScan(t, spi.ScanSpec{
		OpenSpec:   spec,
		Columns:    opts.Columns,
		StartKey:   opts.StartKey,
		StartOp:    opts.StartOp,
		Qualifiers: opts.Qualifiers,
		StopKey:    opts.StopKey,
		StopOp:     opts.StopOp,
	})
	if err != nil {
		return nil, err
	}
	t.trackScan(sm)
	t.logger.Debug("Opened scan",
		zap.Int64("conglom_id", int64(id)),
		zap.String("open_mode", opts.Mode.String()),
		zap.String("granularity", spec.Granularity.String()),
		zap.String("isolation", opts.Isolation.String()))
	return sm, nil
}

func (t *Transaction) trackScan(sm spi.ScanManager) {
	t.scans = append(t.scans, sm)
	t.touch()
	t.am.metrics.AddOpenControllers(1)
}

// FetchMaxOnBTree returns the largest row of an ordered conglomerate
func (t *Transaction) FetchMaxOnBTree(id model.ConglomerateID, mode model.OpenMode, g model.Granularity, iso model.IsolationLevel, columns *model.ColumnSet) (model.Row, bool, error) {
	sm, err := t.openScan(id, ScanOptions{Mode: mode, Granularity: g, Isolation: iso, Columns: columns})
	if err != nil {
		return nil, false, err
	}
	defer sm.Close()
	mf, ok := sm.(spi.MaxFetcher)
	if !ok {
		return nil, false, accesserrors.InvalidArgument(
			fmt.Sprintf("conglomerate %s cannot fetch its maximum row", id), nil).WithDetail("conglom_id", int64(id))
	}
	return mf.FetchMax()
}

// GetStaticCompiledConglomInfo returns plan information valid until the
// next DDL on id
func (t *Transaction) GetStaticCompiledConglomInfo(id model.ConglomerateID) (spi.StaticCompiledInfo, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return nil, err
	}
	return conglom.StaticCompiledInfo(t)
}

// GetDynamicCompiledConglomInfo returns per execution plan information
func (t *Transaction) GetDynamicCompiledConglomInfo(id model.ConglomerateID) (spi.DynamicCompiledInfo, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return nil, err
	}
	return conglom.DynamicCompiledInfo()
}

// OpenStoreCost returns the optimizer's cost estimate for id
func (t *Transaction) OpenStoreCost(id model.ConglomerateID) (spi.StoreCost, error) {
	if err := t.checkOpen(); err != nil {
		return spi.StoreCost{}, err
	}
	conglom, err := t.findConglomerate(id)
	if err != nil {
		return spi.StoreCost{}, err
	}
	return conglom.StoreCost(t)
}

package generic

import (
	"fmt"
	"sync"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
	"github.com/devrev/pairdb/store-access/internal/spi"
)

// Controller is the row-level controller of an open conglomerate
type Controller struct {
	tm   spi.TransactionManager
	base *Base
	h    rawstore.ContainerHandle
	spec spi.OpenSpec

	mu     sync.Mutex
	closed bool
}

var _ spi.ConglomerateController = (*Controller)(nil)

// NewController wraps an open container handle
func NewController(tm spi.TransactionManager, base *Base, h rawstore.ContainerHandle, spec spi.OpenSpec) *Controller {
	return &Controller{tm: tm, base: base, h: h, spec: spec}
}

func (c *Controller) ConglomerateID() model.ConglomerateID { return c.base.ID() }
func (c *Controller) Policy() rawstore.LockingPolicy       { return c.h.Policy() }
func (c *Controller) IsHeld() bool                         { return c.spec.Hold }

func (c *Controller) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return accesserrors.ControllerClosed(fmt.Sprintf("conglomerate %d", c.base.ID()))
	}
	return nil
}

func (c *Controller) checkLocation(loc model.RowLocation) error {
	if loc.ContainerID != c.base.ContainerID() {
		return accesserrors.InvalidArgument(
			fmt.Sprintf("row location %s does not belong to conglomerate %d", loc, c.base.ID()), nil)
	}
	return nil
}

func (c *Controller) Insert(row model.Row) error {
	_, err := c.insert(row)
	return err
}

func (c *Controller) insert(row model.Row) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	row, err := c.base.CheckRow(row)
	if err != nil {
		return 0, err
	}
	return c.h.Insert(row)
}

// InsertAndFetchLocation inserts a row and returns where it landed. Ordered
// methods move rows and do not hand out locations.
func (c *Controller) InsertAndFetchLocation(row model.Row) (model.RowLocation, error) {
	if !c.base.caps.Locations {
		return model.RowLocation{}, accesserrors.InvalidArgument(
			fmt.Sprintf("%s does not support InsertAndFetchLocation", c.base.ImplementationType()), nil)
	}
	rid, err := c.insert(row)
	if err != nil {
		return model.RowLocation{}, err
	}
	return model.RowLocation{ContainerID: c.base.ContainerID(), RecordID: rid}, nil
}

func (c *Controller) Fetch(loc model.RowLocation, columns *model.ColumnSet) (model.Row, bool, error) {
	if err := c.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := c.checkLocation(loc); err != nil {
		return nil, false, err
	}
	row, ok, err := c.h.Fetch(loc.RecordID, false)
	if err != nil || !ok {
		return nil, ok, err
	}
	return columns.Project(c.base.Widen(row)), true, nil
}

// Replace overwrites the projected columns of the row at loc
func (c *Controller) Replace(loc model.RowLocation, row model.Row, columns *model.ColumnSet) (bool, error) {
	if !c.base.caps.Locations {
		return false, accesserrors.InvalidArgument(
			fmt.Sprintf("%s does not support Replace", c.base.ImplementationType()), nil)
	}
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	if err := c.checkLocation(loc); err != nil {
		return false, err
	}
	return replace(c.base, c.h, loc.RecordID, row, columns)
}

func (c *Controller) Delete(loc model.RowLocation) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	if err := c.checkLocation(loc); err != nil {
		return false, err
	}
	return c.h.Delete(loc.RecordID)
}

func (c *Controller) RowCount() (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.h.RowCount()
}

func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.h.Close()
	c.tm.CloseMeController(c)
	return nil
}

func (c *Controller) CloseForEndTransaction(closeHeld bool) (bool, error) {
	if c.spec.Hold && !closeHeld {
		return false, nil
	}
	return true, c.Close()
}

// replace merges the projected columns of row into the stored row
func replace(base *Base, h rawstore.ContainerHandle, rid int64, row model.Row, columns *model.ColumnSet) (bool, error) {
	current, ok, err := h.Fetch(rid, true)
	if err != nil || !ok {
		return ok, err
	}
	merged := base.Widen(current)
	for i := range merged {
		if i < len(row) && columns.Contains(i) {
			merged[i] = row[i]
		}
	}
	merged, err = base.CheckRow(merged)
	if err != nil {
		return false, err
	}
	return h.Update(rid, merged)
}

package memstore

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/rawstore"
)

const btreeDegree = 32

type indexItem struct {
	row model.Row
	rid int64
}

// container holds the records of one container. Ordered containers keep a
// B-tree of (row, record id) next to the record map.
type container struct {
	id        model.ContainerID
	kind      rawstore.ContainerKind
	temporary bool
	meta      []byte
	rows      map[int64]model.Row
	index     *btree.BTreeG[indexItem]
	nextRID   int64
}

func newContainer(id model.ContainerID, spec rawstore.ContainerSpec) (*container, error) {
	c := &container{
		id:        id,
		kind:      spec.Kind,
		temporary: spec.Temporary,
		meta:      cloneBytes(spec.Metadata),
		rows:      make(map[int64]model.Row),
		nextRID:   1,
	}
	switch spec.Kind {
	case rawstore.ContainerKindHeap:
	case rawstore.ContainerKindOrdered:
		if spec.Compare == nil {
			return nil, fmt.Errorf("ordered container %d needs a comparator", id)
		}
		compare := spec.Compare
		c.index = btree.NewG(btreeDegree, func(a, b indexItem) bool {
			if r := compare(a.row, b.row); r != 0 {
				return r < 0
			}
			return a.rid < b.rid
		})
	default:
		return nil, fmt.Errorf("unknown container kind %d", spec.Kind)
	}
	return c, nil
}

func (c *container) allocRID() int64 {
	rid := c.nextRID
	c.nextRID++
	return rid
}

func (c *container) put(rid int64, row model.Row) {
	c.rows[rid] = row
	if c.index != nil {
		c.index.ReplaceOrInsert(indexItem{row: row, rid: rid})
	}
}

func (c *container) remove(rid int64) (model.Row, bool) {
	row, ok := c.rows[rid]
	if !ok {
		return nil, false
	}
	delete(c.rows, rid)
	if c.index != nil {
		c.index.Delete(indexItem{row: row, rid: rid})
	}
	return row, true
}

func (c *container) recordIDs() []int64 {
	out := make([]int64, 0, len(c.rows))
	if c.index != nil {
		c.index.Ascend(func(it indexItem) bool {
			out = append(out, it.rid)
			return true
		})
		return out
	}
	for rid := range c.rows {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

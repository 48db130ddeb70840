package rowcodec

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/devrev/pairdb/store-access/internal/model"
)

// Comparator orders values. Territory collation uses a locale collator that
// is not safe for concurrent use, so it is guarded by a mutex.
type Comparator struct {
	mu        sync.Mutex
	territory *collate.Collator
	tag       language.Tag
}

// NewComparator returns a comparator whose territory collation follows tag
func NewComparator(tag language.Tag) *Comparator {
	return &Comparator{territory: collate.New(tag), tag: tag}
}

// Default compares territory strings with English rules
var Default = NewComparator(language.English)

// Territory returns the locale used for territory collation
func (c *Comparator) Territory() language.Tag {
	return c.tag
}

// Compare orders two values with nil lowest
func (c *Comparator) Compare(a, b model.Value, collation model.CollationID) int {
	a, b = Normalize(a), Normalize(b)
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	switch x := a.(type) {
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y)
		case float64:
			return cmpOrdered(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmpOrdered(x, y)
		case int64:
			return cmpOrdered(x, float64(y))
		}
	case string:
		if y, ok := b.(string); ok {
			if collation == model.CollationTerritory {
				c.mu.Lock()
				defer c.mu.Unlock()
				return c.territory.CompareString(x, y)
			}
			return strings.Compare(x, y)
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}

	// values of different types order by type name
	ta, _ := TypeOf(a)
	tb, _ := TypeOf(b)
	return strings.Compare(string(ta), string(tb))
}

type ordered interface {
	~int64 | ~float64
}

func cmpOrdered[T ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func collationOf(collations []model.CollationID, column int) model.CollationID {
	if column < len(collations) {
		return collations[column]
	}
	return model.CollationBasic
}

// compareOrdered compares one ordering column honouring direction and null
// placement
func (c *Comparator) compareOrdered(a, b model.Value, o model.ColumnOrdering, collations []model.CollationID) int {
	var r int
	switch {
	case a == nil && b == nil:
		r = 0
	case a == nil || b == nil:
		r = 1
		if a == nil {
			r = -1
		}
		if !o.NullsOrderedLow {
			r = -r
		}
		// null placement does not flip with descending order
		return r
	default:
		r = c.Compare(a, b, collationOf(collations, o.Column))
	}
	if !o.Ascending {
		r = -r
	}
	return r
}

// CompareRows orders two full rows by the ordering columns
func (c *Comparator) CompareRows(a, b model.Row, ordering []model.ColumnOrdering, collations []model.CollationID) int {
	for _, o := range ordering {
		if r := c.compareOrdered(value(a, o.Column), value(b, o.Column), o, collations); r != 0 {
			return r
		}
	}
	return 0
}

// ComparePrefix compares a full row against a partial key. key[i] is the
// value for ordering[i]; only the first len(key) ordering columns count.
func (c *Comparator) ComparePrefix(row, key model.Row, ordering []model.ColumnOrdering, collations []model.CollationID) int {
	for i, k := range key {
		if i >= len(ordering) {
			break
		}
		o := ordering[i]
		if r := c.compareOrdered(value(row, o.Column), k, o, collations); r != 0 {
			return r
		}
	}
	return 0
}

func value(r model.Row, column int) model.Value {
	if column < len(r) {
		return r[column]
	}
	return nil
}

package rowcodec

import "github.com/devrev/pairdb/store-access/internal/model"

// Qualifies evaluates a qualifier matrix against a row. Row 0 of the matrix
// is a conjunction; each later row is a disjunction that must hold.
func (c *Comparator) Qualifies(row model.Row, matrix model.QualifierMatrix, collations []model.CollationID) bool {
	for i, group := range matrix {
		if i == 0 {
			for _, q := range group {
				if !c.qualifies(row, q, collations) {
					return false
				}
			}
			continue
		}
		if len(group) == 0 {
			continue
		}
		matched := false
		for _, q := range group {
			if c.qualifies(row, q, collations) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (c *Comparator) qualifies(row model.Row, q model.Qualifier, collations []model.CollationID) bool {
	col := value(row, q.Column)
	var result bool
	if (col == nil || q.Value == nil) && !q.OrderedNulls {
		result = q.UnknownRV
	} else {
		cmp := c.Compare(col, q.Value, collationOf(collations, q.Column))
		switch q.Op {
		case model.QualifierEQ:
			result = cmp == 0
		case model.QualifierLT:
			result = cmp < 0
		case model.QualifierLE:
			result = cmp <= 0
		}
	}
	if q.Negate {
		result = !result
	}
	return result
}

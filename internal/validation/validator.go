package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
)

const (
	// Size limits
	MaxNameSize      = 128
	MaxColumns       = 1012
	MaxPropertyKey   = 256
	MaxPropertyValue = 32 * 1024
)

// Validator validates the arguments of access operations before any state
// is touched
type Validator struct {
	maxNameSize  int
	maxColumns   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxNameSize:  MaxNameSize,
		maxColumns:   MaxColumns,
		maxValueSize: MaxPropertyValue,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxNameSize, maxColumns, maxValueSize int) *Validator {
	return &Validator{
		maxNameSize:  maxNameSize,
		maxColumns:   maxColumns,
		maxValueSize: maxValueSize,
	}
}

// ValidateCreate validates the arguments of a conglomerate creation
func (v *Validator) ValidateCreate(impl string, template model.Row, ordering []model.ColumnOrdering, collations []model.CollationID) error {
	if err := v.ValidateName("implementation", impl); err != nil {
		return err
	}
	if err := v.ValidateTemplate(template); err != nil {
		return err
	}
	if collations != nil && len(collations) != len(template) {
		return errors.InvalidArgument(
			fmt.Sprintf("%d collation ids for %d columns", len(collations), len(template)), nil)
	}
	return v.ValidateOrdering(ordering, len(template))
}

// ValidateName validates an implementation, transaction or savepoint name
func (v *Validator) ValidateName(what, name string) error {
	if name == "" {
		return errors.InvalidArgument(what+" name cannot be empty", nil).WithDetail(what, name)
	}
	if len(name) > v.maxNameSize {
		return errors.InvalidArgument(
			fmt.Sprintf("%s name exceeds maximum size of %d bytes", what, v.maxNameSize), nil).WithDetail(what, name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.InvalidArgument(what+" name cannot contain control characters", nil).WithDetail(what, name)
		}
	}
	return nil
}

// ValidateTemplate validates a row template
func (v *Validator) ValidateTemplate(template model.Row) error {
	if len(template) == 0 {
		return errors.InvalidArgument("row template cannot be empty", nil)
	}
	if len(template) > v.maxColumns {
		return errors.InvalidArgument(
			fmt.Sprintf("row template has too many columns: %d > %d", len(template), v.maxColumns), nil)
	}
	return nil
}

// ValidateOrdering checks that every ordered column exists and appears once
func (v *Validator) ValidateOrdering(ordering []model.ColumnOrdering, columns int) error {
	seen := make(map[int]bool, len(ordering))
	for i, o := range ordering {
		if o.Column < 0 || o.Column >= columns {
			return errors.InvalidArgument(
				fmt.Sprintf("ordering entry %d names column %d of %d", i, o.Column, columns), nil)
		}
		if seen[o.Column] {
			return errors.InvalidArgument(
				fmt.Sprintf("ordering entry %d repeats column %d", i, o.Column), nil)
		}
		seen[o.Column] = true
	}
	return nil
}

// ValidateOpen validates the open mode, granularity and isolation of an open.
// allowed is the set of mode bits the operation accepts.
func (v *Validator) ValidateOpen(mode, allowed model.OpenMode, g model.Granularity, iso model.IsolationLevel) error {
	if extra := mode &^ allowed; extra != 0 {
		return errors.InvalidArgument(fmt.Sprintf("unsupported open mode bits %s", extra), nil).
			WithDetail("open_mode", mode.String())
	}
	if !g.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("invalid lock granularity %s", g), nil).
			WithDetail("granularity", int(g))
	}
	if !iso.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("invalid isolation level %s", iso), nil).
			WithDetail("isolation", int(iso))
	}
	return nil
}

// ValidateXid validates an XA identifier
func (v *Validator) ValidateXid(xid model.Xid) error {
	if err := xid.Validate(); err != nil {
		return errors.InvalidArgument("invalid xid", err).WithDetail("format_id", xid.FormatID)
	}
	return nil
}

// ValidateProperty validates a property key and value
func (v *Validator) ValidateProperty(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.InvalidArgument("property key cannot be empty", nil)
	}
	if len(key) > MaxPropertyKey {
		return errors.InvalidArgument(
			fmt.Sprintf("property key exceeds maximum size of %d bytes", MaxPropertyKey), nil).WithDetail("key", key)
	}
	if len(value) > v.maxValueSize {
		return errors.InvalidArgument(
			fmt.Sprintf("property value exceeds maximum size of %d bytes", v.maxValueSize), nil).WithDetail("key", key)
	}
	if strings.Contains(key, "\x00") || strings.Contains(value, "\x00") {
		return errors.InvalidArgument("property cannot contain null bytes", nil).WithDetail("key", key)
	}
	return nil
}

// ValidateBackupDir validates a backup destination
func (v *Validator) ValidateBackupDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.InvalidArgument("backup directory cannot be empty", nil)
	}
	if strings.Contains(dir, "\x00") {
		return errors.InvalidArgument("backup directory cannot contain null bytes", nil)
	}
	return nil
}

package service

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	accesserrors "github.com/devrev/pairdb/store-access/internal/errors"
	"github.com/devrev/pairdb/store-access/internal/model"
	"github.com/devrev/pairdb/store-access/internal/spi"
	"github.com/devrev/pairdb/store-access/internal/storage/heap"
)

// propertiesIDKey is the service property holding the property
// conglomerate id
const propertiesIDKey = "derby.storage.propertiesId"

// databasePropertyPrefix selects the boot properties copied into a new
// database
const databasePropertyPrefix = "derby."

// property rows are (key, value, isDefault)
var propertyTemplate = model.Row{"", "", false}

// PropertyValidator checks a property change before it is applied. A nil
// value clears the property; current holds the values in effect.
type PropertyValidator func(key string, value *string, current model.Properties) error

// AddPropertyValidator registers v for every later property change
func (am *AccessManager) AddPropertyValidator(v PropertyValidator) {
	am.propValidatorsMu.Lock()
	defer am.propValidatorsMu.Unlock()
	am.propValidators = append(am.propValidators, v)
}

func (am *AccessManager) validateProperty(key string, value *string, current model.Properties) error {
	am.propValidatorsMu.RLock()
	defer am.propValidatorsMu.RUnlock()
	for _, v := range am.propValidators {
		if err := v(key, value, current); err != nil {
			return err
		}
	}
	return nil
}

// cryptoGuard rejects any change of the encryption settings once booted
func (am *AccessManager) cryptoGuard(key string, _ *string, _ model.Properties) error {
	if !am.booted.Load() {
		return nil
	}
	switch key {
	case model.PropertyCryptoProvider:
		return accesserrors.EncryptionProviderImmutable()
	case model.PropertyCryptoAlgorithm:
		return accesserrors.EncryptionAlgorithmImmutable()
	}
	return nil
}

func booleanProperty(name string) PropertyValidator {
	return func(key string, value *string, _ model.Properties) error {
		if key != name || value == nil {
			return nil
		}
		if _, err := strconv.ParseBool(strings.TrimSpace(*value)); err != nil {
			return accesserrors.InvalidProperty(key, *value, "expected true or false")
		}
		return nil
	}
}

// durationProperty accepts a non-negative number of seconds
func durationProperty(name string) PropertyValidator {
	return func(key string, value *string, _ model.Properties) error {
		if key != name || value == nil {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(*value))
		if err != nil || n < 0 {
			return accesserrors.InvalidProperty(key, *value, "expected a non-negative number of seconds")
		}
		return nil
	}
}

// propertyStore keeps the transactional database properties in a heap
// conglomerate
type propertyStore struct {
	am *AccessManager
	id atomic.Int64
}

func (p *propertyStore) conglomerateID() (model.ConglomerateID, bool) {
	id := p.id.Load()
	return model.ConglomerateID(id), id != 0
}

// create makes the property conglomerate of a new database and copies the
// database scoped boot properties into it
func (p *propertyStore) create(t *Transaction, boot model.Properties) error {
	id, err := t.CreateConglomerate(heap.ImplementationType, propertyTemplate, nil, nil, nil, model.TemporaryFlagNone)
	if err != nil {
		return err
	}
	if err := p.am.raw.SetServiceProperty(propertiesIDKey, strconv.FormatInt(int64(id), 10)); err != nil {
		return err
	}
	p.id.Store(int64(id))

	for k, v := range boot {
		if !strings.HasPrefix(k, databasePropertyPrefix) {
			continue
		}
		if err := p.set(t, k, &v, false); err != nil {
			return err
		}
	}
	p.am.logger.Info("Created property conglomerate", zap.Int64("conglom_id", int64(id)))
	return nil
}

// load finds the property conglomerate of an existing database
func (p *propertyStore) load() error {
	v, ok := p.am.raw.ServiceProperty(propertiesIDKey)
	if !ok {
		p.am.logger.Warn("Database has no property conglomerate")
		return nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return accesserrors.CorruptedData("invalid property conglomerate id "+v, err)
	}
	p.id.Store(id)
	return nil
}

// scan visits every property row until fn returns false
func (p *propertyStore) scan(t *Transaction, forUpdate bool, fn func(sc spi.ScanController, key, value string, isDefault bool) (bool, error)) error {
	id, ok := p.conglomerateID()
	if !ok {
		return nil
	}
	opts := ScanOptions{Granularity: model.GranularityRecord, Isolation: model.IsolationReadCommitted}
	if forUpdate {
		opts = ScanOptions{Mode: model.OpenModeForUpdate, Granularity: model.GranularityTable, Isolation: model.IsolationSerializable}
	}
	sc, err := t.OpenScan(id, opts)
	if err != nil {
		return err
	}
	defer sc.Close()

	for {
		more, err := sc.Next()
		if err != nil || !more {
			return err
		}
		row, err := sc.Fetch()
		if err != nil {
			return err
		}
		key, _ := row[0].(string)
		value, _ := row[1].(string)
		isDefault, _ := row[2].(bool)
		cont, err := fn(sc, key, value, isDefault)
		if err != nil || !cont {
			return err
		}
	}
}

func (p *propertyStore) get(t *Transaction, key string, isDefault bool) (string, bool, error) {
	var (
		out   string
		found bool
	)
	err := p.scan(t, false, func(_ spi.ScanController, k, v string, d bool) (bool, error) {
		if k == key && d == isDefault {
			out, found = v, true
			return false, nil
		}
		return true, nil
	})
	return out, found, err
}

// set replaces, inserts or, for a nil value, deletes one property row
func (p *propertyStore) set(t *Transaction, key string, value *string, isDefault bool) error {
	id, ok := p.conglomerateID()
	if !ok {
		return accesserrors.ReadOnly("set property without a property conglomerate")
	}

	found := false
	err := p.scan(t, true, func(sc spi.ScanController, k, _ string, d bool) (bool, error) {
		if k != key || d != isDefault {
			return true, nil
		}
		found = true
		if value == nil {
			_, err := sc.Delete()
			return false, err
		}
		_, err := sc.Replace(model.Row{key, *value, isDefault}, nil)
		return false, err
	})
	if err != nil || found || value == nil {
		return err
	}

	cc, err := t.OpenConglomerate(id, false, model.OpenModeForUpdate, model.GranularityTable, model.IsolationSerializable)
	if err != nil {
		return err
	}
	defer cc.Close()
	return cc.Insert(model.Row{key, *value, isDefault})
}

// all returns the effective properties, stored values over defaults
func (p *propertyStore) all(t *Transaction) (model.Properties, error) {
	values := model.Properties{}
	defaults := model.Properties{}
	err := p.scan(t, false, func(_ spi.ScanController, k, v string, d bool) (bool, error) {
		if d {
			defaults[k] = v
		} else {
			values[k] = v
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	for k, v := range values {
		defaults[k] = v
	}
	return defaults, nil
}

// GetProperty returns the stored value of key, or its stored default
func (t *Transaction) GetProperty(key string) (string, bool, error) {
	if err := t.checkOpen(); err != nil {
		return "", false, err
	}
	v, ok, err := t.am.props.get(t, key, false)
	if err != nil || ok {
		return v, ok, err
	}
	return t.am.props.get(t, key, true)
}

// GetPropertyDefault returns the stored default of key
func (t *Transaction) GetPropertyDefault(key string) (string, bool, error) {
	if err := t.checkOpen(); err != nil {
		return "", false, err
	}
	return t.am.props.get(t, key, true)
}

// PropertyDefaultIsVisible reports whether key resolves to its default
// because no value overrides it
func (t *Transaction) PropertyDefaultIsVisible(key string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	_, ok, err := t.am.props.get(t, key, false)
	return !ok, err
}

// SetProperty stores a database property after running every validator
func (t *Transaction) SetProperty(key, value string) error {
	return t.setProperty(key, &value, false)
}

// ClearProperty removes the stored value of key, exposing its default
func (t *Transaction) ClearProperty(key string) error {
	return t.setProperty(key, nil, false)
}

// SetPropertyDefault stores the default of a database property
func (t *Transaction) SetPropertyDefault(key, value string) error {
	return t.setProperty(key, &value, true)
}

func (t *Transaction) setProperty(key string, value *string, isDefault bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	v := ""
	if value != nil {
		v = *value
	}
	if err := t.am.validator.ValidateProperty(key, v); err != nil {
		return err
	}
	current, err := t.am.props.all(t)
	if err != nil {
		return err
	}
	if err := t.am.validateProperty(key, value, current); err != nil {
		return err
	}
	if err := t.am.props.set(t, key, value, isDefault); err != nil {
		return err
	}
	if value != nil && !isDefault && (key == model.PropertyDeadlockTimeout || key == model.PropertyLockWaitTimeout) {
		// the lock manager picks the new timeout up once the change is durable
		if err := t.AddPostCommitWork("apply "+key, func(context.Context) error {
			return t.am.raw.SetServiceProperty(key, v)
		}); err != nil {
			return err
		}
	}
	t.logger.Debug("Set database property",
		zap.String("key", key),
		zap.Bool("default", isDefault),
		zap.Bool("cleared", value == nil))
	return nil
}

// Properties returns every effective database property
func (t *Transaction) Properties() (model.Properties, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.am.props.all(t)
}

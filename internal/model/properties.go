package model

import "strings"

// Well known service property keys
const (
	PropertyRowLocking          = "derby.storage.rowLocking"
	PropertyCryptoAlgorithm     = "encryptionAlgorithm"
	PropertyCryptoProvider      = "encryptionProvider"
	PropertyDeadlockTimeout     = "derby.locks.deadlockTimeout"
	PropertyLockWaitTimeout     = "derby.locks.waitTimeout"
	PropertyCollation           = "collation"
	PropertyConglomerateImplPre = "derby.access.Conglomerate.type."
	PropertyReadOnly            = "derby.database.readOnly"
)

// Properties is a string keyed property set
type Properties map[string]string

// Get returns the value for key and whether it was present
func (p Properties) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[key]
	return v, ok
}

// GetDefault returns the value for key, or def when absent
func (p Properties) GetDefault(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Bool interprets key as a boolean, returning def when absent or unparsable
func (p Properties) Bool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	default:
		return def
	}
}

// Clone returns an independent copy
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ImplementationKey is the property naming the module that provides impl
func ImplementationKey(impl string) string {
	return PropertyConglomerateImplPre + impl
}

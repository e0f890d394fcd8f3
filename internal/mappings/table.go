// Package mappings holds the shortcut table and its on-disk store.
package mappings

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Validation errors.
var (
	ErrEmptyKey     = errors.New("mappings: empty key")
	ErrEmptyValue   = errors.New("mappings: empty value")
	ErrKeyTooLong   = errors.New("mappings: key too long")
	ErrValueTooLong = errors.New("mappings: value too long")
	ErrNotFound     = errors.New("mappings: key not found")
)

// Limits constrain table contents. Lengths count characters (runes).
type Limits struct {
	MaxKeyLength   int
	MaxValueLength int
	CaseSensitive  bool
}

// NormalizeKey returns the stored form of a key: NFC, and lower-cased
// unless case-sensitive.
func NormalizeKey(key string, caseSensitive bool) string {
	key = norm.NFC.String(key)
	if !caseSensitive {
		key = strings.ToLower(key)
	}
	return key
}

// CheckEntry validates one key/value pair against the limits.
func (l Limits) CheckEntry(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if value == "" {
		return fmt.Errorf("%w for %q", ErrEmptyValue, key)
	}
	if l.MaxKeyLength > 0 {
		if n := utf8.RuneCountInString(key); n > l.MaxKeyLength {
			return fmt.Errorf("%w: %q has %d characters (max %d)", ErrKeyTooLong, key, n, l.MaxKeyLength)
		}
	}
	if l.MaxValueLength > 0 {
		if n := utf8.RuneCountInString(value); n > l.MaxValueLength {
			return fmt.Errorf("%w: value for %q has %d characters (max %d)", ErrValueTooLong, key, n, l.MaxValueLength)
		}
	}
	return nil
}

// Table is an immutable shortcut to expansion map. Methods that change it
// return a new Table.
type Table struct {
	m    map[string]string
	keys []string
}

// Empty is the table with no mappings.
var Empty = &Table{m: map[string]string{}}

// NewTable copies m into a Table. Keys are stored as given.
func NewTable(m map[string]string) *Table {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return newTable(cp)
}

func newTable(m map[string]string) *Table {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Table{m: m, keys: keys}
}

// Get returns the expansion for an exact key.
func (t *Table) Get(key string) (string, bool) {
	v, ok := t.m[key]
	return v, ok
}

// Len returns the number of mappings.
func (t *Table) Len() int {
	return len(t.m)
}

// Keys returns the keys in sorted order.
func (t *Table) Keys() []string {
	return append([]string(nil), t.keys...)
}

// Map returns a copy of the mappings.
func (t *Table) Map() map[string]string {
	cp := make(map[string]string, len(t.m))
	for k, v := range t.m {
		cp[k] = v
	}
	return cp
}

// Lookup finds the mapping for typed text. The whole text is tried first,
// then ever shorter suffixes, so an exact match wins and otherwise the
// longest key that ends the text wins. At most one key of a given length
// can be a suffix, so the result is deterministic.
func (t *Table) Lookup(text string) (key, value string, ok bool) {
	if len(t.m) == 0 || text == "" {
		return "", "", false
	}
	for i := range text {
		if v, found := t.m[text[i:]]; found {
			return text[i:], v, true
		}
	}
	return "", "", false
}

// With returns a table with key set to value. The key is normalized and
// the pair validated against limits.
func (t *Table) With(key, value string, limits Limits) (*Table, error) {
	key = NormalizeKey(key, limits.CaseSensitive)
	if err := limits.CheckEntry(key, value); err != nil {
		return nil, err
	}
	m := t.Map()
	m[key] = value
	return newTable(m), nil
}

// Without returns a table with key removed, or ErrNotFound.
func (t *Table) Without(key string, caseSensitive bool) (*Table, error) {
	key = NormalizeKey(key, caseSensitive)
	if _, ok := t.m[key]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	m := t.Map()
	delete(m, key)
	return newTable(m), nil
}

// Merge returns a table with other's entries added over t's.
func (t *Table) Merge(other *Table) *Table {
	m := t.Map()
	for k, v := range other.m {
		m[k] = v
	}
	return newTable(m)
}

// Normalized returns the table with every key normalized. When folding
// makes keys collide, the entry whose original key sorts first wins.
func (t *Table) Normalized(caseSensitive bool) *Table {
	m := make(map[string]string, len(t.m))
	for _, k := range t.keys {
		nk := NormalizeKey(k, caseSensitive)
		if _, exists := m[nk]; !exists {
			m[nk] = t.m[k]
		}
	}
	return newTable(m)
}

// Validate checks every entry against limits and returns all failures.
func (t *Table) Validate(limits Limits) error {
	var errs []error
	for _, k := range t.keys {
		if err := limits.CheckEntry(k, t.m[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter returns the valid entries and the errors for the rest.
func (t *Table) Filter(limits Limits) (*Table, []error) {
	var errs []error
	m := make(map[string]string, len(t.m))
	for _, k := range t.keys {
		if err := limits.CheckEntry(k, t.m[k]); err != nil {
			errs = append(errs, err)
			continue
		}
		m[k] = t.m[k]
	}
	return newTable(m), errs
}

// Digest returns a hex BLAKE2b-256 digest of the sorted entries.
func (t *Table) Digest() string {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, k := range t.keys {
		for _, s := range []string{k, t.m[k]} {
			binary.BigEndian.PutUint64(n[:], uint64(len(s)))
			h.Write(n[:])
			h.Write([]byte(s))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

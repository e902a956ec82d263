package itemcache

import (
	"sync/atomic"
	"time"

	"github.com/elliotchance/orderedmap/v2"
)

// System is one backend sub-record of an item: an insertion-ordered
// property-name to display-string mapping.
type System struct {
	Name       string
	properties *orderedmap.OrderedMap[string, string]
}

// NewSystem creates an empty system record.
func NewSystem(name string) *System {
	return &System{
		Name:       name,
		properties: orderedmap.NewOrderedMap[string, string](),
	}
}

// Set adds or replaces a property. New keys keep insertion order.
func (s *System) Set(key, value string) {
	s.properties.Set(key, value)
}

// Get returns a property value.
func (s *System) Get(key string) (string, bool) {
	return s.properties.Get(key)
}

// Len returns the number of properties.
func (s *System) Len() int {
	return s.properties.Len()
}

// Property is a single name/value pair.
type Property struct {
	Name  string
	Value string
}

// Properties returns the properties in insertion order.
func (s *System) Properties() []Property {
	out := make([]Property, 0, s.properties.Len())
	for el := s.properties.Front(); el != nil; el = el.Next() {
		out = append(out, Property{Name: el.Key, Value: el.Value})
	}
	return out
}

// Record is the backend payload for one barcode.
type Record struct {
	Systems []*System
}

// Empty reports whether the record carries no data.
// Empty records are never cached.
func (r Record) Empty() bool {
	return len(r.Systems) == 0
}

// Item is a cached backend record. Identity is the barcode.
//
// Systems are read-only once the item is in the cache.
type Item struct {
	Barcode  string
	Systems  []*System
	CachedAt time.Time

	scanned atomic.Bool
}

func newItem(barcode string, rec Record, now time.Time) *Item {
	return &Item{
		Barcode:  barcode,
		Systems:  rec.Systems,
		CachedAt: now,
	}
}

// Equal compares identity only.
func (i *Item) Equal(other *Item) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i.Barcode == other.Barcode
}

// Scanned reports whether the item has been seen by the camera since it was cached.
func (i *Item) Scanned() bool {
	return i.scanned.Load()
}

// MarkScanned sets the scanned flag. Returns true on the first call.
func (i *Item) MarkScanned() bool {
	return i.scanned.CompareAndSwap(false, true)
}

package logistics

import (
	"fmt"
	"strings"
)

// MaxQuantity caps every parsed quantity.
const MaxQuantity = 1_000_000_000

// ParseQuantity reads operator input as a non-negative integer using its
// leading digits, so "12", " 12 " and "12.5" all give 12. Empty, non-numeric
// and negative input gives 0. Values above MaxQuantity give MaxQuantity.
func ParseQuantity(raw string) int {
	raw = strings.TrimSpace(raw)
	n := 0
	digits := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
		digits++
		if n > MaxQuantity {
			return MaxQuantity
		}
	}
	if digits == 0 {
		return 0
	}
	return n
}

// Merge folds a site's remote product list into the operator's local buffer.
//
// Membership and descriptive fields come from remote; collected and returned
// come from local whenever an item with the same name exists there. An empty
// local buffer is a first load and simply copies remote. Items only present
// locally are dropped. Names are matched exactly and the first local
// occurrence wins; duplicate names within one list are not supported.
func Merge(local, remoteItems []ProductItem) []ProductItem {
	out := make([]ProductItem, 0, len(remoteItems))
	if len(local) == 0 {
		return append(out, remoteItems...)
	}
	byName := make(map[string]int, len(local))
	for i, item := range local {
		if _, exists := byName[item.Name]; !exists {
			byName[item.Name] = i
		}
	}
	for _, item := range remoteItems {
		merged := item
		if i, ok := byName[item.Name]; ok {
			merged.Collected = local[i].Collected
			merged.Returned = local[i].Returned
		}
		out = append(out, merged)
	}
	return out
}

// CountAdminAdded counts items inserted remotely after the site was created.
func CountAdminAdded(items []ProductItem) int {
	n := 0
	for _, item := range items {
		if item.IsAdminAdded {
			n++
		}
	}
	return n
}

// Buffer is an operator's in-progress edit of one site's product list. It is
// not safe for concurrent use; Session serialises access.
type Buffer struct {
	items []ProductItem
}

func NewBuffer(items []ProductItem) *Buffer {
	return &Buffer{items: append([]ProductItem(nil), items...)}
}

// Absorb merges a new remote list into the buffer and returns the result.
func (b *Buffer) Absorb(remoteItems []ProductItem) []ProductItem {
	b.items = Merge(b.items, remoteItems)
	return b.Items()
}

func (b *Buffer) SetCollected(name, raw string) bool {
	i := b.index(name)
	if i < 0 {
		return false
	}
	b.items[i].Collected = ParseQuantity(raw)
	return true
}

func (b *Buffer) SetReturned(name, raw string) bool {
	i := b.index(name)
	if i < 0 {
		return false
	}
	b.items[i].Returned = ParseQuantity(raw)
	return true
}

// AddLocalItem appends an operator-picked item that was not on the list. Its
// target and collected quantities both start at the given count.
func (b *Buffer) AddLocalItem(name, rawCount string) (ProductItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ProductItem{}, fmt.Errorf("%w: item name is required", ErrInvalidInput)
	}
	count := ParseQuantity(rawCount)
	item := ProductItem{Name: name, Count: count, Collected: count, IsNew: true}
	b.items = append(b.items, item)
	return item, nil
}

func (b *Buffer) Items() []ProductItem {
	return append([]ProductItem(nil), b.items...)
}

func (b *Buffer) Len() int {
	return len(b.items)
}

func (b *Buffer) index(name string) int {
	for i, item := range b.items {
		if item.Name == name {
			return i
		}
	}
	return -1
}

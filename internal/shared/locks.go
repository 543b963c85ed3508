package shared

import (
	"fmt"
	"sort"
	"sync"
)

// OrderLockKey names the critical section of an order.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// InvoiceLockKey names the critical section of an invoice.
func InvoiceLockKey(invoiceID int64) string {
	return fmt.Sprintf("invoice:%d", invoiceID)
}

// PaymentLockKey names the critical section of a payment.
func PaymentLockKey(paymentID int64) string {
	return fmt.Sprintf("payment:%d", paymentID)
}

// SequenceLockKey names the numbering sequence of a point of sale and document type.
func SequenceLockKey(pointOfSale int, docType string) string {
	return fmt.Sprintf("sequence:%d:%s", pointOfSale, docType)
}

// KeyedMutex hands out one mutex per key. Entries are reference counted and
// dropped when the last holder releases.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex constructs an empty lock table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LockAll acquires several keys in sorted order and releases them in reverse.
// Callers that need a specific precedence between entity kinds should call Lock
// once per level instead.
func (k *KeyedMutex) LockAll(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	releases := make([]func(), 0, len(sorted))
	var prev string
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		releases = append(releases, k.Lock(key))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}

// Held reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

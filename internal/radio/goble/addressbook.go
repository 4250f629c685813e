package goble

import (
	"strings"
	"sync"

	"github.com/srg/blemgr/internal/device"
)

// addressBook maps manager identifiers to the platform addresses go-ble
// dials.
type addressBook struct {
	mu    sync.RWMutex
	addrs map[string]string
}

func newAddressBook() *addressBook {
	return &addressBook{addrs: map[string]string{}}
}

// learn records addr and returns the identifier it maps to.
func (b *addressBook) learn(addr string) string {
	id := device.IDFromAddress(addr)
	b.mu.Lock()
	b.addrs[id] = addr
	b.mu.Unlock()
	return id
}

// lookup returns the dial address for id.
func (b *addressBook) lookup(id string) (string, bool) {
	b.mu.RLock()
	addr, ok := b.addrs[id]
	b.mu.RUnlock()
	if ok {
		return addr, true
	}
	if addressIsID {
		return strings.ToLower(id), true
	}
	return "", false
}

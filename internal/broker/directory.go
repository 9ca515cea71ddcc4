package broker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMaxAddresses = 10000

var (
	// ErrAddressTaken indicates that a live lease already holds the address.
	ErrAddressTaken = errors.New("broker: address is taken")
	// ErrUnknownAddress indicates that no live lease holds the address.
	ErrUnknownAddress = errors.New("broker: unknown address")
	// ErrLeaseMismatch indicates that the presented lease no longer owns the address.
	ErrLeaseMismatch = errors.New("broker: lease does not own address")
	// ErrDirectoryFull indicates that every slot holds a live lease.
	ErrDirectoryFull = errors.New("broker: address directory is full")
)

// Registration maps a claimed address to the endpoint peers dial.
type Registration struct {
	Address  string
	Endpoint string
	LeaseID  string
}

// Directory holds registrations that expire unless refreshed. Capacity is a
// hard limit: live leases are never evicted to make room.
type Directory struct {
	mu       sync.Mutex
	capacity int
	entries  *expirable.LRU[string, Registration]
}

// NewDirectory returns a directory whose entries live for ttl.
func NewDirectory(maxAddresses int, ttl time.Duration) *Directory {
	if maxAddresses <= 0 {
		maxAddresses = defaultMaxAddresses
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Directory{
		capacity: maxAddresses,
		entries:  expirable.NewLRU[string, Registration](maxAddresses, nil, ttl),
	}
}

// Claim registers endpoint for address under a fresh lease.
func (d *Directory) Claim(address, endpoint string) (Registration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries.Get(address); ok {
		return Registration{}, ErrAddressTaken
	}
	// Keys skips expired entries that are still waiting for the purge.
	if d.entries.Len() >= d.capacity && len(d.entries.Keys()) >= d.capacity {
		return Registration{}, ErrDirectoryFull
	}
	leaseID, err := uuid.NewV7()
	if err != nil {
		return Registration{}, err
	}
	registration := Registration{Address: address, Endpoint: endpoint, LeaseID: leaseID.String()}
	d.entries.Add(address, registration)
	return registration, nil
}

// Lookup returns the live registration for address.
func (d *Directory) Lookup(address string) (Registration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	registration, ok := d.entries.Get(address)
	if !ok {
		return Registration{}, ErrUnknownAddress
	}
	return registration, nil
}

// Refresh restarts the expiry of a registration held by leaseID.
func (d *Directory) Refresh(address, leaseID string) (Registration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	registration, ok := d.entries.Get(address)
	if !ok {
		return Registration{}, ErrUnknownAddress
	}
	if registration.LeaseID != leaseID {
		return Registration{}, ErrLeaseMismatch
	}
	d.entries.Add(address, registration)
	return registration, nil
}

// Release drops a registration held by leaseID.
func (d *Directory) Release(address, leaseID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	registration, ok := d.entries.Get(address)
	if !ok {
		return ErrUnknownAddress
	}
	if registration.LeaseID != leaseID {
		return ErrLeaseMismatch
	}
	d.entries.Remove(address)
	return nil
}

// Len returns the number of live registrations.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries.Len()
}

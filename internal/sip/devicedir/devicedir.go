// Package devicedir implements sip/handler.DeviceStore: a per-process
// directory of configured device credentials plus the dynamic DeviceInfo
// and Catalog metadata devices push back over MESSAGE (spec §4.5's
// "DeviceInfo/Catalog -> update stored device metadata"). Grounded on
// sip/registry's RWMutex-guarded-map shape, the same pattern the teacher
// uses for its server/registry.go connection table. Separate from
// internal/store: pwd/pwd_check and catalog entries are operator-supplied
// config and runtime cache, not the SQL-backed GMV_DEVICE/RECORD rows
// store.Store owns.
package devicedir

import (
	"context"
	"sync"

	"github.com/gb28181/vms/internal/sip/manscdp"
	"github.com/gb28181/vms/internal/store"
)

// Credential is one device's configured digest-auth policy.
type Credential struct {
	Password    string
	RequireAuth bool // the pwd_check flag
}

// entry is the dynamic state tracked per device beyond its credential.
type entry struct {
	online  bool
	info    manscdp.DeviceInfoBody
	catalog []manscdp.CatalogItem
}

// Directory is the in-memory device directory. Credentials are loaded
// once at startup (operator config); online/info/catalog mutate as
// REGISTER and MESSAGE traffic arrives. If backing is non-nil, UpsertDevice
// and SetOnline are mirrored into it for persistence.
type Directory struct {
	creds map[string]Credential

	mu      sync.RWMutex
	entries map[string]*entry

	backing store.Store
	domain  string
}

// New constructs a Directory from a static credential set. creds may be
// nil or empty: devices not present there are treated as pwd_check=false
// (per handler.DeviceStore.Password's documented "never matches" only
// applies when requireAuth is true). backing, if non-nil, receives a
// mirrored UpsertDevice/SetDeviceStatus call on every REGISTER/teardown.
func New(creds map[string]Credential, backing store.Store, domain string) *Directory {
	if creds == nil {
		creds = make(map[string]Credential)
	}
	return &Directory{
		creds:   creds,
		entries: make(map[string]*entry),
		backing: backing,
		domain:  domain,
	}
}

func (d *Directory) getOrCreate(deviceID string) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[deviceID]
	if !ok {
		e = &entry{}
		d.entries[deviceID] = e
	}
	return e
}

// UpsertDevice records deviceID as known. Mirrors into backing if set.
func (d *Directory) UpsertDevice(deviceID string) error {
	d.getOrCreate(deviceID)
	if d.backing == nil {
		return nil
	}
	return d.backing.UpsertDevice(context.Background(), store.Device{
		DeviceID: deviceID,
		Domain:   d.domain,
		Status:   store.DeviceOnline,
	})
}

// SetOnline flips deviceID's liveness flag, mirroring into backing.
func (d *Directory) SetOnline(deviceID string, online bool) error {
	e := d.getOrCreate(deviceID)
	d.mu.Lock()
	e.online = online
	d.mu.Unlock()
	if d.backing == nil {
		return nil
	}
	status := store.DeviceOffline
	if online {
		status = store.DeviceOnline
	}
	return d.backing.SetDeviceStatus(context.Background(), deviceID, status)
}

// Password returns deviceID's configured credential. Unknown devices
// report requireAuth=false, matching an "open" deployment unless the
// operator explicitly configured the device.
func (d *Directory) Password(deviceID string) (password string, requireAuth bool) {
	c, ok := d.creds[deviceID]
	if !ok {
		return "", false
	}
	return c.Password, c.RequireAuth
}

// UpdateDeviceInfo caches the response body of a DeviceInfo query.
func (d *Directory) UpdateDeviceInfo(deviceID string, info manscdp.DeviceInfoBody) error {
	e := d.getOrCreate(deviceID)
	d.mu.Lock()
	e.info = info
	d.mu.Unlock()
	return nil
}

// UpdateCatalog replaces deviceID's cached channel catalog.
func (d *Directory) UpdateCatalog(deviceID string, items []manscdp.CatalogItem) error {
	e := d.getOrCreate(deviceID)
	d.mu.Lock()
	e.catalog = items
	d.mu.Unlock()
	return nil
}

// DeviceInfo returns the last cached DeviceInfo body for deviceID.
func (d *Directory) DeviceInfo(deviceID string) (manscdp.DeviceInfoBody, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[deviceID]
	if !ok {
		return manscdp.DeviceInfoBody{}, false
	}
	return e.info, true
}

// Catalog returns the last cached channel catalog for deviceID.
func (d *Directory) Catalog(deviceID string) ([]manscdp.CatalogItem, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[deviceID]
	if !ok || e.catalog == nil {
		return nil, false
	}
	return e.catalog, true
}

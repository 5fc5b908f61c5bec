package device

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/protocol"
	"github.com/opd-ai/groupcrypt/store"
)

// Directory caches other users' devices. A ttlcache answers hot lookups and
// the store keeps entries across restarts; both honor the same expiry.
type Directory struct {
	store        store.Store
	ttl          time.Duration
	timeProvider crypto.TimeProvider
	cache        *ttlcache.Cache[string, *store.DeviceKeysRecord]
}

// NewDirectory creates a directory whose entries live for ttl.
func NewDirectory(st store.Store, ttl time.Duration, tp crypto.TimeProvider) *Directory {
	if ttl <= 0 {
		ttl = DefaultDeviceKeyTTL
	}
	return &Directory{
		store:        st,
		ttl:          ttl,
		timeProvider: crypto.OrDefault(tp),
		cache: ttlcache.New[string, *store.DeviceKeysRecord](
			ttlcache.WithTTL[string, *store.DeviceKeysRecord](ttl),
			ttlcache.WithDisableTouchOnHit[string, *store.DeviceKeysRecord](),
		),
	}
}

// Lookup returns the cached devices of userIDs. Users without a live entry
// are returned in missing, in input order.
func (d *Directory) Lookup(ctx context.Context, userIDs []string) (protocol.DeviceDirectory, []string, error) {
	now := d.timeProvider.Now()
	found := make(protocol.DeviceDirectory, len(userIDs))
	var missing []string

	for _, userID := range userIDs {
		if item := d.cache.Get(userID); item != nil {
			if rec := item.Value(); rec.ExpiresAt.After(now) {
				found[userID] = append([]protocol.UserDevice(nil), rec.Devices...)
				continue
			}
			d.cache.Delete(userID)
		}

		rec, err := d.store.DeviceKeys(ctx, userID, now)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, userID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		d.cache.Set(userID, rec, rec.ExpiresAt.Sub(now))
		found[userID] = append([]protocol.UserDevice(nil), rec.Devices...)
	}
	return found, missing, nil
}

// Save records freshly downloaded devices.
func (d *Directory) Save(ctx context.Context, devices protocol.DeviceDirectory) error {
	expires := d.timeProvider.Now().Add(d.ttl)
	records := make([]*store.DeviceKeysRecord, 0, len(devices))
	for userID, list := range devices {
		records = append(records, &store.DeviceKeysRecord{
			UserID:    userID,
			Devices:   append([]protocol.UserDevice(nil), list...),
			ExpiresAt: expires,
		})
	}

	err := d.store.WithTx(ctx, func(tx store.Store) error {
		for _, rec := range records {
			if err := tx.PutDeviceKeys(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, rec := range records {
		d.cache.Set(rec.UserID, rec, d.ttl)
	}
	return nil
}

// Invalidate drops a user's cached devices from memory. The stored entry
// still expires on its own schedule.
func (d *Directory) Invalidate(userID string) {
	d.cache.Delete(userID)
}

// Sweep deletes expired entries and returns how many stored rows went.
func (d *Directory) Sweep(ctx context.Context) (int, error) {
	now := d.timeProvider.Now()
	d.cache.DeleteExpired()
	for _, item := range d.cache.Items() {
		if !item.Value().ExpiresAt.After(now) {
			d.cache.Delete(item.Key())
		}
	}

	n, err := d.store.DeleteExpiredDeviceKeys(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"removed":  n,
		}).Debug("Removed expired device keys")
	}
	return n, nil
}

// Len returns the number of in-memory entries.
func (d *Directory) Len() int {
	return d.cache.Len()
}

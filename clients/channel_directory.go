package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/coocood/freecache"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/scheduler"
)

// ChannelDirectory resolves channel references from the channels table with a
// read-through in-process cache.
type ChannelDirectory struct {
	db    *gorm.DB
	ttl   int // seconds
	cache *freecache.Cache
}

var _ scheduler.ChannelDirectory = (*ChannelDirectory)(nil)

type cachedChannel struct {
	WorkspaceID uint   `json:"w"`
	Platform    string `json:"p"`
	Active      bool   `json:"a"`
}

// NewChannelDirectory caches up to cacheBytes of channel rows for ttlSeconds each
func NewChannelDirectory(db *gorm.DB, cacheBytes, ttlSeconds int) *ChannelDirectory {
	if cacheBytes <= 0 {
		cacheBytes = 1024 * 1024
	}
	return &ChannelDirectory{
		db:    db,
		ttl:   ttlSeconds,
		cache: freecache.NewCache(cacheBytes),
	}
}

func channelKey(id uint) []byte {
	return []byte("ch:" + strconv.FormatUint(uint64(id), 10))
}

func (d *ChannelDirectory) Resolve(ctx context.Context, workspaceID uint, ids []uint) (map[uint]string, error) {
	found := make(map[uint]cachedChannel, len(ids))
	var missing []uint
	for _, id := range ids {
		data, err := d.cache.Get(channelKey(id))
		if err != nil {
			missing = append(missing, id)
			continue
		}
		var ch cachedChannel
		if json.Unmarshal(data, &ch) != nil {
			missing = append(missing, id)
			continue
		}
		found[id] = ch
	}

	if len(missing) > 0 {
		var rows []models.Channel
		if err := d.db.WithContext(ctx).Where("id IN ?", missing).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load channels: %w", err)
		}
		for _, row := range rows {
			ch := cachedChannel{WorkspaceID: row.WorkspaceID, Platform: row.Platform, Active: row.IsActive}
			found[row.ID] = ch
			if data, err := json.Marshal(ch); err == nil {
				_ = d.cache.Set(channelKey(row.ID), data, d.ttl)
			}
		}
	}

	out := make(map[uint]string, len(found))
	for id, ch := range found {
		if ch.Active && ch.WorkspaceID == workspaceID {
			out[id] = ch.Platform
		}
	}
	return out, nil
}

// Invalidate drops a channel from the cache after it was changed
func (d *ChannelDirectory) Invalidate(id uint) {
	d.cache.Del(channelKey(id))
}

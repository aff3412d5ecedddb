package devicecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-bridges/internal/bridge"
	"github.com/nerrad567/gray-logic-bridges/internal/infrastructure/database"
)

// SQLiteCache implements bridge.RegistryCache on the bridge's SQLite database.
type SQLiteCache struct {
	db *database.DB
}

var _ bridge.RegistryCache = (*SQLiteCache)(nil)

// New creates a cache on an opened and migrated database.
func New(db *database.DB) *SQLiteCache {
	return &SQLiteCache{db: db}
}

// Load returns the cached records for a bridge, ordered by device ID.
func (c *SQLiteCache) Load(ctx context.Context, bridgeTag string) ([]bridge.DeviceRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT device_id, product_name, vendor_name, name, meta
		FROM registered_devices
		WHERE bridge = ?
		ORDER BY device_id`, bridgeTag)
	if err != nil {
		return nil, fmt.Errorf("querying cached devices: %w", err)
	}
	defer rows.Close()

	var records []bridge.DeviceRecord
	for rows.Next() {
		var (
			rec      bridge.DeviceRecord
			metaJSON string
		)
		if err := rows.Scan(&rec.DeviceID, &rec.ProductName, &rec.VendorName, &rec.Name, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning cached device: %w", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &rec.Meta); err != nil {
			return nil, fmt.Errorf("unmarshalling meta for %s: %w", rec.DeviceID, err)
		}
		if len(rec.Meta) == 0 {
			rec.Meta = nil
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cached devices: %w", err)
	}
	return records, nil
}

// Replace swaps the bridge's cached list for records in one transaction.
func (c *SQLiteCache) Replace(ctx context.Context, bridgeTag string, records []bridge.DeviceRecord) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM registered_devices WHERE bridge = ?", bridgeTag); err != nil {
			return fmt.Errorf("clearing cached devices: %w", err)
		}
		for _, rec := range records {
			if err := upsert(ctx, tx, bridgeTag, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put inserts or replaces one record.
func (c *SQLiteCache) Put(ctx context.Context, bridgeTag string, rec bridge.DeviceRecord) error {
	return c.db.WithTx(ctx, func(tx *sql.Tx) error {
		return upsert(ctx, tx, bridgeTag, rec)
	})
}

// Delete removes one record. Deleting an absent record is not an error.
func (c *SQLiteCache) Delete(ctx context.Context, bridgeTag, deviceID string) error {
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM registered_devices WHERE bridge = ? AND device_id = ?",
		bridgeTag, deviceID)
	if err != nil {
		return fmt.Errorf("deleting cached device %s: %w", deviceID, err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, bridgeTag string, rec bridge.DeviceRecord) error {
	meta := rec.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshalling meta for %s: %w", rec.DeviceID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO registered_devices (bridge, device_id, product_name, vendor_name, name, meta, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (bridge, device_id) DO UPDATE SET
			product_name = excluded.product_name,
			vendor_name  = excluded.vendor_name,
			name         = excluded.name,
			meta         = excluded.meta,
			updated_at   = excluded.updated_at`,
		bridgeTag, rec.DeviceID, rec.ProductName, rec.VendorName, rec.Name, string(metaJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("caching device %s: %w", rec.DeviceID, err)
	}
	return nil
}

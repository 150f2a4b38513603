package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/casey/viewsync/sync"
)

func deviceKey(userID, deviceID string) string {
	return userID + "/" + deviceID
}

// LoadDevices loads all known devices for the user.
func (s *Store) LoadDevices(ctx context.Context, userID string) ([]sync.DeviceInfo, error) {
	var devices []sync.DeviceInfo

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketDevices).Cursor()
		prefix := []byte(userID + "/")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d sync.DeviceInfo
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("unmarshal device %s: %w", k, err)
			}
			devices = append(devices, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load devices %s: %w", userID, err)
	}
	return devices, nil
}

// SaveDevice creates or replaces a device record.
func (s *Store) SaveDevice(ctx context.Context, device sync.DeviceInfo) error {
	if device.UserID == "" || device.DeviceID == "" {
		return ErrInvalidData
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, BucketDevices, deviceKey(device.UserID, device.DeviceID), &device)
	})
	if err != nil {
		return fmt.Errorf("save device %s/%s: %w", device.UserID, device.DeviceID, err)
	}
	return nil
}

// DeleteDevice removes a device record. Deleting an unknown device is a
// no-op.
func (s *Store) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return deleteKey(tx, BucketDevices, deviceKey(userID, deviceID))
	})
	if err != nil {
		return fmt.Errorf("delete device %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

// UpdateDeviceHeartbeat refreshes a device's last-seen time.
func (s *Store) UpdateDeviceHeartbeat(ctx context.Context, userID, deviceID string, at time.Time) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		var d sync.DeviceInfo
		if err := getJSON(tx, BucketDevices, deviceKey(userID, deviceID), &d); err != nil {
			return err
		}
		d.LastSeen = at
		return putJSON(tx, BucketDevices, deviceKey(userID, deviceID), &d)
	})
	if err != nil {
		return fmt.Errorf("update heartbeat %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

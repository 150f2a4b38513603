package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/casey/viewsync/device"
)

func commandKey(userID, deviceID, commandID string) string {
	return userID + "/" + deviceID + "/" + commandID
}

// SavePendingCommand parks a command for delivery when its target device
// next connects.
func (s *Store) SavePendingCommand(ctx context.Context, cmd *device.Command) error {
	if cmd.ID == "" || cmd.UserID == "" || cmd.TargetDeviceID == "" {
		return ErrInvalidData
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, BucketPendingCommands, commandKey(cmd.UserID, cmd.TargetDeviceID, cmd.ID), cmd)
	})
	if err != nil {
		return fmt.Errorf("save pending command %s: %w", cmd.ID, err)
	}
	return nil
}

// PendingCommands returns the commands parked for one device.
func (s *Store) PendingCommands(ctx context.Context, userID, deviceID string) ([]*device.Command, error) {
	var cmds []*device.Command

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketPendingCommands).Cursor()
		prefix := []byte(userID + "/" + deviceID + "/")

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var cmd device.Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				return fmt.Errorf("unmarshal command %s: %w", k, err)
			}
			cmds = append(cmds, &cmd)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pending commands %s/%s: %w", userID, deviceID, err)
	}
	return cmds, nil
}

// DeletePendingCommand removes a delivered or exhausted command.
func (s *Store) DeletePendingCommand(ctx context.Context, cmd *device.Command) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return deleteKey(tx, BucketPendingCommands, commandKey(cmd.UserID, cmd.TargetDeviceID, cmd.ID))
	})
	if err != nil {
		return fmt.Errorf("delete pending command %s: %w", cmd.ID, err)
	}
	return nil
}

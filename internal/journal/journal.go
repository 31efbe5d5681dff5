// Package journal persists device WiFi failure reports. Device and command
// state is deliberately volatile; the journal is a side log kept so an
// operator can inspect a flaky device's connectivity history across server
// restarts.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketReports = []byte("wifi_failures")

// Report is one journaled failure report.
type Report struct {
	DeviceID   string    `json:"deviceId"`
	Alias      string    `json:"alias,omitempty"`
	Failures   string    `json:"failures"` // raw JSON string from the firmware
	ReceivedAt time.Time `json:"receivedAt"`
}

// Journal is a BoltDB-backed append-only failure report log.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal database.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReports)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// reportKey orders entries by device then receive time, so a per-device
// prefix scan returns them chronologically.
func reportKey(deviceID string, at time.Time) []byte {
	return []byte(deviceID + "/" + at.UTC().Format(time.RFC3339Nano))
}

// Append stores one report.
func (j *Journal) Append(rep Report) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReports)
		}
		data, err := json.Marshal(rep)
		if err != nil {
			return err
		}
		return b.Put(reportKey(rep.DeviceID, rep.ReceivedAt), data)
	})
}

// ListByDevice returns up to limit most recent reports for a device,
// oldest first. limit <= 0 means no limit.
func (j *Journal) ListByDevice(deviceID string, limit int) ([]Report, error) {
	var reports []Report
	prefix := []byte(deviceID + "/")
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReports)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReports)
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rep Report
			if err := json.Unmarshal(v, &rep); err != nil {
				return err
			}
			reports = append(reports, rep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(reports) > limit {
		reports = reports[len(reports)-limit:]
	}
	return reports, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

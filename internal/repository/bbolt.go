package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/status"
)

const (
	tasksBucket    = "tasks"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

// ErrTaskNotFound is returned when a task record cannot be found.
var ErrTaskNotFound = errors.New("task not found")

// TaskRecord is the persisted checkpoint of a restore task. A re-launched
// task reads it to skip steps that already completed; partially downloaded
// archives resume from the bytes on disk.
type TaskRecord struct {
	TaskID       int           `json:"taskId"`
	ProjectID    int           `json:"projectId"`
	ProjectName  string        `json:"projectName"`
	ProjectType  string        `json:"projectType"`
	DownloadMode bool          `json:"downloadMode"`
	Step         string        `json:"step"`
	Status       status.Status `json:"status"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// BboltRepository stores task checkpoints in a local bbolt file.
type BboltRepository struct {
	db *bbolt.DB
}

// NewBboltRepository opens (or creates) the checkpoint database.
func NewBboltRepository(dbPath string) (*BboltRepository, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &BboltRepository{db: db}

	if err := repo.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return repo, nil
}

func (r *BboltRepository) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(tasksBucket))
		if err != nil {
			return fmt.Errorf("failed to create tasks bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		err = meta.Put([]byte("schema_version"), []byte(strconv.Itoa(schemaVersion)))
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a task record.
func (r *BboltRepository) Save(record *TaskRecord) error {
	if record == nil {
		return errors.New("cannot save nil task record")
	}

	record.UpdatedAt = time.Now()

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal task record: %w", err)
		}

		err = bucket.Put([]byte(strconv.Itoa(record.TaskID)), data)
		if err != nil {
			return fmt.Errorf("failed to save task record: %w", err)
		}

		return nil
	})
}

// Find retrieves a task record by the platform task id.
func (r *BboltRepository) Find(taskID int) (*TaskRecord, error) {
	var data []byte

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		data = bucket.Get([]byte(strconv.Itoa(taskID)))
		if data == nil {
			return ErrTaskNotFound
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	record := &TaskRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record: %w", err)
	}

	return record, nil
}

// Delete removes a task record.
func (r *BboltRepository) Delete(taskID int) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(tasksBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", tasksBucket)
		}

		if bucket.Get([]byte(strconv.Itoa(taskID))) == nil {
			return ErrTaskNotFound
		}

		return bucket.Delete([]byte(strconv.Itoa(taskID)))
	})
}

// Close closes the database.
func (r *BboltRepository) Close() error {
	return r.db.Close()
}

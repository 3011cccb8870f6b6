package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const jobBucket = "jobs"

// Store persists job records in a bbolt database. Values are JSON encoded
// and keyed by job ID.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the job database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", jobBucket, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// storedJob is the persistence shape for a job. It carries the server-local
// paths that Job deliberately hides from client JSON; without them a restarted
// process could not locate a job's upload or extracted tree.
type storedJob struct {
	*Job
	UploadPath string `json:"upload_path"`
	ExtractDir string `json:"extract_dir"`
}

func encodeJob(job *Job) ([]byte, error) {
	return json.Marshal(storedJob{
		Job:        job,
		UploadPath: job.UploadPath,
		ExtractDir: job.ExtractDir,
	})
}

func decodeJob(data []byte) (*Job, error) {
	stored := storedJob{Job: &Job{}}
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	stored.Job.UploadPath = stored.UploadPath
	stored.Job.ExtractDir = stored.ExtractDir
	return stored.Job, nil
}

// Put writes a job record, refreshing its UpdatedAt timestamp.
func (s *Store) Put(job *Job) error {
	job.Touch()

	data, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(jobBucket))
		return b.Put([]byte(job.ID), data)
	})
}

// Get loads a job record by ID.
func (s *Store) Get(id string) (*Job, error) {
	var job *Job

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(jobBucket))
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var err error
		job, err = decodeJob(data)
		return err
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// List returns all job records, newest first.
func (s *Store) List() ([]*Job, error) {
	result := make([]*Job, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(jobBucket))
		return b.ForEach(func(k, v []byte) error {
			job, err := decodeJob(v)
			if err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			result = append(result, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result, nil
}

// Delete removes a job record. Returns ErrNotFound if the ID is unknown.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(jobBucket))
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

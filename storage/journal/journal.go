// Package journal persists commit pipeline progress per blob id so an
// interrupted commit resumes at the first incomplete phase instead of
// buying storage again.
package journal

import (
	"fmt"
	"sync"
	"time"

	"github.com/InsulaLabs/vessel/models"
)

// Record is the durable state of one commit pipeline.
type Record struct {
	BlobID      models.BlobID                   `json:"blob_id"`
	Phase       models.CommitPhase              `json:"phase"`
	FailedAt    models.CommitPhase              `json:"failed_at,omitempty"`
	LastError   string                          `json:"last_error,omitempty"`
	Size        uint64                          `json:"size"`
	Epochs      uint32                          `json:"epochs"`
	Permanent   bool                            `json:"permanent"`
	Deletable   bool                            `json:"deletable"`
	Owner       models.Address                  `json:"owner"`
	Reservation *models.StorageReservation      `json:"reservation,omitempty"`
	Certificate *models.AvailabilityCertificate `json:"certificate,omitempty"`
	BlobObject  models.ID                       `json:"blob_object"`
	UpdatedAt   time.Time                       `json:"updated_at"`
}

// Journal stores one Record per blob id. Writers are the commit pipeline
// for that blob id only.
type Journal interface {
	Load(blob models.BlobID) (*Record, error)
	Save(rec *Record) error
	Delete(blob models.BlobID) error
	List() ([]*Record, error)
	Close() error
}

// ErrRecordNotFound is returned by Load when no record exists.
type ErrRecordNotFound struct {
	BlobID models.BlobID
}

func (e *ErrRecordNotFound) Error() string {
	return fmt.Sprintf("no commit record for blob %s", e.BlobID)
}

// ErrInternal wraps storage engine failures.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("journal internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

func clone(rec *Record) *Record {
	cp := *rec
	if rec.Reservation != nil {
		r := *rec.Reservation
		cp.Reservation = &r
	}
	if rec.Certificate != nil {
		c := *rec.Certificate
		c.Nodes = append([]models.Address(nil), rec.Certificate.Nodes...)
		c.Signatures = append([][]byte(nil), rec.Certificate.Signatures...)
		cp.Certificate = &c
	}
	return &cp
}

// Memory is a process local Journal. Progress is lost on exit.
type Memory struct {
	mu      sync.RWMutex
	records map[models.BlobID]*Record
}

var _ Journal = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[models.BlobID]*Record)}
}

func (m *Memory) Load(blob models.BlobID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[blob]
	if !ok {
		return nil, &ErrRecordNotFound{BlobID: blob}
	}
	return clone(rec), nil
}

func (m *Memory) Save(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.BlobID] = clone(rec)
	return nil
}

func (m *Memory) Delete(blob models.BlobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, blob)
	return nil
}

func (m *Memory) List() ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, clone(r))
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

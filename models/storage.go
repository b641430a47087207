package models

import (
	"fmt"
)

// Blob is a certified unit of content. Immutable once certified.
type Blob struct {
	ID        BlobID  `json:"blob_id"`
	ObjectID  ID      `json:"object_id"`
	Size      uint64  `json:"size"`
	Epochs    uint32  `json:"epochs"`
	Permanent bool    `json:"permanent"`
	Deletable bool    `json:"deletable"`
	Owner     Address `json:"owner"`
	Cost      uint64  `json:"cost"`
}

// StorageReservation is the on-chain capacity bought by the reserve phase
// and consumed by register.
type StorageReservation struct {
	ObjectID ID     `json:"object_id"`
	Epochs   uint32 `json:"epochs"`
	Size     uint64 `json:"size"`
	Cost     uint64 `json:"cost"`
}

// AvailabilityCertificate is the node-signed proof returned by the upload
// phase and submitted by certify.
type AvailabilityCertificate struct {
	BlobID     BlobID    `json:"blob_id"`
	Epoch      uint32    `json:"epoch"`
	Nodes      []Address `json:"nodes"`
	Signatures [][]byte  `json:"signatures"`
}

// Check enforces the configured signature quorum.
func (c *AvailabilityCertificate) Check(quorum int) error {
	if c == nil {
		return &QuorumError{What: "certificate signatures", Have: 0, Need: quorum}
	}
	if len(c.Nodes) != len(c.Signatures) {
		return &ValidationError{
			Field:  "certificate",
			Reason: fmt.Sprintf("%d nodes but %d signatures", len(c.Nodes), len(c.Signatures)),
		}
	}
	seen := make(map[Address]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		seen[n] = struct{}{}
	}
	if len(seen) < quorum {
		return &QuorumError{What: "certificate signatures", Have: len(seen), Need: quorum}
	}
	return nil
}

// CertificateMessage is the byte string each storage node signs.
func CertificateMessage(blob BlobID, epoch uint32) []byte {
	msg := make([]byte, 0, 12+IDLength+4)
	msg = append(msg, "vessel/cert:"...)
	msg = append(msg, blob[:]...)
	msg = append(msg, byte(epoch), byte(epoch>>8), byte(epoch>>16), byte(epoch>>24))
	return msg
}

type BlobState int

const (
	BlobRegistered BlobState = iota + 1
	BlobCertified
)

func (s BlobState) String() string {
	switch s {
	case BlobRegistered:
		return "registered"
	case BlobCertified:
		return "certified"
	default:
		return "unknown"
	}
}

// BlobObject binds a blob to its reservation on chain.
type BlobObject struct {
	ID          ID        `json:"id"`
	BlobID      BlobID    `json:"blob_id"`
	Reservation ID        `json:"reservation"`
	State       BlobState `json:"state"`
	Deletable   bool      `json:"deletable"`
}

// Advance moves the object forward. Certified never goes back to
// registered.
func (o *BlobObject) Advance(next BlobState) error {
	if next < o.State {
		return &ValidationError{
			Field:  "blob_object.state",
			Reason: fmt.Sprintf("cannot move from %s back to %s", o.State, next),
		}
	}
	o.State = next
	return nil
}

type CommitPhase int

const (
	PhaseReserving CommitPhase = iota
	PhaseUploading
	PhaseRegistering
	PhaseCertifying
	PhaseCommitted
	PhaseAborted
)

func (p CommitPhase) String() string {
	switch p {
	case PhaseReserving:
		return "reserving"
	case PhaseUploading:
		return "uploading"
	case PhaseRegistering:
		return "registering"
	case PhaseCertifying:
		return "certifying"
	case PhaseCommitted:
		return "committed"
	case PhaseAborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type AvailabilityState string

const (
	AvailabilityUnknown   AvailabilityState = "unknown"
	AvailabilityAvailable AvailabilityState = "available"
)

// BlobStatus is the result of an existence probe. There is no status
// endpoint, so this is all a HEAD request can tell.
type BlobStatus struct {
	State       AvailabilityState `json:"state"`
	Size        int64             `json:"size,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
}

// StoredQuiltBlob maps a quilt file identifier to its patch id.
type StoredQuiltBlob struct {
	Identifier   string `json:"identifier"`
	QuiltPatchID string `json:"quiltPatchId"`
}

type Quilt struct {
	Blob  Blob              `json:"blob"`
	Files []StoredQuiltBlob `json:"files"`
}

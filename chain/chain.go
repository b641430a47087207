// Package chain builds unsigned call payloads for the storage and access
// control contracts and defines the capabilities the rest of the module
// needs from a wallet and a chain node. It holds no state.
package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/InsulaLabs/vessel/models"
)

const (
	ModuleStorage = "storage"
	ModuleBlob    = "blob"

	FnPurchase     = "purchase"
	FnRegister     = "register"
	FnCertify      = "certify"
	FnExtendEpochs = "extend_storage_epochs"
	FnDelete       = "delete"
	FnSealApprove  = "seal_approve"
)

const (
	EventPurchased  = "storage::Purchased"
	EventRegistered = "blob::Registered"
	EventCertified  = "blob::Certified"
	EventExtended   = "blob::Extended"
	EventDeleted    = "blob::Deleted"

	ObjectTypeStorage = "storage::Storage"
	ObjectTypeBlob    = "blob::Blob"
)

// Signer is the externally supplied signing capability. The module never
// sees wallet mechanics, only this contract.
type Signer interface {
	Address() models.Address
	Sign(ctx context.Context, msg []byte) (models.Signature, error)
}

// Executor submits a signed payload and returns its effects. Failures are
// reported as *models.ChainCallError.
type Executor interface {
	Execute(ctx context.Context, tx []byte, sig models.Signature) (*Effects, error)
}

// DryRunner evaluates a kind-only payload read-only on behalf of sender.
type DryRunner interface {
	DryRun(ctx context.Context, tx []byte, sender models.Address) error
}

type CreatedObject struct {
	ID   models.ID `json:"id"`
	Type string    `json:"type"`
}

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Effects struct {
	Digest  string          `json:"digest"`
	Created []CreatedObject `json:"created"`
	Events  []Event         `json:"events"`
}

type PurchasedEvent struct {
	Reservation models.ID `json:"reservation"`
	Epochs      uint32    `json:"epochs"`
	Size        uint64    `json:"size"`
	Cost        uint64    `json:"cost"`
}

type BlobEvent struct {
	BlobID   models.BlobID `json:"blob_id"`
	ObjectID models.ID     `json:"object_id"`
	Epoch    uint32        `json:"epoch"`
	EndEpoch uint32        `json:"end_epoch"`
	// Deletable is set on the registered and certified events.
	Deletable bool `json:"deletable,omitempty"`
}

// Event decodes the first event of the given type.
func (e *Effects) Event(typ string, into any) error {
	for _, ev := range e.Events {
		if ev.Type != typ {
			continue
		}
		if err := json.Unmarshal(ev.Data, into); err != nil {
			return fmt.Errorf("decode %s event: %w", typ, err)
		}
		return nil
	}
	return fmt.Errorf("effects %s carry no %s event", e.Digest, typ)
}

// CreatedOf returns the first created object of the given type.
func (e *Effects) CreatedOf(typ string) (models.ID, bool) {
	for _, o := range e.Created {
		if o.Type == typ {
			return o.ID, true
		}
	}
	return models.ID{}, false
}

package chain

import (
	"strings"

	"github.com/InsulaLabs/vessel/models"
)

const DefaultGasBudget = 50_000_000

// Builder produces unsigned payloads for the storage system package.
// Argument order per call is fixed and mirrors the on-chain signatures.
type Builder struct {
	SystemPackage models.ID
	GasBudget     uint64
}

func NewBuilder(systemPackage models.ID) *Builder {
	return &Builder{SystemPackage: systemPackage, GasBudget: DefaultGasBudget}
}

func (b *Builder) full(sender models.Address, c Call) ([]byte, error) {
	if sender.IsZero() {
		return nil, &models.ValidationError{Field: "sender", Reason: "must be set"}
	}
	tx := &Transaction{
		Kind:      KindFull,
		Sender:    sender,
		GasBudget: b.GasBudget,
		Calls:     []Call{c},
	}
	return tx.Encode()
}

// Purchase builds storage::purchase(epochs, size).
func (b *Builder) Purchase(sender models.Address, epochs uint32, size uint64) ([]byte, error) {
	if epochs == 0 {
		return nil, &models.ValidationError{Field: "epochs", Reason: "must be at least 1"}
	}
	if size == 0 {
		return nil, &models.ValidationError{Field: "size", Reason: "must be positive"}
	}
	return b.full(sender, Call{
		Package:  b.SystemPackage,
		Module:   ModuleStorage,
		Function: FnPurchase,
		Args:     []Arg{PureU32(epochs), PureU64(size)},
	})
}

// Register builds blob::register(blobId, storageObjectId, deletable). A
// blob registered with deletable false is permanent until it expires.
func (b *Builder) Register(sender models.Address, blob models.BlobID, reservation models.ID, deletable bool) ([]byte, error) {
	if reservation.IsZero() {
		return nil, &models.ValidationError{Field: "reservation", Reason: "register needs a purchased reservation"}
	}
	return b.full(sender, Call{
		Package:  b.SystemPackage,
		Module:   ModuleBlob,
		Function: FnRegister,
		Args:     []Arg{PureBytes(blob[:]), ObjectArg(reservation), PureBool(deletable)},
	})
}

// Certify builds blob::certify(blobId, epochNumber, nodeAddresses, signatures).
func (b *Builder) Certify(sender models.Address, cert *models.AvailabilityCertificate) ([]byte, error) {
	if cert == nil {
		return nil, &models.ValidationError{Field: "certificate", Reason: "missing"}
	}
	return b.full(sender, Call{
		Package:  b.SystemPackage,
		Module:   ModuleBlob,
		Function: FnCertify,
		Args: []Arg{
			PureBytes(cert.BlobID[:]),
			PureU32(cert.Epoch),
			PureAddresses(cert.Nodes),
			PureBytesVector(cert.Signatures),
		},
	})
}

// ExtendEpochs builds blob::extend_storage_epochs(blobObjectId, epochs).
func (b *Builder) ExtendEpochs(sender models.Address, blobObject models.ID, epochs uint32) ([]byte, error) {
	if epochs == 0 {
		return nil, &models.ValidationError{Field: "epochs", Reason: "must be at least 1"}
	}
	return b.full(sender, Call{
		Package:  b.SystemPackage,
		Module:   ModuleBlob,
		Function: FnExtendEpochs,
		Args:     []Arg{ObjectArg(blobObject), PureU32(epochs)},
	})
}

// DeleteBlob builds blob::delete(blobObjectId).
func (b *Builder) DeleteBlob(sender models.Address, blobObject models.ID) ([]byte, error) {
	return b.full(sender, Call{
		Package:  b.SystemPackage,
		Module:   ModuleBlob,
		Function: FnDelete,
		Args:     []Arg{ObjectArg(blobObject)},
	})
}

// PolicyCheck builds the read-only {pkg}::{module}::seal_approve call key
// servers evaluate to decide entitlement. It is a transaction kind only:
// no sender, no gas, never executed.
func PolicyCheck(pkg models.ID, variant models.PolicyVariant, policyID models.ID, extra ...Arg) ([]byte, error) {
	module := variant.Module()
	if module == "" {
		return nil, &models.ValidationError{Field: "policy.variant", Reason: variant.String()}
	}
	if pkg.IsZero() {
		return nil, &models.ValidationError{Field: "policy.package_id", Reason: "must be set"}
	}
	args := append([]Arg{PureBytes(policyID[:])}, extra...)
	tx := &Transaction{
		Kind: KindOnly,
		Calls: []Call{{
			Package:  pkg,
			Module:   module,
			Function: FnSealApprove,
			Args:     args,
		}},
	}
	return tx.Encode()
}

// ApprovedID checks that a policy check payload only calls seal_approve*
// functions of pkg, all on the same id, and returns that id.
func ApprovedID(ptb []byte, pkg models.ID) (models.ID, error) {
	tx, err := Decode(ptb)
	if err != nil {
		return models.ID{}, err
	}
	if tx.Kind != KindOnly {
		return models.ID{}, &models.ValidationError{Field: "ptb", Reason: "policy checks must be transaction kinds, not full transactions"}
	}
	var id models.ID
	for i, c := range tx.Calls {
		if c.Package != pkg {
			return models.ID{}, &models.ValidationError{Field: "ptb", Reason: "call into package " + c.Package.String()}
		}
		if !strings.HasPrefix(c.Function, FnSealApprove) {
			return models.ID{}, &models.ValidationError{Field: "ptb", Reason: "call to " + c.Function}
		}
		if len(c.Args) == 0 || c.Args[0].Kind != ArgPure {
			return models.ID{}, &models.ValidationError{Field: "ptb", Reason: "seal_approve without id argument"}
		}
		raw, err := NewArgReader(c.Args[0]).Bytes()
		if err != nil {
			return models.ID{}, err
		}
		callID, err := models.IDFromBytes(raw)
		if err != nil {
			return models.ID{}, err
		}
		if i > 0 && callID != id {
			return models.ID{}, &models.ValidationError{Field: "ptb", Reason: "calls approve different ids"}
		}
		id = callID
	}
	return id, nil
}

// Package memchain is an in-memory ledger that executes the storage system
// calls and dry-runs policy checks with the same abort semantics as the
// network. It backs the dev daemon and the test suites.
package memchain

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/models"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// PolicyFunc decides a seal_approve call. A nil return approves.
type PolicyFunc func(ctx context.Context, call chain.Call, sender models.Address) error

type Config struct {
	SystemPackage models.ID
	PricePerUnit  uint64 // per byte per epoch
	Epoch         uint32
	Quorum        int
	Logger        *slog.Logger
}

type reservation struct {
	owner  models.Address
	epochs uint32
	size   uint64
	used   bool
}

type blobRecord struct {
	object   models.BlobObject
	owner    models.Address
	size     uint64
	endEpoch uint32
}

// CallRecord is one executed register/certify call, in execution order.
type CallRecord struct {
	Seq      int
	Function string
	BlobID   models.BlobID
	Sender   models.Address
}

type policyKey struct {
	pkg    models.ID
	module string
}

type Ledger struct {
	logger *slog.Logger
	cfg    Config

	mu           sync.Mutex
	balances     map[models.Address]uint64
	reservations map[models.ID]*reservation
	blobs        map[models.ID]*blobRecord
	committee    map[models.Address]ed25519.PublicKey
	policies     map[policyKey]PolicyFunc
	calls        []CallRecord
	objectSeq    uint64
}

var (
	_ chain.Executor  = (*Ledger)(nil)
	_ chain.DryRunner = (*Ledger)(nil)
)

func New(cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Epoch == 0 {
		cfg.Epoch = 1
	}
	return &Ledger{
		logger:       cfg.Logger.WithGroup("memchain"),
		cfg:          cfg,
		balances:     make(map[models.Address]uint64),
		reservations: make(map[models.ID]*reservation),
		blobs:        make(map[models.ID]*blobRecord),
		committee:    make(map[models.Address]ed25519.PublicKey),
		policies:     make(map[policyKey]PolicyFunc),
	}
}

func (l *Ledger) Epoch() uint32 { return l.cfg.Epoch }

func (l *Ledger) Fund(addr models.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

func (l *Ledger) Balance(addr models.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// AddCommitteeMember registers a storage node whose signatures count
// toward certificate quorum.
func (l *Ledger) AddCommitteeMember(addr models.Address, pk ed25519.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.committee[addr] = pk
}

func (l *Ledger) RegisterPolicy(pkg models.ID, module string, fn PolicyFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[policyKey{pkg: pkg, module: module}] = fn
}

func (l *Ledger) Calls() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CallRecord(nil), l.calls...)
}

// PurchaseCount reports how many purchase calls the sender executed.
func (l *Ledger) PurchaseCount(sender models.Address) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.reservations {
		if r.owner == sender {
			n++
		}
	}
	return n
}

func (l *Ledger) BlobObject(id models.ID) (models.BlobObject, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.blobs[id]
	if !ok {
		return models.BlobObject{}, false
	}
	return rec.object, true
}

// IsCertified reports whether any live blob object certifies blob.
func (l *Ledger) IsCertified(blob models.BlobID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.blobs {
		if rec.object.BlobID == blob && rec.object.State == models.BlobCertified && rec.endEpoch > l.cfg.Epoch {
			return true
		}
	}
	return false
}

// CertifiedObject returns the certified object for blob, if any.
func (l *Ledger) CertifiedObject(blob models.BlobID) (models.BlobObject, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.blobs {
		if rec.object.BlobID == blob && rec.object.State == models.BlobCertified {
			return rec.object, true
		}
	}
	return models.BlobObject{}, false
}

func (l *Ledger) Execute(ctx context.Context, txBytes []byte, sig models.Signature) (*chain.Effects, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := chain.Decode(txBytes)
	if err != nil {
		return nil, &models.ChainCallError{Kind: models.ChainAborted, Call: "decode", Err: err}
	}
	if tx.Kind != chain.KindFull || len(tx.Calls) != 1 {
		return nil, &models.ChainCallError{Kind: models.ChainAborted, Call: "decode", Abort: "expected a single-call signed transaction"}
	}
	call := tx.Calls[0]
	if err := chain.VerifySignature(tx.Sender, chain.IntentMessage(chain.IntentTransaction, txBytes), sig); err != nil {
		return nil, &models.ChainCallError{Kind: models.ChainAborted, Call: call.Function, Abort: "invalid signature", Err: err}
	}
	if call.Package != l.cfg.SystemPackage {
		return nil, &models.ChainCallError{Kind: models.ChainObjectNotFound, Call: call.Target(), Abort: "unknown package"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fx := &chain.Effects{Digest: uuid.NewString()}
	switch call.Module + "::" + call.Function {
	case chain.ModuleStorage + "::" + chain.FnPurchase:
		err = l.purchase(fx, tx.Sender, call)
	case chain.ModuleBlob + "::" + chain.FnRegister:
		err = l.register(fx, tx.Sender, call)
	case chain.ModuleBlob + "::" + chain.FnCertify:
		err = l.certify(fx, tx.Sender, call)
	case chain.ModuleBlob + "::" + chain.FnExtendEpochs:
		err = l.extend(fx, tx.Sender, call)
	case chain.ModuleBlob + "::" + chain.FnDelete:
		err = l.delete(fx, tx.Sender, call)
	default:
		err = &models.ChainCallError{Kind: models.ChainObjectNotFound, Call: call.Target(), Abort: "function not found"}
	}
	if err != nil {
		l.logger.Debug("call aborted", "target", call.Target(), "sender", tx.Sender.String(), "error", err)
		return nil, err
	}
	l.logger.Debug("call executed", "target", call.Target(), "digest", fx.Digest)
	return fx, nil
}

func (l *Ledger) newObjectID(digest string) models.ID {
	l.objectSeq++
	h, _ := blake2b.New256(nil)
	h.Write([]byte(digest))
	h.Write(binary.LittleEndian.AppendUint64(nil, l.objectSeq))
	var id models.ID
	copy(id[:], h.Sum(nil))
	return id
}

func emit(fx *chain.Effects, typ string, data any) {
	raw, _ := json.Marshal(data)
	fx.Events = append(fx.Events, chain.Event{Type: typ, Data: raw})
}

func aborted(call, reason string) error {
	return &models.ChainCallError{Kind: models.ChainAborted, Call: call, Abort: reason}
}

func pureArgs(call chain.Call, n int) error {
	if len(call.Args) != n {
		return aborted(call.Function, fmt.Sprintf("expected %d arguments, got %d", n, len(call.Args)))
	}
	return nil
}

func (l *Ledger) cost(size uint64, epochs uint32) uint64 {
	c := size * uint64(epochs) * l.cfg.PricePerUnit
	if c == 0 && l.cfg.PricePerUnit > 0 {
		c = 1
	}
	return c
}

func (l *Ledger) purchase(fx *chain.Effects, sender models.Address, call chain.Call) error {
	if err := pureArgs(call, 2); err != nil {
		return err
	}
	epochs, err := chain.NewArgReader(call.Args[0]).U32()
	if err != nil {
		return aborted(call.Function, "bad epochs")
	}
	size, err := chain.NewArgReader(call.Args[1]).U64()
	if err != nil {
		return aborted(call.Function, "bad size")
	}
	cost := l.cost(size, epochs)
	if l.balances[sender] < cost {
		return &models.ChainCallError{
			Kind:  models.ChainInsufficientFunds,
			Call:  call.Function,
			Abort: fmt.Sprintf("balance %d < cost %d", l.balances[sender], cost),
		}
	}
	l.balances[sender] -= cost
	id := l.newObjectID(fx.Digest)
	l.reservations[id] = &reservation{owner: sender, epochs: epochs, size: size}
	fx.Created = append(fx.Created, chain.CreatedObject{ID: id, Type: chain.ObjectTypeStorage})
	emit(fx, chain.EventPurchased, chain.PurchasedEvent{Reservation: id, Epochs: epochs, Size: size, Cost: cost})
	return nil
}

func readBlobID(call chain.Call, arg chain.Arg) (models.BlobID, error) {
	raw, err := chain.NewArgReader(arg).Bytes()
	if err != nil || len(raw) != models.IDLength {
		return models.BlobID{}, aborted(call.Function, "bad blob id")
	}
	var id models.BlobID
	copy(id[:], raw)
	return id, nil
}

func (l *Ledger) register(fx *chain.Effects, sender models.Address, call chain.Call) error {
	if err := pureArgs(call, 3); err != nil {
		return err
	}
	blob, err := readBlobID(call, call.Args[0])
	if err != nil {
		return err
	}
	resID, err := call.Args[1].ObjectID()
	if err != nil {
		return aborted(call.Function, "bad reservation argument")
	}
	deletable, err := chain.NewArgReader(call.Args[2]).Bool()
	if err != nil {
		return aborted(call.Function, "bad deletable flag")
	}
	res, ok := l.reservations[resID]
	if !ok || res.owner != sender {
		return &models.ChainCallError{Kind: models.ChainObjectNotFound, Call: call.Function, Abort: "reservation " + resID.String()}
	}
	if res.used {
		return aborted(call.Function, "reservation already consumed")
	}
	res.used = true
	id := l.newObjectID(fx.Digest)
	l.blobs[id] = &blobRecord{
		object: models.BlobObject{
			ID:          id,
			BlobID:      blob,
			Reservation: resID,
			State:       models.BlobRegistered,
			Deletable:   deletable,
		},
		owner:    sender,
		size:     res.size,
		endEpoch: l.cfg.Epoch + res.epochs,
	}
	l.calls = append(l.calls, CallRecord{Seq: len(l.calls), Function: chain.FnRegister, BlobID: blob, Sender: sender})
	fx.Created = append(fx.Created, chain.CreatedObject{ID: id, Type: chain.ObjectTypeBlob})
	emit(fx, chain.EventRegistered, chain.BlobEvent{BlobID: blob, ObjectID: id, Epoch: l.cfg.Epoch, EndEpoch: l.cfg.Epoch + res.epochs, Deletable: deletable})
	return nil
}

func (l *Ledger) certify(fx *chain.Effects, sender models.Address, call chain.Call) error {
	if err := pureArgs(call, 4); err != nil {
		return err
	}
	blob, err := readBlobID(call, call.Args[0])
	if err != nil {
		return err
	}
	epoch, err := chain.NewArgReader(call.Args[1]).U32()
	if err != nil {
		return aborted(call.Function, "bad epoch")
	}
	nodes, err := chain.NewArgReader(call.Args[2]).Addresses()
	if err != nil {
		return aborted(call.Function, "bad node list")
	}
	sigs, err := chain.NewArgReader(call.Args[3]).BytesVector()
	if err != nil || len(sigs) != len(nodes) {
		return aborted(call.Function, "bad signature list")
	}

	var rec *blobRecord
	for _, r := range l.blobs {
		if r.object.BlobID == blob && r.owner == sender && r.object.State == models.BlobRegistered {
			rec = r
			break
		}
	}
	if rec == nil {
		return &models.ChainCallError{Kind: models.ChainObjectNotFound, Call: call.Function, Abort: "no registered blob object for " + blob.String()}
	}
	if epoch != l.cfg.Epoch {
		return aborted(call.Function, fmt.Sprintf("certificate epoch %d, current epoch %d", epoch, l.cfg.Epoch))
	}

	msg := models.CertificateMessage(blob, epoch)
	valid := make(map[models.Address]struct{}, len(nodes))
	for i, n := range nodes {
		pk, ok := l.committee[n]
		if !ok {
			return aborted(call.Function, "signer "+n.String()+" is not a committee member")
		}
		if !ed25519.Verify(pk, msg, sigs[i]) {
			return aborted(call.Function, "invalid signature from "+n.String())
		}
		valid[n] = struct{}{}
	}
	if len(valid) < l.cfg.Quorum {
		return aborted(call.Function, fmt.Sprintf("%d valid signatures, quorum is %d", len(valid), l.cfg.Quorum))
	}
	if err := rec.object.Advance(models.BlobCertified); err != nil {
		return aborted(call.Function, err.Error())
	}
	l.calls = append(l.calls, CallRecord{Seq: len(l.calls), Function: chain.FnCertify, BlobID: blob, Sender: sender})
	emit(fx, chain.EventCertified, chain.BlobEvent{BlobID: blob, ObjectID: rec.object.ID, Epoch: epoch, EndEpoch: rec.endEpoch, Deletable: rec.object.Deletable})
	return nil
}

func (l *Ledger) ownedBlob(call chain.Call, sender models.Address) (*blobRecord, error) {
	id, err := call.Args[0].ObjectID()
	if err != nil {
		return nil, aborted(call.Function, "bad blob object argument")
	}
	rec, ok := l.blobs[id]
	if !ok || rec.owner != sender {
		return nil, &models.ChainCallError{Kind: models.ChainObjectNotFound, Call: call.Function, Abort: "blob object " + id.String()}
	}
	return rec, nil
}

func (l *Ledger) extend(fx *chain.Effects, sender models.Address, call chain.Call) error {
	if err := pureArgs(call, 2); err != nil {
		return err
	}
	rec, err := l.ownedBlob(call, sender)
	if err != nil {
		return err
	}
	epochs, err := chain.NewArgReader(call.Args[1]).U32()
	if err != nil || epochs == 0 {
		return aborted(call.Function, "bad epochs")
	}
	cost := l.cost(rec.size, epochs)
	if l.balances[sender] < cost {
		return &models.ChainCallError{Kind: models.ChainInsufficientFunds, Call: call.Function}
	}
	l.balances[sender] -= cost
	rec.endEpoch += epochs
	emit(fx, chain.EventExtended, chain.BlobEvent{BlobID: rec.object.BlobID, ObjectID: rec.object.ID, Epoch: l.cfg.Epoch, EndEpoch: rec.endEpoch})
	return nil
}

func (l *Ledger) delete(fx *chain.Effects, sender models.Address, call chain.Call) error {
	if err := pureArgs(call, 1); err != nil {
		return err
	}
	rec, err := l.ownedBlob(call, sender)
	if err != nil {
		return err
	}
	if !rec.object.Deletable {
		return aborted(call.Function, "blob is permanent")
	}
	delete(l.blobs, rec.object.ID)
	emit(fx, chain.EventDeleted, chain.BlobEvent{BlobID: rec.object.BlobID, ObjectID: rec.object.ID, Epoch: l.cfg.Epoch})
	return nil
}

// DryRun evaluates a kind-only payload without changing state.
func (l *Ledger) DryRun(ctx context.Context, txBytes []byte, sender models.Address) error {
	tx, err := chain.Decode(txBytes)
	if err != nil {
		return err
	}
	if tx.Kind != chain.KindOnly {
		return &models.ValidationError{Field: "ptb", Reason: "dry run takes a transaction kind"}
	}
	for _, call := range tx.Calls {
		l.mu.Lock()
		fn, ok := l.policies[policyKey{pkg: call.Package, module: call.Module}]
		l.mu.Unlock()
		if !ok {
			return &models.ChainCallError{Kind: models.ChainObjectNotFound, Call: call.Target(), Abort: "function not found"}
		}
		if err := fn(ctx, call, sender); err != nil {
			return err
		}
	}
	return nil
}

package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/InsulaLabs/vessel/models"
	"github.com/pkg/errors"
)

/*
	Call payload wire format (all lengths are ULEB128):

		version  u8
		kind     u8        0 = transaction kind only, 1 = full transaction
		[sender  32 bytes  gas_budget u64le]   (full only)
		n_calls  uleb
		  package   32 bytes
		  module    uleb len + utf8
		  function  uleb len + utf8
		  n_args    uleb
		    tag     u8     0 = pure, 1 = object
		    value   uleb len + bytes

	Pure values use the little-endian / length-prefixed layouts written by
	the Pure* helpers below and read back by ArgReader.
*/

const codecVersion byte = 1

type TxKind byte

const (
	KindOnly TxKind = 0
	KindFull TxKind = 1
)

type ArgKind byte

const (
	ArgPure   ArgKind = 0
	ArgObject ArgKind = 1
)

const (
	maxCalls   = 64
	maxArgs    = 32
	maxArgSize = 1 << 20
	maxName    = 128
)

type Arg struct {
	Kind  ArgKind
	Value []byte
}

type Call struct {
	Package  models.ID
	Module   string
	Function string
	Args     []Arg
}

// Target renders the fully qualified function name.
func (c Call) Target() string {
	return fmt.Sprintf("%s::%s::%s", c.Package, c.Module, c.Function)
}

type Transaction struct {
	Kind      TxKind
	Sender    models.Address
	GasBudget uint64
	Calls     []Call
}

func (t *Transaction) Encode() ([]byte, error) {
	if len(t.Calls) == 0 {
		return nil, &models.ValidationError{Field: "transaction", Reason: "no calls"}
	}
	if len(t.Calls) > maxCalls {
		return nil, &models.ValidationError{Field: "transaction", Reason: "too many calls"}
	}
	out := []byte{codecVersion, byte(t.Kind)}
	switch t.Kind {
	case KindOnly:
	case KindFull:
		out = append(out, t.Sender[:]...)
		out = binary.LittleEndian.AppendUint64(out, t.GasBudget)
	default:
		return nil, &models.ValidationError{Field: "transaction.kind", Reason: fmt.Sprintf("unknown kind %d", t.Kind)}
	}
	out = binary.AppendUvarint(out, uint64(len(t.Calls)))
	for _, c := range t.Calls {
		if c.Module == "" || c.Function == "" || len(c.Module) > maxName || len(c.Function) > maxName {
			return nil, &models.ValidationError{Field: "call", Reason: "bad module or function name"}
		}
		if len(c.Args) > maxArgs {
			return nil, &models.ValidationError{Field: "call", Reason: "too many arguments"}
		}
		out = append(out, c.Package[:]...)
		out = appendBytes(out, []byte(c.Module))
		out = appendBytes(out, []byte(c.Function))
		out = binary.AppendUvarint(out, uint64(len(c.Args)))
		for _, a := range c.Args {
			out = append(out, byte(a.Kind))
			out = appendBytes(out, a.Value)
		}
	}
	return out, nil
}

// Decode parses a call payload into its typed form.
func Decode(b []byte) (*Transaction, error) {
	r := &reader{buf: b}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != codecVersion {
		return nil, &models.ValidationError{Field: "transaction", Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Kind: TxKind(kind)}
	switch tx.Kind {
	case KindOnly:
	case KindFull:
		sender, err := r.fixed(models.IDLength)
		if err != nil {
			return nil, err
		}
		copy(tx.Sender[:], sender)
		gas, err := r.fixed(8)
		if err != nil {
			return nil, err
		}
		tx.GasBudget = binary.LittleEndian.Uint64(gas)
	default:
		return nil, &models.ValidationError{Field: "transaction.kind", Reason: fmt.Sprintf("unknown kind %d", kind)}
	}
	nCalls, err := r.uvarint(maxCalls)
	if err != nil {
		return nil, err
	}
	if nCalls == 0 {
		return nil, &models.ValidationError{Field: "transaction", Reason: "no calls"}
	}
	for i := uint64(0); i < nCalls; i++ {
		var c Call
		pkg, err := r.fixed(models.IDLength)
		if err != nil {
			return nil, err
		}
		copy(c.Package[:], pkg)
		mod, err := r.bytes(maxName)
		if err != nil {
			return nil, err
		}
		fn, err := r.bytes(maxName)
		if err != nil {
			return nil, err
		}
		c.Module, c.Function = string(mod), string(fn)
		nArgs, err := r.uvarint(maxArgs)
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < nArgs; j++ {
			tag, err := r.byte()
			if err != nil {
				return nil, err
			}
			if ArgKind(tag) != ArgPure && ArgKind(tag) != ArgObject {
				return nil, &models.ValidationError{Field: "call.arg", Reason: fmt.Sprintf("unknown tag %d", tag)}
			}
			val, err := r.bytes(maxArgSize)
			if err != nil {
				return nil, err
			}
			c.Args = append(c.Args, Arg{Kind: ArgKind(tag), Value: val})
		}
		tx.Calls = append(tx.Calls, c)
	}
	if len(r.buf) != r.off {
		return nil, &models.ValidationError{Field: "transaction", Reason: "trailing bytes"}
	}
	return tx, nil
}

func appendBytes(out, b []byte) []byte {
	out = binary.AppendUvarint(out, uint64(len(b)))
	return append(out, b...)
}

type reader struct {
	buf []byte
	off int
}

var errShort = &models.ValidationError{Field: "payload", Reason: "unexpected end of input"}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, errShort
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	if len(r.buf)-r.off < n {
		return nil, errShort
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return append([]byte(nil), out...), nil
}

func (r *reader) uvarint(limit uint64) (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, errShort
	}
	if v > limit {
		return 0, &models.ValidationError{Field: "payload", Reason: fmt.Sprintf("length %d exceeds %d", v, limit)}
	}
	r.off += n
	return v, nil
}

func (r *reader) bytes(limit uint64) ([]byte, error) {
	n, err := r.uvarint(limit)
	if err != nil {
		return nil, err
	}
	return r.fixed(int(n))
}

// ---- pure value helpers

func PureU32(v uint32) Arg {
	return Arg{Kind: ArgPure, Value: binary.LittleEndian.AppendUint32(nil, v)}
}

func PureU64(v uint64) Arg {
	return Arg{Kind: ArgPure, Value: binary.LittleEndian.AppendUint64(nil, v)}
}

func PureBool(v bool) Arg {
	if v {
		return Arg{Kind: ArgPure, Value: []byte{1}}
	}
	return Arg{Kind: ArgPure, Value: []byte{0}}
}

func PureBytes(b []byte) Arg {
	return Arg{Kind: ArgPure, Value: appendBytes(nil, b)}
}

func PureAddresses(addrs []models.Address) Arg {
	out := binary.AppendUvarint(nil, uint64(len(addrs)))
	for _, a := range addrs {
		out = append(out, a[:]...)
	}
	return Arg{Kind: ArgPure, Value: out}
}

func PureBytesVector(vs [][]byte) Arg {
	out := binary.AppendUvarint(nil, uint64(len(vs)))
	for _, v := range vs {
		out = appendBytes(out, v)
	}
	return Arg{Kind: ArgPure, Value: out}
}

func ObjectArg(id models.ID) Arg {
	return Arg{Kind: ArgObject, Value: id.Bytes()}
}

// ArgReader decodes a pure argument written by the Pure* helpers.
type ArgReader struct {
	r reader
}

func NewArgReader(a Arg) *ArgReader {
	return &ArgReader{r: reader{buf: a.Value}}
}

func (a *ArgReader) U32() (uint32, error) {
	b, err := a.r.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (a *ArgReader) U64() (uint64, error) {
	b, err := a.r.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (a *ArgReader) Bool() (bool, error) {
	b, err := a.r.byte()
	if err != nil {
		return false, err
	}
	return b == 1, nil
}

func (a *ArgReader) Bytes() ([]byte, error) {
	return a.r.bytes(maxArgSize)
}

func (a *ArgReader) Addresses() ([]models.Address, error) {
	n, err := a.r.uvarint(4096)
	if err != nil {
		return nil, err
	}
	out := make([]models.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := a.r.fixed(models.IDLength)
		if err != nil {
			return nil, err
		}
		var addr models.Address
		copy(addr[:], b)
		out = append(out, addr)
	}
	return out, nil
}

func (a *ArgReader) BytesVector() ([][]byte, error) {
	n, err := a.r.uvarint(4096)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		b, err := a.r.bytes(maxArgSize)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Done fails if the argument carried more bytes than were read.
func (a *ArgReader) Done() error {
	if a.r.off != len(a.r.buf) {
		return &models.ValidationError{Field: "call.arg", Reason: "trailing bytes"}
	}
	return nil
}

// ObjectID reads an object argument.
func (a Arg) ObjectID() (models.ID, error) {
	if a.Kind != ArgObject {
		return models.ID{}, &models.ValidationError{Field: "call.arg", Reason: "expected object argument"}
	}
	id, err := models.IDFromBytes(a.Value)
	if err != nil {
		return id, errors.Wrap(err, "object argument")
	}
	return id, nil
}

package memchain

import (
	"context"

	"github.com/InsulaLabs/vessel/chain"
	"github.com/InsulaLabs/vessel/models"
)

func approvedID(call chain.Call) (models.ID, error) {
	if len(call.Args) == 0 {
		return models.ID{}, aborted(call.Target(), "missing id")
	}
	raw, err := chain.NewArgReader(call.Args[0]).Bytes()
	if err != nil {
		return models.ID{}, aborted(call.Target(), "bad id argument")
	}
	id, err := models.IDFromBytes(raw)
	if err != nil {
		return models.ID{}, aborted(call.Target(), "bad id argument")
	}
	return id, nil
}

// OwnerOnly approves when the policy id is the sender's own address.
func OwnerOnly(ctx context.Context, call chain.Call, sender models.Address) error {
	id, err := approvedID(call)
	if err != nil {
		return err
	}
	if models.Address(id) != sender {
		return aborted(call.Target(), "ENoAccess")
	}
	return nil
}

// Allowlist approves members of the list regardless of policy id.
func Allowlist(members ...models.Address) PolicyFunc {
	set := make(map[models.Address]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return func(ctx context.Context, call chain.Call, sender models.Address) error {
		if _, err := approvedID(call); err != nil {
			return err
		}
		if _, ok := set[sender]; !ok {
			return aborted(call.Target(), "ENoAccess")
		}
		return nil
	}
}

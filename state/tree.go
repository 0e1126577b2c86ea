package state

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/specs-actors/v3/actors/builtin"
	init_ "github.com/filecoin-project/specs-actors/v3/actors/builtin/init"
	"github.com/filecoin-project/specs-actors/v3/actors/util/adt"
	"github.com/ipfs/go-cid"
	ipldcbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"
)

var ErrActorNotFound = errors.New("actor not found")

// Checkpoint is an opaque marker in the tree delimiting one call's tentative
// writes. Checkpoints nest to match the call stack depth.
type Checkpoint int

// Tree is a versioned mapping from actor ID address to actor state, backed by
// a HAMT in the content-addressed store.
//
// Writes accumulate in copy-on-write overlay layers, one per outstanding
// checkpoint, so that reverting a call is an O(1) layer discard rather than an
// undo-log replay. The underlying HAMT is only touched by Flush.
type Tree struct {
	store  ipldcbor.IpldStore
	actors *adt.Map // on-chain actor records, keyed by ID address
	root   cid.Cid  // root of the last flushed HAMT

	// layers[0] is the working layer; each Checkpoint pushes another.
	layers []*layer
}

type layer struct {
	entries map[address.Address]*layerEntry
}

type layerEntry struct {
	act     *Actor
	deleted bool
}

func newLayer() *layer {
	return &layer{entries: make(map[address.Address]*layerEntry)}
}

// NewTree loads the actor map rooted at root.
func NewTree(store ipldcbor.IpldStore, root cid.Cid) (*Tree, error) {
	actors, err := adt.AsMap(adt.WrapStore(context.TODO(), store), root, builtin.DefaultHamtBitwidth)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load actor map %s", root)
	}

	return &Tree{
		store:  store,
		actors: actors,
		root:   root,
		layers: []*layer{newLayer()},
	}, nil
}

// NewEmptyTree creates a tree with no actors, for genesis-style setup.
func NewEmptyTree(store ipldcbor.IpldStore) (*Tree, error) {
	actors, err := adt.MakeEmptyMap(adt.WrapStore(context.TODO(), store), builtin.DefaultHamtBitwidth)
	if err != nil {
		return nil, err
	}
	root, err := actors.Root()
	if err != nil {
		return nil, err
	}

	return &Tree{
		store:  store,
		actors: actors,
		root:   root,
		layers: []*layer{newLayer()},
	}, nil
}

// Store returns the underlying IPLD store holding actor sub-state.
func (t *Tree) Store() ipldcbor.IpldStore {
	return t.store
}

// GetActor returns a copy of the actor record at addr, which must be an ID
// address.
func (t *Tree) GetActor(ctx context.Context, addr address.Address) (*Actor, bool, error) {
	if addr.Protocol() != address.ID {
		return nil, false, fmt.Errorf("address must use ID protocol")
	}

	for i := len(t.layers) - 1; i >= 0; i-- {
		if e, ok := t.layers[i].entries[addr]; ok {
			if e.deleted {
				return nil, false, nil
			}
			cp := *e.act
			return &cp, true, nil
		}
	}

	var act Actor
	found, err := t.actors.Get(abi.AddrKey(addr), &act)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &act, true, nil
}

// SetActor sets the actor record whether it previously existed or not.
func (t *Tree) SetActor(ctx context.Context, addr address.Address, act *Actor) error {
	if addr.Protocol() != address.ID {
		return fmt.Errorf("address must use ID protocol")
	}
	cp := *act
	top := t.layers[len(t.layers)-1]
	top.entries[addr] = &layerEntry{act: &cp}
	return nil
}

// DeleteActor removes the actor record. Deleting a missing actor is not an
// error since overlay layers cannot always see whether it exists below.
func (t *Tree) DeleteActor(ctx context.Context, addr address.Address) error {
	if addr.Protocol() != address.ID {
		return fmt.Errorf("address must use ID protocol")
	}
	top := t.layers[len(t.layers)-1]
	top.entries[addr] = &layerEntry{deleted: true}
	return nil
}

// MutateActor applies f to the actor record and writes it back.
func (t *Tree) MutateActor(ctx context.Context, addr address.Address, f func(*Actor) error) error {
	act, found, err := t.GetActor(ctx, addr)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrActorNotFound, "mutate %s", addr)
	}
	if err := f(act); err != nil {
		return err
	}
	return t.SetActor(ctx, addr, act)
}

// Checkpoint marks the current state so all subsequent writes are tentative.
func (t *Tree) Checkpoint() Checkpoint {
	cp := Checkpoint(len(t.layers))
	t.layers = append(t.layers, newLayer())
	return cp
}

// Revert discards all writes made since cp, including those of any inner
// checkpoints still outstanding.
func (t *Tree) Revert(cp Checkpoint) error {
	if cp < 1 || int(cp) >= len(t.layers) {
		return fmt.Errorf("invalid checkpoint %d (depth %d)", cp, len(t.layers))
	}
	t.layers = t.layers[:cp]
	return nil
}

// Commit merges all writes made since cp into the enclosing scope.
func (t *Tree) Commit(cp Checkpoint) error {
	if cp < 1 || int(cp) >= len(t.layers) {
		return fmt.Errorf("invalid checkpoint %d (depth %d)", cp, len(t.layers))
	}
	parent := t.layers[cp-1]
	for _, l := range t.layers[cp:] {
		for addr, e := range l.entries {
			parent.entries[addr] = e
		}
	}
	t.layers = t.layers[:cp]
	return nil
}

// Depth returns the number of outstanding checkpoints.
func (t *Tree) Depth() int {
	return len(t.layers) - 1
}

// Flush folds the working layer into the HAMT, persists it and returns the new
// root. All checkpoints must have been committed or reverted first.
func (t *Tree) Flush(ctx context.Context) (cid.Cid, error) {
	if len(t.layers) != 1 {
		return cid.Undef, fmt.Errorf("flush with %d outstanding checkpoints", len(t.layers)-1)
	}

	working := t.layers[0]
	for addr, e := range working.entries {
		if e.deleted {
			if err := t.actors.Delete(abi.AddrKey(addr)); err != nil {
				return cid.Undef, errors.Wrapf(err, "failed to delete actor %s", addr)
			}
			continue
		}
		if err := t.actors.Put(abi.AddrKey(addr), e.act); err != nil {
			return cid.Undef, errors.Wrapf(err, "failed to put actor %s", addr)
		}
	}

	root, err := t.actors.Root()
	if err != nil {
		return cid.Undef, err
	}
	t.root = root
	t.layers = []*layer{newLayer()}
	return root, nil
}

// ResolveAddress resolves addr to an ID address via the init actor's address
// map. ID addresses short-circuit.
func (t *Tree) ResolveAddress(ctx context.Context, addr address.Address) (address.Address, bool, error) {
	if addr.Protocol() == address.ID {
		return addr, true, nil
	}

	initActor, found, err := t.GetActor(ctx, builtin.InitActorAddr)
	if err != nil {
		return address.Undef, false, err
	}
	if !found {
		return address.Undef, false, errors.New("no init actor")
	}

	var st init_.State
	if err := t.store.Get(ctx, initActor.Head, &st); err != nil {
		return address.Undef, false, errors.Wrap(err, "failed to load init actor state")
	}

	return st.ResolveAddress(adt.WrapStore(ctx, t.store), addr)
}

// RegisterNewAddress allocates a new ID address for addr in the init actor's
// address map. The init actor record is written through the tree so the
// allocation is reverted along with the rest of the call's writes.
func (t *Tree) RegisterNewAddress(ctx context.Context, addr address.Address) (address.Address, error) {
	initActor, found, err := t.GetActor(ctx, builtin.InitActorAddr)
	if err != nil {
		return address.Undef, err
	}
	if !found {
		return address.Undef, errors.New("no init actor")
	}

	var st init_.State
	if err := t.store.Get(ctx, initActor.Head, &st); err != nil {
		return address.Undef, errors.Wrap(err, "failed to load init actor state")
	}

	idAddr, err := st.MapAddressToNewID(adt.WrapStore(ctx, t.store), addr)
	if err != nil {
		return address.Undef, err
	}

	head, err := t.store.Put(ctx, &st)
	if err != nil {
		return address.Undef, err
	}
	initActor.Head = head
	if err := t.SetActor(ctx, builtin.InitActorAddr, initActor); err != nil {
		return address.Undef, err
	}

	return idAddr, nil
}

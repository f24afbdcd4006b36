// Package object wraps references into the target heap in surrogates: local
// proxies that know the shape of the object they stand for, cache what they
// decoded from it and refresh that cache once per process epoch.
//
// Surrogates are only made by a Factory, which keeps exactly one per
// reference.
package object

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/telescope/heap"
	"github.com/chazu/telescope/memory"
	"github.com/chazu/telescope/pkg/fault"
	"github.com/chazu/telescope/vm"
)

var objectLog = commonlog.GetLogger("telescope.object")

// TeleObject is a surrogate for an object in the target heap.
type TeleObject interface {
	// Reference returns the canonical reference the surrogate owns.
	Reference() *heap.RemoteReference
	// OID returns the stable identity of the object.
	OID() uint64
	// Kind returns the memory shape of the object.
	Kind() vm.ObjectKind
	// Origin returns where the object is now, or where it was last seen.
	Origin() memory.Address
	// ClassActorForObjectType returns the class of the object. For a static
	// tuple it is the class whose statics the tuple holds.
	ClassActorForObjectType() *vm.ClassActor
	// Status returns the object status of the reference.
	Status() heap.ObjectStatus
	// IsLive reports whether field data can still be read.
	IsLive() bool
	// Hub returns the surrogate of the object's hub.
	Hub() (*HubObject, error)
	// ForwardedTeleObject returns the surrogate of the new copy of a
	// forwarded object, or the receiver.
	ForwardedTeleObject() TeleObject
	// ReadField reads a field of the object.
	ReadField(f *vm.FieldActor) (vm.Value, error)
	// FieldActors returns the fields ReadField accepts.
	FieldActors() []*vm.FieldActor
	// UpdateCache rereads cached state unless it is already current for
	// epoch. A failed update keeps the previous cache.
	UpdateCache(epoch uint64) error
	// LastUpdateEpoch returns the epoch of the last successful update.
	LastUpdateEpoch() uint64

	String() string
}

// objectCache is implemented by surrogates that decode state from the
// target.
type objectCache interface {
	updateObjectCache(epoch uint64) error
}

// teleObject holds the state every surrogate shares. It is allocated apart
// from the surrogate so the factory can track it weakly.
type teleObject struct {
	factory    *Factory
	self       TeleObject
	role       string
	ref        *heap.RemoteReference
	hub        *HubObject
	lastUpdate uint64
}

func (t *teleObject) Reference() *heap.RemoteReference { return t.ref }

func (t *teleObject) OID() uint64 { return t.ref.ID() }

func (t *teleObject) Kind() vm.ObjectKind { return t.ref.Kind() }

func (t *teleObject) Origin() memory.Address { return t.ref.Origin() }

func (t *teleObject) Status() heap.ObjectStatus { return t.ref.Status() }

func (t *teleObject) ClassActorForObjectType() *vm.ClassActor {
	c, _ := t.ref.ClassActor()
	return c
}

func (t *teleObject) IsLive() bool {
	s := t.ref.Status()
	return s.IsLive() || s == heap.StatusUnknown
}

func (t *teleObject) Hub() (*HubObject, error) {
	if t.hub != nil {
		return t.hub, nil
	}
	obj, err := t.factory.MakeAt(t.ref.Hub())
	if err != nil {
		return nil, err
	}
	hub, ok := obj.(*HubObject)
	if !ok {
		return nil, fault.Structuralf(fault.ErrInvalidOrigin, "hub of %v is %v", t.self, obj)
	}
	t.hub = hub
	return hub, nil
}

func (t *teleObject) ForwardedTeleObject() TeleObject {
	return t.self
}

func (t *teleObject) ReadField(f *vm.FieldActor) (vm.Value, error) {
	return t.ref.ReadField(f)
}

func (t *teleObject) FieldActors() []*vm.FieldActor {
	return t.ClassActorForObjectType().InstanceFields()
}

func (t *teleObject) UpdateCache(epoch uint64) error {
	if epoch <= t.lastUpdate {
		objectLog.Debugf("%v: redundant update for epoch %d", t.self, epoch)
		return nil
	}
	if !t.IsLive() {
		return nil
	}
	if c, ok := t.self.(objectCache); ok {
		if err := c.updateObjectCache(epoch); err != nil {
			return err
		}
	}
	t.lastUpdate = epoch
	return nil
}

func (t *teleObject) LastUpdateEpoch() uint64 { return t.lastUpdate }

func (t *teleObject) String() string {
	name := "?"
	if c := t.ClassActorForObjectType(); c != nil {
		name = c.Name
	}
	return fmt.Sprintf("%s %s<%d>", t.role, name, t.ref.ID())
}

// readRef reads a reference field and makes its surrogate. Null yields nil.
func (t *teleObject) readRef(class, field string) (TeleObject, error) {
	f, err := t.factory.field(class, field)
	if err != nil {
		return nil, err
	}
	v, err := t.ref.ReadField(f)
	if err != nil {
		return nil, err
	}
	return t.factory.MakeValue(v)
}

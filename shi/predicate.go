package shi

import "fmt"

// GroupId identifies a Group within one SubsetHashIndex instance.
type GroupId int

// PredicateFunc is a total, side-effect-free function from a Provider
// record to an optional secondary key. The returned key, when non-nil,
// must already be exactly the Group's configured SKey width.
type PredicateFunc func(data ProviderData) (key []byte, ok bool)

// PredicateSpec is what a caller registers: a name and the function.
// Ordinal and GroupId are assigned by the Group at registration time.
type PredicateSpec struct {
	Name string
	Fn   PredicateFunc
}

// Predicate is the named, ordinal-bound handle one PredicateFunc is
// registered under within a Group.
type Predicate struct {
	group   GroupId
	ordinal int
	name    string
	fn      PredicateFunc
}

func (p *Predicate) Group() GroupId  { return p.group }
func (p *Predicate) Ordinal() int    { return p.ordinal }
func (p *Predicate) Name() string    { return p.name }
func (p *Predicate) Eval(data ProviderData) (key []byte, ok bool) {
	return p.fn(data)
}

// PredicateHandle is the opaque, comparable value callers hold onto after
// Register and pass back into Query. It is distinct from *Predicate so the
// index can reject a handle foreign to it with an OperationArgumentError
// without exposing internal pointers across registration generations.
type PredicateHandle struct {
	index *SubsetHashIndex
	p     *Predicate
}

func (h PredicateHandle) String() string {
	if h.p == nil {
		return "<nil predicate handle>"
	}
	return fmt.Sprintf("Predicate(%s, group=%d, ordinal=%d)", h.p.name, h.p.group, h.p.ordinal)
}

// validFor reports whether this handle was produced by the given index.
func (h PredicateHandle) validFor(x *SubsetHashIndex) bool {
	return h.p != nil && h.index == x
}

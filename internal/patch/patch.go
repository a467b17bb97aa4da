package patch

import (
	"encoding/json"
	"fmt"

	"github.com/hanko-field/shipping-change/internal/domain"
)

// Path names a field of the remote order resource.
type Path string

const (
	// PathAmount targets the default purchase unit amount.
	PathAmount Path = "/purchase_units/@reference_id=='default'/amount"
	// PathShippingOptions targets the default purchase unit shipping options.
	PathShippingOptions Path = "/purchase_units/@reference_id=='default'/shipping/options"
)

// canonical order of paths in a patch document.
var paths = [...]Path{PathAmount, PathShippingOptions}

// Paths returns the enumerated path set in canonical order.
func Paths() []Path {
	out := make([]Path, len(paths))
	copy(out, paths[:])
	return out
}

func (p Path) index() (int, bool) {
	for i, candidate := range paths {
		if candidate == p {
			return i, true
		}
	}
	return 0, false
}

// Op is a patch document verb.
type Op string

const (
	// OpReplace replaces an existing value.
	OpReplace Op = "replace"
	// OpAdd adds a value that does not exist yet.
	OpAdd Op = "add"
)

// Operation is one entry of a patch document.
type Operation struct {
	Op    Op   `json:"op"`
	Path  Path `json:"path"`
	Value any  `json:"value"`
}

// Pending holds at most one operation per path.
type Pending map[Path]Operation

// Put stores op under its own path, replacing any previous operation for that path.
func (p Pending) Put(op Operation) {
	p[op.Path] = op
}

// OrderedList returns the pending operations ordered by canonical path index.
// Paths outside the enumerated set indicate a programming error and fail with ErrInvariant.
func OrderedList(pending Pending) ([]Operation, error) {
	slots := make([]*Operation, len(paths))
	for key, op := range pending {
		if key != op.Path {
			return nil, fmt.Errorf("%w: operation for %q stored under %q", domain.ErrInvariant, op.Path, key)
		}
		idx, ok := key.index()
		if !ok {
			return nil, fmt.Errorf("%w: unknown patch path %q", domain.ErrInvariant, key)
		}
		if op.Op != OpReplace && op.Op != OpAdd {
			return nil, fmt.Errorf("%w: unknown patch op %q for %q", domain.ErrInvariant, op.Op, key)
		}
		op := op
		slots[idx] = &op
	}

	out := make([]Operation, 0, len(pending))
	for _, op := range slots {
		if op != nil {
			out = append(out, *op)
		}
	}
	return out, nil
}

// Marshal encodes operations as the JSON patch document sent to the order API.
func Marshal(ops []Operation) ([]byte, error) {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal patch document: %w", err)
	}
	return data, nil
}

package decode

import (
	"bytes"
	"fmt"
	"os"

	"github.com/devblac/bridge-relay/internal/config"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Descriptor is the compiled schema for one event: its signature hash plus
// the indexed and data argument lists in declared order.
type Descriptor struct {
	Name    string
	indexed abi.Arguments
	data    abi.Arguments
	id      common.Hash
}

// NewDescriptor compiles an event spec. When abi_file is set, the event is
// looked up in that ABI JSON; otherwise the field lists are compiled
// directly, with indexed parameters taken to precede data parameters in the
// event declaration.
func NewDescriptor(spec config.EventSpec) (*Descriptor, error) {
	if spec.ABIFile != "" {
		return fromABIFile(spec.ABIFile, spec.Name)
	}

	indexed, err := compileFields(spec.Indexed, true)
	if err != nil {
		return nil, fmt.Errorf("event %s indexed fields: %w", spec.Name, err)
	}
	data, err := compileFields(spec.Data, false)
	if err != nil {
		return nil, fmt.Errorf("event %s data fields: %w", spec.Name, err)
	}

	inputs := append(append(abi.Arguments{}, indexed...), data...)
	ev := abi.NewEvent(spec.Name, spec.Name, false, inputs)

	return &Descriptor{
		Name:    spec.Name,
		indexed: indexed,
		data:    data,
		id:      ev.ID,
	}, nil
}

func fromABIFile(path, eventName string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi %s: %w", path, err)
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	ev, ok := parsed.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("abi %s has no event %q", path, eventName)
	}

	var indexed, data abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		} else {
			data = append(data, in)
		}
	}
	return &Descriptor{
		Name:    ev.Name,
		indexed: indexed,
		data:    data,
		id:      ev.ID,
	}, nil
}

func compileFields(fields []config.FieldSpec, indexed bool) (abi.Arguments, error) {
	args := make(abi.Arguments, 0, len(fields))
	for _, f := range fields {
		t, err := abi.NewType(f.Type, "", nil)
		if err != nil {
			return nil, fmt.Errorf("field %s type %q: %w", f.Name, f.Type, err)
		}
		if err := checkType(t, f.Type); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		args = append(args, abi.Argument{Name: f.Name, Type: t, Indexed: indexed})
	}
	return args, nil
}

// checkType rejects type strings the abi parser tolerates but the ABI
// encoding does not define, such as uint257 or uint12. Left unchecked, a
// bad width decodes every payload to a zero value instead of failing.
func checkType(t abi.Type, raw string) error {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		if t.Size < 8 || t.Size > 256 || t.Size%8 != 0 {
			return fmt.Errorf("unsupported type %q: integer width must be 8..256 and a multiple of 8", raw)
		}
	case abi.FixedBytesTy:
		if t.Size < 1 || t.Size > 32 {
			return fmt.Errorf("unsupported type %q: fixed bytes width must be 1..32", raw)
		}
	case abi.AddressTy, abi.BoolTy, abi.StringTy, abi.BytesTy:
	default:
		return fmt.Errorf("unsupported type %q", raw)
	}
	return nil
}

// ID returns the event signature hash (topic 0).
func (d *Descriptor) ID() common.Hash {
	return d.id
}

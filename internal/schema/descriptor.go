// Package schema describes the structured schema memory kept per user: which
// fields exist, what kind of value each holds, and how patches merge into it.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/mnemo/pkg/types"
)

// Kind is the value kind a schema field holds.
type Kind string

// Field kinds
const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindAny    Kind = "any"
)

// ErrInvalidDescriptor is returned when a descriptor fails validation.
var ErrInvalidDescriptor = errors.New("invalid schema descriptor")

//go:embed user_profile.yaml
var defaultDescriptorYAML []byte

// Field is one named slot of a schema memory.
type Field struct {
	Name        string          `yaml:"name" json:"name"`
	Kind        Kind            `yaml:"kind" json:"kind"`
	Hint        types.MergeHint `yaml:"hint,omitempty" json:"hint,omitempty"` // Default merge hint when a patch carries none
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
}

// Descriptor is a named, versioned set of fields. Extraction prompts are
// built from it and the reconciler checks patches against it.
type Descriptor struct {
	Name        string  `yaml:"name" json:"name"`
	Version     int     `yaml:"version" json:"version"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Fields      []Field `yaml:"fields" json:"fields"`

	index map[string]int
}

// ID returns the schema version identifier stored on SchemaMemory records,
// for example "user_profile@1".
func (d *Descriptor) ID() string {
	return d.Name + "@" + strconv.Itoa(d.Version)
}

// Field looks up a field by name.
func (d *Descriptor) Field(name string) (Field, bool) {
	if d.index == nil {
		d.buildIndex()
	}
	i, ok := d.index[name]
	if !ok {
		return Field{}, false
	}
	return d.Fields[i], true
}

// DefaultHint returns the hint used for a patch on field that carries no
// hint of its own. Unknown fields and fields without a hint use replace.
func (d *Descriptor) DefaultHint(field string) types.MergeHint {
	if f, ok := d.Field(field); ok && f.Hint != types.HintNone {
		return f.Hint
	}
	return types.HintReplace
}

// Validate checks the descriptor for structural errors.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidDescriptor, d.Version)
	}
	seen := make(map[string]bool, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidDescriptor, i)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q", ErrInvalidDescriptor, f.Name)
		}
		seen[f.Name] = true
		if !IsValidKind(f.Kind) {
			return fmt.Errorf("%w: field %q has unknown kind %q", ErrInvalidDescriptor, f.Name, f.Kind)
		}
		if !types.IsValidMergeHint(f.Hint) {
			return fmt.Errorf("%w: field %q has unknown hint %q", ErrInvalidDescriptor, f.Name, f.Hint)
		}
		if f.Hint == types.HintAppend && f.Kind != KindList && f.Kind != KindAny {
			return fmt.Errorf("%w: field %q uses append but is of kind %q", ErrInvalidDescriptor, f.Name, f.Kind)
		}
	}
	return nil
}

func (d *Descriptor) buildIndex() {
	d.index = make(map[string]int, len(d.Fields))
	for i, f := range d.Fields {
		d.index[f.Name] = i
	}
}

// Parse decodes and validates a YAML descriptor. A field without a kind is
// treated as KindAny.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	for i := range d.Fields {
		if d.Fields[i].Kind == "" {
			d.Fields[i].Kind = KindAny
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	d.buildIndex()
	return &d, nil
}

// Load reads a YAML descriptor from path.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema descriptor: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in user_profile descriptor.
func Default() *Descriptor {
	d, err := Parse(defaultDescriptorYAML)
	if err != nil {
		panic(fmt.Sprintf("schema: built-in descriptor is invalid: %v", err))
	}
	return d
}

// IsValidKind returns true if k is a known field kind.
func IsValidKind(k Kind) bool {
	switch k {
	case KindString, KindNumber, KindBool, KindList, KindAny:
		return true
	}
	return false
}

// Accepts reports whether v is a value of kind k. Values are JSON-decoded
// shapes: string, float64 (or any Go integer), bool, []any, map[string]any.
func (k Kind) Accepts(v any) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindList:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	}
	return false
}

// KindOf classifies a JSON-decoded value.
func KindOf(v any) Kind {
	for _, k := range []Kind{KindString, KindNumber, KindBool, KindList} {
		if k.Accepts(v) {
			return k
		}
	}
	return KindAny
}

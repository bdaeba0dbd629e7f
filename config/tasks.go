package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/rt/binary"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

// Document is a task-description document:
//
//	binaries:
//	  - name: sensor
//	    size: 4KiB
//	tasks:
//	  - id: 1
//	    execution-time: 10   # milliseconds, or a duration such as "1.5ms"
//	    critical-time: 20
//	    priority: 1
//	    period: 100
//	    offset: 0
//	    quota: 64KiB
//	    binary: sensor
type Document struct {
	Binaries []BinarySpec `yaml:"binaries"`
	Tasks    []TaskSpec   `yaml:"tasks"`
}

// BinarySpec declares a binary image to register.
type BinarySpec struct {
	Name string `yaml:"name"`
	Size Size   `yaml:"size"`
}

// TaskSpec is the YAML form of a task.Descriptor.
type TaskSpec struct {
	ID            int64  `yaml:"id"`
	ExecutionTime Millis `yaml:"execution-time"`
	CriticalTime  Millis `yaml:"critical-time"`
	Priority      int    `yaml:"priority"`
	Period        Millis `yaml:"period"`
	Offset        Millis `yaml:"offset"`
	Quota         Size   `yaml:"quota"`
	Binary        string `yaml:"binary"`
}

// Descriptor converts s.
func (s TaskSpec) Descriptor() task.Descriptor {
	return task.Descriptor{
		ID:            s.ID,
		ExecutionTime: time.Duration(s.ExecutionTime),
		CriticalTime:  time.Duration(s.CriticalTime),
		Priority:      s.Priority,
		Period:        time.Duration(s.Period),
		Offset:        time.Duration(s.Offset),
		Quota:         uint64(s.Quota),
		Binary:        s.Binary,
	}
}

// Millis is a duration written either as an integer number of milliseconds or as a Go
// duration string.
type Millis time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Millis) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	if n.Tag == "!!int" {
		ms, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		if ms > math.MaxInt64/int64(time.Millisecond) || ms < math.MinInt64/int64(time.Millisecond) {
			return fmt.Errorf("line %d: duration %d ms out of range", n.Line, ms)
		}
		*m = Millis(time.Duration(ms) * time.Millisecond)
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*m = Millis(d)
	return nil
}

// Size is a byte count written either as an integer or with a unit suffix
// (B, K/KB/KiB, M/MB/MiB, G/GB/GiB, T, P; all powers of 1024).
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", n.Line)
	}
	v, err := ParseSize(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*s = Size(v)
	return nil
}

// ParseSize parses a byte count such as "4096", "64KiB" or "1MB". Only whole byte counts
// are accepted.
func ParseSize(s string) (uint64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, errors.New("empty size")
	}
	if strings.ContainsAny(raw, ".eE") {
		return 0, fmt.Errorf("invalid size %q: fractional sizes not allowed", s)
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	// Float-to-int conversion of an overflowing size is negative or saturated.
	if n < 0 || n == math.MaxInt64 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return uint64(n), nil
}

// ParseTasks decodes a task document from r. An empty input yields an empty Document.
func ParseTasks(r io.Reader) (Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, nil
		}
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ParseTasksBytes is ParseTasks over b.
func ParseTasksBytes(b []byte) (Document, error) {
	return ParseTasks(bytes.NewReader(b))
}

// LoadTasks reads and parses the task document at path.
func LoadTasks(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return ParseTasks(f)
}

// Descriptors returns the task descriptors in document order.
func (d Document) Descriptors() []task.Descriptor {
	out := make([]task.Descriptor, 0, len(d.Tasks))
	for _, s := range d.Tasks {
		out = append(out, s.Descriptor())
	}
	return out
}

// Validate checks every task descriptor and that ids and binary names are unique within the
// document. Whether referenced binaries exist is decided at admission.
func (d Document) Validate() error {
	var errs []error
	names := make(map[string]struct{}, len(d.Binaries))
	for i, b := range d.Binaries {
		name := binary.NormalizeName(b.Name)
		if err := binary.ValidateName(name); err != nil {
			errs = append(errs, fmt.Errorf("binaries[%d]: %w", i, err))
			continue
		}
		if _, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("binaries[%d]: duplicate name %q", i, name))
		}
		names[name] = struct{}{}
		if uint64(b.Size) > math.MaxInt32 {
			errs = append(errs, fmt.Errorf("binaries[%d]: size %d too large", i, b.Size))
		}
	}
	ids := make(map[int64]struct{}, len(d.Tasks))
	for i, s := range d.Tasks {
		desc := s.Descriptor()
		if err := desc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
		if _, dup := ids[desc.ID]; dup {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate id %d", i, desc.ID))
		}
		ids[desc.ID] = struct{}{}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMalformedInput, errors.Join(errs...))
	}
	return nil
}

// Apply registers the document's binaries with m and admits its tasks. A rejected document
// leaves no new binaries behind.
//
// Binary registration is idempotent for matching sizes, so a document may be applied again
// after a Clear.
func (d Document) Apply(ctx context.Context, m *manager.Manager) error {
	bins := make([]manager.BinarySpec, 0, len(d.Binaries))
	for _, b := range d.Binaries {
		bins = append(bins, manager.BinarySpec{Name: b.Name, Size: int(b.Size)})
	}
	return m.AdmitWithBinaries(ctx, bins, d.Descriptors())
}

// Package fieldspec maintains the table of sortable flow-record fields and
// compiles user field selections into key specifications consumed by the
// sorter. External packages may add fields of their own through Register,
// which is how plug-in fields join the table.
package fieldspec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/tracenet/flowkit/flowrec"
)

// Kind describes how a field participates in comparison.
type Kind int

const (
	// Uint fields hold a fixed-width unsigned integer in the record and
	// compare numerically.
	Uint Kind = iota
	// Addr fields hold a 16-byte address and compare as unsigned big-endian
	// integers. IPv4 addresses sort below all non-zero-extended IPv6.
	Addr
	// CondUint fields produce a value only when a predicate over the record
	// holds; otherwise the value is zero, keeping the comparison total.
	CondUint
	// Keyed fields are materialized into the node's key suffix at ingest and
	// compared through a caller-supplied callback.
	Keyed
)

// Field describes one sortable flow-record field.
type Field struct {
	Name    string
	Aliases []string
	Help    string
	Kind    Kind

	// Off/Width locate the value in the record for Uint and CondUint fields
	// (Width in {1, 2, 4, 8}) and the address for Addr fields. When Value is
	// non-nil it overrides Off/Width extraction.
	Off   int
	Width int
	Value func(rec flowrec.Record) uint64

	// Pred gates CondUint fields. A false predicate yields value zero.
	Pred func(rec flowrec.Record) bool

	// Keyed-field hooks. KeyWidth bytes of the node's key suffix are
	// reserved per record; Materialize fills them at ingest and CompareKeys
	// orders two filled regions. A CompareKeys failure aborts the sort.
	KeyWidth    int
	Materialize func(rec flowrec.Record, key []byte) error
	CompareKeys func(a, b []byte) (int, error)
}

// fieldEntry adapts a Field for storage in the llrb table, ordered by name.
type fieldEntry struct {
	name  string
	field Field
}

func (e fieldEntry) Compare(c llrb.Comparable) int {
	return strings.Compare(e.name, c.(fieldEntry).name)
}

var (
	mu      sync.RWMutex
	table   llrb.Tree
	aliases = map[string]string{}
)

// Register adds a field to the process-wide table. It panics on a duplicate
// name or alias; field sets are fixed at init time.
func Register(f Field) {
	mu.Lock()
	defer mu.Unlock()
	if f.Name == "" {
		panic("fieldspec: field with empty name")
	}
	if table.Get(fieldEntry{name: f.Name}) != nil || aliases[f.Name] != "" {
		panic(fmt.Sprintf("fieldspec: duplicate field %q", f.Name))
	}
	if f.Kind == Keyed && (f.KeyWidth <= 0 || f.Materialize == nil || f.CompareKeys == nil) {
		panic(fmt.Sprintf("fieldspec: keyed field %q missing width or callbacks", f.Name))
	}
	table.Insert(fieldEntry{name: f.Name, field: f})
	for _, a := range f.Aliases {
		if table.Get(fieldEntry{name: a}) != nil || aliases[a] != "" {
			panic(fmt.Sprintf("fieldspec: duplicate field alias %q", a))
		}
		aliases[a] = f.Name
	}
}

// Lookup resolves a field name or alias.
func Lookup(name string) (Field, bool) {
	mu.RLock()
	defer mu.RUnlock()
	if canon, ok := aliases[name]; ok {
		name = canon
	}
	if e := table.Get(fieldEntry{name: name}); e != nil {
		return e.(fieldEntry).field, true
	}
	return Field{}, false
}

// VisitAll calls fn for every registered field in name order.
func VisitAll(fn func(Field)) {
	mu.RLock()
	defer mu.RUnlock()
	table.Do(func(c llrb.Comparable) bool {
		fn(c.(fieldEntry).field)
		return false
	})
}

// Names returns all registered field names in name order.
func Names() []string {
	var names []string
	VisitAll(func(f Field) { names = append(names, f.Name) })
	return names
}

// CompiledField is a Field bound to its place in the node layout.
type CompiledField struct {
	Field
	// KeyOff is the node offset of the materialized key for Keyed fields.
	KeyOff int
}

// KeySpec is an ordered field selection compiled against the record layout.
// It defines the node geometry shared by the sorter's buffer, spill files,
// and merge slots.
type KeySpec struct {
	Fields     []CompiledField
	RecordSize int
	NodeSize   int

	// IPv4Only narrows address comparison to the low-order 4 bytes.
	IPv4Only bool
}

// Parse compiles a comma-separated field list ("sip,dip,sport") into a
// KeySpec. Names and aliases are accepted; a field may appear only once.
func Parse(spec string, ipv4Only bool) (*KeySpec, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("fieldspec: empty field list")
	}
	ks := &KeySpec{
		RecordSize: flowrec.Size,
		NodeSize:   flowrec.Size,
		IPv4Only:   ipv4Only,
	}
	seen := map[string]bool{}
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		f, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("fieldspec: unknown field %q (known: %s)",
				name, strings.Join(Names(), ","))
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("fieldspec: field %q listed twice", f.Name)
		}
		seen[f.Name] = true
		cf := CompiledField{Field: f}
		if f.Kind == Keyed {
			cf.KeyOff = ks.NodeSize
			ks.NodeSize += f.KeyWidth
		}
		ks.Fields = append(ks.Fields, cf)
	}
	return ks, nil
}

// MaterializeKeys fills the key-suffix region of a node whose record bytes
// are already in place.
func (ks *KeySpec) MaterializeKeys(node []byte) error {
	rec := flowrec.Record(node[:ks.RecordSize])
	for _, f := range ks.Fields {
		if f.Kind != Keyed {
			continue
		}
		if err := f.Materialize(rec, node[f.KeyOff:f.KeyOff+f.KeyWidth]); err != nil {
			return fmt.Errorf("fieldspec: materialize %q: %v", f.Name, err)
		}
	}
	return nil
}

// uintValue extracts a CompiledField's numeric value from a record.
func (f *CompiledField) uintValue(rec flowrec.Record) uint64 {
	if f.Kind == CondUint && f.Pred != nil && !f.Pred(rec) {
		return 0
	}
	if f.Value != nil {
		return f.Value(rec)
	}
	switch f.Width {
	case 1:
		return uint64(rec[f.Off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(rec[f.Off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(rec[f.Off:]))
	case 8:
		return binary.LittleEndian.Uint64(rec[f.Off:])
	}
	panic(fmt.Sprintf("fieldspec: field %q has bad width %d", f.Name, f.Width))
}

// CompareNodes orders two nodes under this single field. Only Keyed fields
// can return an error.
func (f *CompiledField) CompareNodes(a, b []byte, ipv4Only bool) (int, error) {
	switch f.Kind {
	case Addr:
		off, n := f.Off, flowrec.AddrLen
		if ipv4Only {
			off += flowrec.AddrLen - 4
			n = 4
		}
		return bytes.Compare(a[off:off+n], b[off:off+n]), nil
	case Keyed:
		return f.CompareKeys(a[f.KeyOff:f.KeyOff+f.KeyWidth], b[f.KeyOff:f.KeyOff+f.KeyWidth])
	default:
		va := f.uintValue(flowrec.Record(a[:flowrec.Size]))
		vb := f.uintValue(flowrec.Record(b[:flowrec.Size]))
		switch {
		case va < vb:
			return -1, nil
		case va > vb:
			return 1, nil
		}
		return 0, nil
	}
}

func init() {
	u := func(name, help string, off, width int, aliases ...string) Field {
		return Field{Name: name, Aliases: aliases, Help: help, Kind: Uint, Off: off, Width: width}
	}
	for _, f := range []Field{
		{Name: "sip", Aliases: []string{"saddress"}, Help: "source address", Kind: Addr, Off: flowrec.SrcIPOff},
		{Name: "dip", Aliases: []string{"daddress"}, Help: "destination address", Kind: Addr, Off: flowrec.DstIPOff},
		{Name: "nhip", Help: "next-hop address", Kind: Addr, Off: flowrec.NextHopIPOff},
		u("sport", "source port", flowrec.SrcPortOff, 2),
		u("dport", "destination port", flowrec.DstPortOff, 2),
		u("proto", "IP protocol", flowrec.ProtoOff, 1, "protocol"),
		u("flags", "TCP flags", flowrec.TCPFlagsOff, 1),
		u("packets", "packet count", flowrec.PacketsOff, 4, "pkts"),
		u("bytes", "byte count", flowrec.BytesOff, 4),
		u("stime", "flow start time", flowrec.StartTimeOff, 8, "start-time"),
		u("elapsed", "flow duration in ms", flowrec.ElapsedOff, 4, "dur", "duration"),
		u("sensor", "sensor id", flowrec.SensorOff, 2),
		u("input", "SNMP input interface", flowrec.InputOff, 2, "in"),
		u("output", "SNMP output interface", flowrec.OutputOff, 2, "out"),
		u("application", "application id", flowrec.ApplicationOff, 2, "app"),
		u("class", "class/type id", flowrec.ClassTypeOff, 1),
		{
			Name: "etime", Aliases: []string{"end-time"}, Help: "flow end time",
			Kind:  Uint,
			Value: func(rec flowrec.Record) uint64 { return rec.EndTime() },
		},
		{
			Name: "icmp-type", Help: "ICMP type (zero for non-ICMP flows)",
			Kind: CondUint,
			Pred: flowrec.Record.IsICMP,
			Value: func(rec flowrec.Record) uint64 {
				return uint64(rec.DstPort() >> 8)
			},
		},
		{
			Name: "icmp-code", Help: "ICMP code (zero for non-ICMP flows)",
			Kind: CondUint,
			Pred: flowrec.Record.IsICMP,
			Value: func(rec flowrec.Record) uint64 {
				return uint64(rec.DstPort() & 0xff)
			},
		},
		rateField(),
	} {
		Register(f)
	}
}

// rateField materializes bytes-per-second as 48.16 fixed point in the key
// suffix; the division happens once at ingest instead of on every
// comparison.
func rateField() Field {
	return Field{
		Name:     "rate",
		Help:     "average bytes per second",
		Kind:     Keyed,
		KeyWidth: 8,
		Materialize: func(rec flowrec.Record, key []byte) error {
			v := float64(rec.Bytes())
			if ms := rec.Elapsed(); ms > 0 {
				v = v * 1000 / float64(ms)
			}
			fixed := v * 65536
			// Big-endian so the callback can compare bytewise.
			if fixed >= float64(math.MaxUint64) {
				binary.BigEndian.PutUint64(key, math.MaxUint64)
			} else {
				binary.BigEndian.PutUint64(key, uint64(fixed))
			}
			return nil
		},
		CompareKeys: func(a, b []byte) (int, error) {
			if len(a) != 8 || len(b) != 8 {
				return 0, fmt.Errorf("rate key has wrong width: %d vs %d", len(a), len(b))
			}
			return bytes.Compare(a, b), nil
		},
	}
}

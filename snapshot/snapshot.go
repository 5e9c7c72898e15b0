// Package snapshot implements spec.md §4.6's VMSnapshot: a versioned,
// length-prefixed binary encoding of everything a suspended VM owns
// (operand stack, frame stack, current exception, module globals, the
// pending external call, and every heap slot) so that dump/load can
// reconstruct execution state in a fresh process.
//
// Interns/Code are NOT part of a snapshot (spec.md §4.6: "a reference to
// interns/functions, which are considered program-identifying and loaded
// by filename or fingerprint"). The caller supplies the recompiled
// Program's intern.Table when loading; each SerializedFrame's
// FunctionID is resolved against it.
//
// The teacher repo carries no generic serialization library (no gob, no
// protobuf, no msgpack) in its own dependency graph — see DESIGN.md for
// why this module follows suit with a hand-rolled encoding/binary
// framing rather than introducing one.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmerr"
)

// Format is the magic + version header every dump begins with, so a load
// against a mismatched schema fails fast rather than misreading bytes
// (spec.md §6 "fail-fast on mismatched schema").
const (
	magic          = "SBVM"
	currentVersion = uint32(1)
)

// SerializedFrame replaces a CallFrame's direct *code.Code pointer with
// FunctionID so the snapshot is position-independent across a
// recompiled Program (spec.md §4.6). A nil FunctionID denotes the
// module's top-level frame.
type SerializedFrame struct {
	FunctionID *intern.FunctionId
	IP         uint32
	StackBase  int
	Namespace  []value.Value
	Cells      []heap.HeapId
}

// PendingCall mirrors vm.ExternalCall for the one external call a
// suspended VM may be waiting on.
type PendingCall struct {
	FunctionName string
	Args         []value.Value
	Kwargs       map[string]value.Value
	CallID       string
}

// VMSnapshot is the full picture spec.md §4.6 describes: operand stack,
// frame list, current exception, and the heap slab backing all of it.
// Module-level globals are carried alongside since this implementation
// keeps them in a VM-owned map rather than frame-0's namespace (see
// DESIGN.md's vm.go entry).
type VMSnapshot struct {
	Stack            []value.Value
	Frames           []SerializedFrame
	CurrentException *value.Value
	Globals          map[string]value.Value
	Pending          *PendingCall
	Heap             []heap.Slot
}

// Encode serializes snap into the versioned binary framing described in
// spec.md §6: "heap entries serialize as {tag, refcount, payload}".
func Encode(snap *VMSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	writeU32(&buf, currentVersion)

	writeValueSlice(&buf, snap.Stack)

	writeU32(&buf, uint32(len(snap.Frames)))
	for _, f := range snap.Frames {
		writeOptionalFunctionID(&buf, f.FunctionID)
		writeU32(&buf, f.IP)
		writeU32(&buf, uint32(f.StackBase))
		writeValueSlice(&buf, f.Namespace)
		writeU32(&buf, uint32(len(f.Cells)))
		for _, id := range f.Cells {
			writeU32(&buf, uint32(id))
		}
	}

	writeOptionalValue(&buf, snap.CurrentException)

	writeU32(&buf, uint32(len(snap.Globals)))
	for name, v := range snap.Globals {
		writeString(&buf, name)
		writeValue(&buf, v)
	}

	writePendingCall(&buf, snap.Pending)

	if err := writeHeap(&buf, snap.Heap); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses bytes previously produced by Encode, validating the
// magic/version header before touching anything else.
func Decode(data []byte) (*VMSnapshot, error) {
	r := bytes.NewReader(data)
	hdr := make([]byte, len(magic))
	if _, err := r.Read(hdr); err != nil || string(hdr) != magic {
		return nil, vmerr.New(vmerr.SnapshotError, "not a snapshot: bad magic")
	}
	version, err := readU32(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "truncated header: %v", err)
	}
	if version != currentVersion {
		return nil, vmerr.Newf(vmerr.SnapshotError, "unsupported snapshot version %d (want %d)", version, currentVersion)
	}

	snap := &VMSnapshot{}

	stack, err := readValueSlice(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "stack: %v", err)
	}
	snap.Stack = stack

	nframes, err := readU32(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "frame count: %v", err)
	}
	snap.Frames = make([]SerializedFrame, nframes)
	for i := range snap.Frames {
		f := &snap.Frames[i]
		fnID, err := readOptionalFunctionID(r)
		if err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "frame %d function id: %v", i, err)
		}
		f.FunctionID = fnID
		if f.IP, err = readU32(r); err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "frame %d ip: %v", i, err)
		}
		sb, err := readU32(r)
		if err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "frame %d stack_base: %v", i, err)
		}
		f.StackBase = int(sb)
		ns, err := readValueSlice(r)
		if err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "frame %d namespace: %v", i, err)
		}
		f.Namespace = ns
		ncells, err := readU32(r)
		if err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "frame %d cell count: %v", i, err)
		}
		f.Cells = make([]heap.HeapId, ncells)
		for j := range f.Cells {
			id, err := readU32(r)
			if err != nil {
				return nil, vmerr.Newf(vmerr.SnapshotError, "frame %d cell %d: %v", i, j, err)
			}
			f.Cells[j] = heap.HeapId(id)
		}
	}

	exc, err := readOptionalValue(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "current exception: %v", err)
	}
	snap.CurrentException = exc

	nglobals, err := readU32(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "global count: %v", err)
	}
	snap.Globals = make(map[string]value.Value, nglobals)
	for i := uint32(0); i < nglobals; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "global %d name: %v", i, err)
		}
		v, err := readValue(r)
		if err != nil {
			return nil, vmerr.Newf(vmerr.SnapshotError, "global %d value: %v", i, err)
		}
		snap.Globals[name] = v
	}

	pending, err := readPendingCall(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "pending call: %v", err)
	}
	snap.Pending = pending

	slots, err := readHeap(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "heap: %v", err)
	}
	snap.Heap = slots

	return snap, nil
}

func writeOptionalFunctionID(buf *bytes.Buffer, id *intern.FunctionId) {
	if id == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeU32(buf, uint32(*id))
}

func readOptionalFunctionID(r *bytes.Reader) (*intern.FunctionId, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := readU32(r)
	if err != nil {
		return nil, err
	}
	id := intern.FunctionId(v)
	return &id, nil
}

func writePendingCall(buf *bytes.Buffer, p *PendingCall) {
	if p == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeString(buf, p.FunctionName)
	writeValueSlice(buf, p.Args)
	writeString(buf, p.CallID)
	writeU32(buf, uint32(len(p.Kwargs)))
	for k, v := range p.Kwargs {
		writeString(buf, k)
		writeValue(buf, v)
	}
}

func readPendingCall(r *bytes.Reader) (*PendingCall, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	p := &PendingCall{}
	if p.FunctionName, err = readString(r); err != nil {
		return nil, err
	}
	if p.Args, err = readValueSlice(r); err != nil {
		return nil, err
	}
	if p.CallID, err = readString(r); err != nil {
		return nil, err
	}
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	p.Kwargs = make(map[string]value.Value, n)
	for i := uint32(0); i < n; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		p.Kwargs[k] = v
	}
	return p, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := r.Read(tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// writeValue encodes one Value (spec.md §3's tagged union) by tag,
// recursing into SmallTuple/SmallList elements.
func writeValue(buf *bytes.Buffer, v value.Value) {
	buf.WriteByte(byte(v.Tag()))
	switch v.Tag() {
	case value.TagNone:
	case value.TagBool:
		if v.AsBool() {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case value.TagInt:
		writeU64(buf, uint64(v.AsInt()))
	case value.TagFloat:
		writeU64(buf, v.RawBits())
	case value.TagInternString:
		writeU32(buf, v.AsStringId())
	case value.TagInternBytes:
		writeU32(buf, v.AsBytesId())
	case value.TagExtFunction:
		writeU32(buf, v.AsExtFnId())
	case value.TagFunction:
		writeU32(buf, v.AsFunctionId())
	case value.TagRef:
		writeU32(buf, uint32(v.AsHeapId()))
	case value.TagCell:
		writeU32(buf, uint32(v.AsHeapId()))
	case value.TagSmallTuple, value.TagSmallList:
		writeValueSlice(buf, v.AsSmall())
	}
}

func readValue(r *bytes.Reader) (value.Value, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return value.Value{}, err
	}
	switch value.Tag(tagByte) {
	case value.TagNone:
		return value.None(), nil
	case value.TagBool:
		b, err := r.ReadByte()
		if err != nil {
			return value.Value{}, err
		}
		return value.Bool(b != 0), nil
	case value.TagInt:
		u, err := readU64(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.Int(int64(u)), nil
	case value.TagFloat:
		u, err := readU64(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.Float(math.Float64frombits(u)), nil
	case value.TagInternString:
		id, err := readU32(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.InternString(id), nil
	case value.TagInternBytes:
		id, err := readU32(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.InternBytes(id), nil
	case value.TagExtFunction:
		id, err := readU32(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.ExtFunction(id), nil
	case value.TagFunction:
		id, err := readU32(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.Function(id), nil
	case value.TagRef:
		id, err := readU32(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.Ref(heap.HeapId(id)), nil
	case value.TagCell:
		id, err := readU32(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.Cell(heap.HeapId(id)), nil
	case value.TagSmallTuple:
		elems, err := readValueSlice(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.SmallTuple(elems), nil
	case value.TagSmallList:
		elems, err := readValueSlice(r)
		if err != nil {
			return value.Value{}, err
		}
		return value.SmallList(elems), nil
	default:
		return value.Value{}, fmt.Errorf("unknown value tag %d", tagByte)
	}
}

func writeValueSlice(buf *bytes.Buffer, vs []value.Value) {
	writeU32(buf, uint32(len(vs)))
	for _, v := range vs {
		writeValue(buf, v)
	}
}

func readValueSlice(r *bytes.Reader) ([]value.Value, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]value.Value, n)
	for i := range out {
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func writeOptionalValue(buf *bytes.Buffer, v *value.Value) {
	if v == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	writeValue(buf, *v)
}

func readOptionalValue(r *bytes.Reader) (*value.Value, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	v, err := readValue(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

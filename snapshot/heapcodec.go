package snapshot

import (
	"bytes"
	"fmt"

	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
)

// writeHeap encodes every slot in slab order — live or dead — so decode
// can rebuild the slab with HeapIds unchanged (heap.LoadSlots relies on
// slot index == original HeapId). Each live slot is framed as
// {tag, refcount, payload} per spec.md §6.
func writeHeap(buf *bytes.Buffer, slots []heap.Slot) error {
	writeU32(buf, uint32(len(slots)))
	for _, s := range slots {
		if !s.Live {
			buf.WriteByte(0)
			continue
		}
		buf.WriteByte(1)
		writeU32(buf, uint32(s.Refcount))
		if err := writeSlotData(buf, s.Data); err != nil {
			return fmt.Errorf("slot: %w", err)
		}
	}
	return nil
}

func readHeap(r *bytes.Reader) ([]heap.Slot, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	slots := make([]heap.Slot, n)
	for i := range slots {
		live, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if live == 0 {
			continue
		}
		refcount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		data, err := readSlotData(r)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		slots[i] = heap.Slot{Data: data, Refcount: int32(refcount), Live: true}
	}
	return slots, nil
}

// writeSlotData type-switches on the concrete payload (heap.SlotData's
// own tag accessor is unexported, so this mirrors it from the outside)
// and encodes a heap.Tag discriminant byte followed by the payload.
func writeSlotData(buf *bytes.Buffer, d heap.SlotData) error {
	switch v := d.(type) {
	case *heap.List:
		buf.WriteByte(byte(heap.TagList))
		writeValueSlice(buf, v.Elems)
	case *heap.Tuple:
		buf.WriteByte(byte(heap.TagTuple))
		writeValueSlice(buf, v.Elems)
	case *heap.Dict:
		buf.WriteByte(byte(heap.TagDict))
		entries := v.Entries()
		writeU32(buf, uint32(len(entries)))
		for _, e := range entries {
			writeValue(buf, e.Key)
			writeValue(buf, e.Val)
		}
	case *heap.Set:
		buf.WriteByte(byte(heap.TagSet))
		writeValueSlice(buf, v.Values())
	case *heap.UserObject:
		buf.WriteByte(byte(heap.TagUserObject))
		writeU32(buf, v.TypeId)
		writeValueSlice(buf, v.Fields)
	case *heap.Iterator:
		buf.WriteByte(byte(heap.TagIterator))
		buf.WriteByte(byte(v.Kind))
		writeValue(buf, v.Source)
		writeU32(buf, uint32(v.Pos))
		writeU64(buf, uint64(v.RangeCur))
		writeU64(buf, uint64(v.RangeStop))
		writeU64(buf, uint64(v.RangeStep))
	case *heap.Cell:
		buf.WriteByte(byte(heap.TagCell))
		writeValue(buf, v.Val)
	case *heap.Bytes:
		buf.WriteByte(byte(heap.TagBytes))
		writeBytes(buf, v.Data)
	case *heap.LongString:
		buf.WriteByte(byte(heap.TagLongString))
		writeString(buf, v.Data)
	case *heap.Closure:
		buf.WriteByte(byte(heap.TagClosure))
		writeU32(buf, uint32(v.FunctionId))
		writeU32(buf, uint32(len(v.Cells)))
		for _, id := range v.Cells {
			writeU32(buf, uint32(id))
		}
	case *heap.Exception:
		buf.WriteByte(byte(heap.TagException))
		writeU32(buf, v.TypeId)
		writeString(buf, v.TypeName)
		writeString(buf, v.Message)
		writeU32(buf, uint32(len(v.TracebackFrames)))
		for _, tf := range v.TracebackFrames {
			writeTracebackFrame(buf, tf)
		}
		writeOptionalValue(buf, v.Cause)
		writeOptionalValue(buf, v.Context)
	default:
		return fmt.Errorf("unencodable heap payload type %T", d)
	}
	return nil
}

func readSlotData(r *bytes.Reader) (heap.SlotData, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch heap.Tag(tagByte) {
	case heap.TagList:
		elems, err := readValueSlice(r)
		if err != nil {
			return nil, err
		}
		return &heap.List{Elems: elems}, nil
	case heap.TagTuple:
		elems, err := readValueSlice(r)
		if err != nil {
			return nil, err
		}
		return &heap.Tuple{Elems: elems}, nil
	case heap.TagDict:
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		d := heap.NewDict()
		for i := uint32(0); i < n; i++ {
			k, err := readValue(r)
			if err != nil {
				return nil, err
			}
			v, err := readValue(r)
			if err != nil {
				return nil, err
			}
			d.Set(k, v)
		}
		return d, nil
	case heap.TagSet:
		elems, err := readValueSlice(r)
		if err != nil {
			return nil, err
		}
		s := heap.NewSet()
		for _, e := range elems {
			s.Add(e)
		}
		return s, nil
	case heap.TagUserObject:
		typeID, err := readU32(r)
		if err != nil {
			return nil, err
		}
		fields, err := readValueSlice(r)
		if err != nil {
			return nil, err
		}
		return &heap.UserObject{TypeId: typeID, Fields: fields}, nil
	case heap.TagIterator:
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		src, err := readValue(r)
		if err != nil {
			return nil, err
		}
		pos, err := readU32(r)
		if err != nil {
			return nil, err
		}
		cur, err := readU64(r)
		if err != nil {
			return nil, err
		}
		stop, err := readU64(r)
		if err != nil {
			return nil, err
		}
		step, err := readU64(r)
		if err != nil {
			return nil, err
		}
		return &heap.Iterator{
			Kind:      heap.IterKind(kindByte),
			Source:    src,
			Pos:       int(pos),
			RangeCur:  int64(cur),
			RangeStop: int64(stop),
			RangeStep: int64(step),
		}, nil
	case heap.TagCell:
		v, err := readValue(r)
		if err != nil {
			return nil, err
		}
		return &heap.Cell{Val: v}, nil
	case heap.TagBytes:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return &heap.Bytes{Data: b}, nil
	case heap.TagLongString:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return &heap.LongString{Data: s}, nil
	case heap.TagClosure:
		fnID, err := readU32(r)
		if err != nil {
			return nil, err
		}
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		cells := make([]heap.HeapId, n)
		for i := range cells {
			id, err := readU32(r)
			if err != nil {
				return nil, err
			}
			cells[i] = heap.HeapId(id)
		}
		return &heap.Closure{FunctionId: intern.FunctionId(fnID), Cells: cells}, nil
	case heap.TagException:
		typeID, err := readU32(r)
		if err != nil {
			return nil, err
		}
		typeName, err := readString(r)
		if err != nil {
			return nil, err
		}
		message, err := readString(r)
		if err != nil {
			return nil, err
		}
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		frames := make([]heap.TracebackFrame, n)
		for i := range frames {
			tf, err := readTracebackFrame(r)
			if err != nil {
				return nil, err
			}
			frames[i] = tf
		}
		cause, err := readOptionalValue(r)
		if err != nil {
			return nil, err
		}
		context, err := readOptionalValue(r)
		if err != nil {
			return nil, err
		}
		return &heap.Exception{
			TypeId:          typeID,
			TypeName:        typeName,
			Message:         message,
			TracebackFrames: frames,
			Cause:           cause,
			Context:         context,
		}, nil
	default:
		return nil, fmt.Errorf("unknown heap tag %d", tagByte)
	}
}

func writeTracebackFrame(buf *bytes.Buffer, tf heap.TracebackFrame) {
	writeString(buf, tf.Filename)
	writeU32(buf, uint32(tf.Line))
	writeU32(buf, uint32(tf.Column))
	writeU32(buf, uint32(tf.EndLine))
	writeU32(buf, uint32(tf.EndColumn))
	writeString(buf, tf.FunctionName)
	writeString(buf, tf.SourceLine)
}

func readTracebackFrame(r *bytes.Reader) (heap.TracebackFrame, error) {
	var tf heap.TracebackFrame
	var err error
	if tf.Filename, err = readString(r); err != nil {
		return tf, err
	}
	line, err := readU32(r)
	if err != nil {
		return tf, err
	}
	tf.Line = int(line)
	col, err := readU32(r)
	if err != nil {
		return tf, err
	}
	tf.Column = int(col)
	endLine, err := readU32(r)
	if err != nil {
		return tf, err
	}
	tf.EndLine = int(endLine)
	endCol, err := readU32(r)
	if err != nil {
		return tf, err
	}
	tf.EndColumn = int(endCol)
	if tf.FunctionName, err = readString(r); err != nil {
		return tf, err
	}
	if tf.SourceLine, err = readString(r); err != nil {
		return tf, err
	}
	return tf, nil
}

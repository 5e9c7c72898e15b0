package snapshot

import (
	"bytes"

	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/vmerr"
)

// internsMagic distinguishes a dumped intern.Table from a VMSnapshot so
// DecodeInterns fails fast on the wrong kind of blob.
const internsMagic = "SBIN"

// EncodeInterns serializes interns — strings, byte strings, external
// function names, and every user function's metadata including its own
// Code. A REPL session's interns table keeps growing across Feed calls
// and, unlike a one-shot Program, has no separately-recompiled source
// to reattach to on Load: the table itself *is* the program, so package
// repl dumps it through this entry point rather than treating it as
// program-identifying/out-of-band the way vm.Dump/Load does (spec.md
// §4.6).
func EncodeInterns(interns *intern.Table) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(internsMagic)
	writeU32(&buf, currentVersion)
	if err := writeInterns(&buf, interns); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeInterns is EncodeInterns's inverse. The returned table is
// unfrozen, ready for a REPL to keep compiling snippets against.
func DecodeInterns(data []byte) (*intern.Table, error) {
	r := bytes.NewReader(data)
	hdr := make([]byte, len(internsMagic))
	if _, err := r.Read(hdr); err != nil || string(hdr) != internsMagic {
		return nil, vmerr.New(vmerr.SnapshotError, "not an interns dump: bad magic")
	}
	version, err := readU32(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "truncated header: %v", err)
	}
	if version != currentVersion {
		return nil, vmerr.Newf(vmerr.SnapshotError, "unsupported interns dump version %d (want %d)", version, currentVersion)
	}
	interns, err := readInterns(r)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "interns: %v", err)
	}
	return interns, nil
}

func writeCode(buf *bytes.Buffer, c *code.Code) error {
	writeBytes(buf, c.Bytecode)
	writeValueSlice(buf, c.Constants)

	writeU32(buf, uint32(len(c.Locations)))
	for _, l := range c.Locations {
		writeU32(buf, l.Offset)
		writeSourceRange(buf, l.Range)
		if l.Focus == nil {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(1)
			writeSourceRange(buf, *l.Focus)
		}
	}

	writeU32(buf, uint32(len(c.ExceptionTable)))
	for _, e := range c.ExceptionTable {
		writeU32(buf, e.Start)
		writeU32(buf, e.End)
		writeU32(buf, e.Handler)
		writeU32(buf, uint32(e.StackDepth))
	}

	writeU32(buf, uint32(c.NumLocals))
	writeU32(buf, uint32(c.StackSize))
	return nil
}

func readCode(r *bytes.Reader) (*code.Code, error) {
	c := &code.Code{}
	var err error
	if c.Bytecode, err = readBytes(r); err != nil {
		return nil, err
	}
	if c.Constants, err = readValueSlice(r); err != nil {
		return nil, err
	}

	nlocs, err := readU32(r)
	if err != nil {
		return nil, err
	}
	c.Locations = make([]code.LocationEntry, nlocs)
	for i := range c.Locations {
		l := &c.Locations[i]
		if l.Offset, err = readU32(r); err != nil {
			return nil, err
		}
		if l.Range, err = readSourceRange(r); err != nil {
			return nil, err
		}
		present, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if present != 0 {
			rng, err := readSourceRange(r)
			if err != nil {
				return nil, err
			}
			l.Focus = &rng
		}
	}

	nexc, err := readU32(r)
	if err != nil {
		return nil, err
	}
	c.ExceptionTable = make([]code.ExceptionEntry, nexc)
	for i := range c.ExceptionTable {
		e := &c.ExceptionTable[i]
		if e.Start, err = readU32(r); err != nil {
			return nil, err
		}
		if e.End, err = readU32(r); err != nil {
			return nil, err
		}
		if e.Handler, err = readU32(r); err != nil {
			return nil, err
		}
		sd, err := readU32(r)
		if err != nil {
			return nil, err
		}
		e.StackDepth = uint16(sd)
	}

	numLocals, err := readU32(r)
	if err != nil {
		return nil, err
	}
	c.NumLocals = uint16(numLocals)
	stackSize, err := readU32(r)
	if err != nil {
		return nil, err
	}
	c.StackSize = uint16(stackSize)
	return c, nil
}

func writeSourceRange(buf *bytes.Buffer, r code.SourceRange) {
	writeU32(buf, uint32(r.StartLine))
	writeU32(buf, uint32(r.StartCol))
	writeU32(buf, uint32(r.EndLine))
	writeU32(buf, uint32(r.EndCol))
}

func readSourceRange(r *bytes.Reader) (code.SourceRange, error) {
	var sr code.SourceRange
	v, err := readU32(r)
	if err != nil {
		return sr, err
	}
	sr.StartLine = int(v)
	if v, err = readU32(r); err != nil {
		return sr, err
	}
	sr.StartCol = int(v)
	if v, err = readU32(r); err != nil {
		return sr, err
	}
	sr.EndLine = int(v)
	if v, err = readU32(r); err != nil {
		return sr, err
	}
	sr.EndCol = int(v)
	return sr, nil
}

func writeInterns(buf *bytes.Buffer, t *intern.Table) error {
	writeU32(buf, uint32(len(t.Strings)))
	for _, s := range t.Strings {
		writeString(buf, s)
	}

	writeU32(buf, uint32(len(t.Bytes)))
	for _, b := range t.Bytes {
		writeBytes(buf, b)
	}

	writeU32(buf, uint32(len(t.ExternalFunctions)))
	for _, name := range t.ExternalFunctions {
		writeString(buf, name)
	}

	writeU32(buf, uint32(len(t.Functions)))
	for _, fn := range t.Functions {
		writeString(buf, t.String(fn.Name))
		writeU32(buf, uint32(len(fn.Params)))
		for _, p := range fn.Params {
			writeString(buf, t.String(p.Name))
			if p.HasDefault {
				buf.WriteByte(1)
				writeValue(buf, p.DefaultValue)
			} else {
				buf.WriteByte(0)
			}
		}
		writeBool(buf, fn.HasVararg)
		writeBool(buf, fn.HasKwarg)
		writeU32(buf, uint32(fn.VarargSlot))
		writeU32(buf, uint32(fn.KwargSlot))
		writeU32(buf, uint32(fn.NamespaceSize))
		writeU32(buf, uint32(len(fn.FreeVars)))
		for _, s := range fn.FreeVars {
			writeU32(buf, uint32(s))
		}
		writeU32(buf, uint32(fn.CellCount))
		if err := writeCode(buf, fn.Code); err != nil {
			return err
		}
	}
	return nil
}

func readInterns(r *bytes.Reader) (*intern.Table, error) {
	t := intern.New()

	nstr, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nstr; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		t.InternString(s)
	}

	nbytes, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nbytes; i++ {
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		t.InternBytes(b)
	}

	next, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < next; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		t.InternExternalFunction(name)
	}

	nfuncs, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nfuncs; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		nparams, err := readU32(r)
		if err != nil {
			return nil, err
		}
		params := make([]intern.Param, nparams)
		for j := range params {
			pname, err := readString(r)
			if err != nil {
				return nil, err
			}
			hasDefault, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			p := intern.Param{Name: t.InternString(pname)}
			if hasDefault != 0 {
				v, err := readValue(r)
				if err != nil {
					return nil, err
				}
				p.HasDefault = true
				p.DefaultValue = v
			}
			params[j] = p
		}

		hasVararg, err := readBool(r)
		if err != nil {
			return nil, err
		}
		hasKwarg, err := readBool(r)
		if err != nil {
			return nil, err
		}
		varargSlot, err := readU32(r)
		if err != nil {
			return nil, err
		}
		kwargSlot, err := readU32(r)
		if err != nil {
			return nil, err
		}
		namespaceSize, err := readU32(r)
		if err != nil {
			return nil, err
		}
		nfree, err := readU32(r)
		if err != nil {
			return nil, err
		}
		freeVars := make([]uint16, nfree)
		for j := range freeVars {
			v, err := readU32(r)
			if err != nil {
				return nil, err
			}
			freeVars[j] = uint16(v)
		}
		cellCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		fnCode, err := readCode(r)
		if err != nil {
			return nil, err
		}

		t.AddFunction(&intern.Function{
			Name:          t.InternString(name),
			Params:        params,
			HasVararg:     hasVararg,
			HasKwarg:      hasKwarg,
			VarargSlot:    uint16(varargSlot),
			KwargSlot:     uint16(kwargSlot),
			NamespaceSize: uint16(namespaceSize),
			FreeVars:      freeVars,
			CellCount:     uint16(cellCount),
			Code:          fnCode,
		})
	}

	return t, nil
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// This file decodes the JSON encoding `run <file>` reads: a plain data
// representation of an already scope-resolved ast.Program. It is not a
// source-language parser — there is no lexing, no scoping, no slot
// assignment here. Every NameRef in the JSON already carries its scope
// and slot, exactly as ast's doc comment requires of the compiler's
// input; this file's only job is turning that JSON shape into the Go
// node types package ast defines, the same structural step
// encoding/json's struct tags do for any other data file.
//
// The node set covers what a straight-line/control-flow/call program
// needs (literals, names, the operator families, if/while/for/try,
// calls and external calls, function definitions). Tuple/Set/FString/
// closures are not represented; a JSON file naming one of those node
// types fails to decode with a clear error rather than silently
// dropping it.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/wudi/sandboxvm/ast"
)

type jsonProgram struct {
	Module *jsonFuncDef `json:"module"`
}

type jsonNameRef struct {
	Scope string `json:"scope"`
	Slot  uint16 `json:"slot"`
	Name  string `json:"name"`
}

func (r *jsonNameRef) toAST() (ast.NameRef, error) {
	if r == nil {
		return ast.NameRef{}, fmt.Errorf("missing name ref")
	}
	var scope ast.ScopeKind
	switch r.Scope {
	case "local":
		scope = ast.ScopeLocal
	case "global":
		scope = ast.ScopeGlobal
	case "cell":
		scope = ast.ScopeCell
	default:
		return ast.NameRef{}, fmt.Errorf("unknown name ref scope %q", r.Scope)
	}
	return ast.NameRef{Scope: scope, Slot: r.Slot, Name: r.Name}, nil
}

type jsonParam struct {
	Ref     jsonNameRef     `json:"ref"`
	Default json.RawMessage `json:"default,omitempty"`
}

type jsonFuncDef struct {
	Name          string          `json:"name"`
	Params        []jsonParam     `json:"params,omitempty"`
	HasVararg     bool            `json:"has_vararg,omitempty"`
	VarargRef     *jsonNameRef    `json:"vararg_ref,omitempty"`
	HasKwarg      bool            `json:"has_kwarg,omitempty"`
	KwargRef      *jsonNameRef    `json:"kwarg_ref,omitempty"`
	NamespaceSize uint16          `json:"namespace_size"`
	FreeVars      []jsonNameRef   `json:"free_vars,omitempty"`
	Body          []json.RawMessage `json:"body"`
}

func (f *jsonFuncDef) toAST() (*ast.FunctionDef, error) {
	out := &ast.FunctionDef{
		Name:          f.Name,
		HasVararg:     f.HasVararg,
		HasKwarg:      f.HasKwarg,
		NamespaceSize: f.NamespaceSize,
	}
	for i, p := range f.Params {
		ref, err := p.Ref.toAST()
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		pd := ast.ParamDef{Ref: ref}
		if len(p.Default) > 0 {
			d, err := decodeExpr(p.Default)
			if err != nil {
				return nil, fmt.Errorf("param %d default: %w", i, err)
			}
			pd.Default = d
		}
		out.Params = append(out.Params, pd)
	}
	if f.VarargRef != nil {
		ref, err := f.VarargRef.toAST()
		if err != nil {
			return nil, fmt.Errorf("vararg_ref: %w", err)
		}
		out.VarargRef = ref
	}
	if f.KwargRef != nil {
		ref, err := f.KwargRef.toAST()
		if err != nil {
			return nil, fmt.Errorf("kwarg_ref: %w", err)
		}
		out.KwargRef = ref
	}
	for i, fv := range f.FreeVars {
		ref, err := fv.toAST()
		if err != nil {
			return nil, fmt.Errorf("free_var %d: %w", i, err)
		}
		out.FreeVars = append(out.FreeVars, ref)
	}
	for i, raw := range f.Body {
		s, err := decodeStmt(raw)
		if err != nil {
			return nil, fmt.Errorf("stmt %d: %w", i, err)
		}
		out.Body = append(out.Body, s)
	}
	return out, nil
}

func decodeProgram(data []byte) (*ast.Program, error) {
	var jp jsonProgram
	if err := json.Unmarshal(data, &jp); err != nil {
		return nil, fmt.Errorf("decoding program: %w", err)
	}
	if jp.Module == nil {
		return nil, fmt.Errorf("program has no module")
	}
	mod, err := jp.Module.toAST()
	if err != nil {
		return nil, fmt.Errorf("module: %w", err)
	}
	return &ast.Program{Module: mod}, nil
}

type typed struct {
	Type string `json:"type"`
}

func decodeExpr(raw json.RawMessage) (ast.Expr, error) {
	var t typed
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	switch t.Type {
	case "Int":
		var n struct {
			Value int64 `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return &ast.IntLit{Value: n.Value}, nil
	case "Float":
		var n struct {
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return &ast.FloatLit{Value: n.Value}, nil
	case "String":
		var n struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return &ast.StringLit{Value: n.Value}, nil
	case "Bool":
		var n struct {
			Value bool `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return &ast.BoolLit{Value: n.Value}, nil
	case "None":
		return &ast.NoneLit{}, nil
	case "Name":
		var n struct {
			Ref jsonNameRef `json:"ref"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		ref, err := n.Ref.toAST()
		if err != nil {
			return nil, err
		}
		return &ast.NameExpr{Ref: ref}, nil
	case "List":
		var n struct {
			Elems []json.RawMessage `json:"elems"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		elems, err := decodeExprs(n.Elems)
		if err != nil {
			return nil, err
		}
		return &ast.ListExpr{Elems: elems}, nil
	case "Dict":
		var n struct {
			Keys []json.RawMessage `json:"keys"`
			Vals []json.RawMessage `json:"vals"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		keys, err := decodeExprs(n.Keys)
		if err != nil {
			return nil, err
		}
		vals, err := decodeExprs(n.Vals)
		if err != nil {
			return nil, err
		}
		return &ast.DictExpr{Keys: keys, Vals: vals}, nil
	case "Unary":
		var n struct {
			Op string          `json:"op"`
			X  json.RawMessage `json:"x"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		op, err := unaryOpFromString(n.Op)
		if err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpr{Op: op, X: x}, nil
	case "Binary":
		var n struct {
			Op string          `json:"op"`
			X  json.RawMessage `json:"x"`
			Y  json.RawMessage `json:"y"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		op, err := binaryOpFromString(n.Op)
		if err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeExpr(n.Y)
		if err != nil {
			return nil, err
		}
		return &ast.BinaryExpr{Op: op, X: x, Y: y}, nil
	case "Compare":
		var n struct {
			Op string          `json:"op"`
			X  json.RawMessage `json:"x"`
			Y  json.RawMessage `json:"y"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		op, err := compareOpFromString(n.Op)
		if err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeExpr(n.Y)
		if err != nil {
			return nil, err
		}
		return &ast.CompareExpr{Op: op, X: x, Y: y}, nil
	case "BoolOp":
		var n struct {
			Op string          `json:"op"`
			X  json.RawMessage `json:"x"`
			Y  json.RawMessage `json:"y"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		var op ast.BoolOp
		switch n.Op {
		case "and":
			op = ast.BoolAnd
		case "or":
			op = ast.BoolOr
		default:
			return nil, fmt.Errorf("unknown bool op %q", n.Op)
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeExpr(n.Y)
		if err != nil {
			return nil, err
		}
		return &ast.BoolOpExpr{Op: op, X: x, Y: y}, nil
	case "Subscript":
		var n struct {
			X     json.RawMessage `json:"x"`
			Index json.RawMessage `json:"index"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		idx, err := decodeExpr(n.Index)
		if err != nil {
			return nil, err
		}
		return &ast.SubscriptExpr{X: x, Index: idx}, nil
	case "Attr":
		var n struct {
			X    json.RawMessage `json:"x"`
			Attr string          `json:"attr"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		return &ast.AttrExpr{X: x, Attr: n.Attr}, nil
	case "Call":
		var n struct {
			Func json.RawMessage   `json:"func"`
			Args []json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		fn, err := decodeExpr(n.Func)
		if err != nil {
			return nil, err
		}
		args, err := decodeExprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &ast.CallExpr{Func: fn, Args: args}, nil
	case "MethodCall":
		var n struct {
			X      json.RawMessage   `json:"x"`
			Method string            `json:"method"`
			Args   []json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		args, err := decodeExprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &ast.MethodCallExpr{X: x, Method: n.Method, Args: args}, nil
	case "ExternalCall":
		var n struct {
			Name string            `json:"name"`
			Args []json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		args, err := decodeExprs(n.Args)
		if err != nil {
			return nil, err
		}
		return &ast.ExternalCallExpr{Name: n.Name, Args: args}, nil
	default:
		return nil, fmt.Errorf("unsupported expr node type %q", t.Type)
	}
}

func decodeExprs(raws []json.RawMessage) ([]ast.Expr, error) {
	out := make([]ast.Expr, 0, len(raws))
	for i, raw := range raws {
		e, err := decodeExpr(raw)
		if err != nil {
			return nil, fmt.Errorf("expr %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeTarget(raw json.RawMessage) (ast.AssignTarget, error) {
	var t typed
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	switch t.Type {
	case "Name":
		var n struct {
			Ref jsonNameRef `json:"ref"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		ref, err := n.Ref.toAST()
		if err != nil {
			return nil, err
		}
		return ast.NameTarget{Ref: ref}, nil
	case "Subscript":
		var n struct {
			X     json.RawMessage `json:"x"`
			Index json.RawMessage `json:"index"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		idx, err := decodeExpr(n.Index)
		if err != nil {
			return nil, err
		}
		return ast.SubscriptTarget{X: x, Index: idx}, nil
	case "Attr":
		var n struct {
			X    json.RawMessage `json:"x"`
			Attr string          `json:"attr"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		return ast.AttrTarget{X: x, Attr: n.Attr}, nil
	default:
		return nil, fmt.Errorf("unsupported assign target type %q", t.Type)
	}
}

func decodeStmt(raw json.RawMessage) (ast.Stmt, error) {
	var t typed
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	switch t.Type {
	case "Expr":
		var n struct {
			X json.RawMessage `json:"x"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		x, err := decodeExpr(n.X)
		if err != nil {
			return nil, err
		}
		return &ast.ExprStmt{X: x}, nil
	case "Assign":
		var n struct {
			Target json.RawMessage `json:"target"`
			Value  json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		target, err := decodeTarget(n.Target)
		if err != nil {
			return nil, err
		}
		value, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return &ast.AssignStmt{Target: target, Value: value}, nil
	case "AugAssign":
		var n struct {
			Target json.RawMessage `json:"target"`
			Op     string          `json:"op"`
			Value  json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		target, err := decodeTarget(n.Target)
		if err != nil {
			return nil, err
		}
		op, err := binaryOpFromString(n.Op)
		if err != nil {
			return nil, err
		}
		value, err := decodeExpr(n.Value)
		if err != nil {
			return nil, err
		}
		return &ast.AugAssignStmt{Target: target, Op: op, Value: value}, nil
	case "If":
		var n struct {
			Cond json.RawMessage   `json:"cond"`
			Then []json.RawMessage `json:"then"`
			Else []json.RawMessage `json:"else"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		cond, err := decodeExpr(n.Cond)
		if err != nil {
			return nil, err
		}
		thenBody, err := decodeStmts(n.Then)
		if err != nil {
			return nil, err
		}
		elseBody, err := decodeStmts(n.Else)
		if err != nil {
			return nil, err
		}
		return &ast.IfStmt{Cond: cond, Then: thenBody, Else: elseBody}, nil
	case "While":
		var n struct {
			Cond json.RawMessage   `json:"cond"`
			Body []json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		cond, err := decodeExpr(n.Cond)
		if err != nil {
			return nil, err
		}
		body, err := decodeStmts(n.Body)
		if err != nil {
			return nil, err
		}
		return &ast.WhileStmt{Cond: cond, Body: body}, nil
	case "For":
		var n struct {
			Target   json.RawMessage   `json:"target"`
			Iterable json.RawMessage   `json:"iterable"`
			Body     []json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		target, err := decodeTarget(n.Target)
		if err != nil {
			return nil, err
		}
		iterable, err := decodeExpr(n.Iterable)
		if err != nil {
			return nil, err
		}
		body, err := decodeStmts(n.Body)
		if err != nil {
			return nil, err
		}
		return &ast.ForStmt{Target: target, Iterable: iterable, Body: body}, nil
	case "Try":
		var n struct {
			Body     []json.RawMessage `json:"body"`
			Handlers []jsonHandler     `json:"handlers"`
			Finally  []json.RawMessage `json:"finally"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		body, err := decodeStmts(n.Body)
		if err != nil {
			return nil, err
		}
		finally, err := decodeStmts(n.Finally)
		if err != nil {
			return nil, err
		}
		handlers := make([]ast.ExceptHandler, 0, len(n.Handlers))
		for i, h := range n.Handlers {
			handler, err := h.toAST()
			if err != nil {
				return nil, fmt.Errorf("handler %d: %w", i, err)
			}
			handlers = append(handlers, handler)
		}
		return &ast.TryStmt{Body: body, Handlers: handlers, Finally: finally}, nil
	case "FunctionDef":
		var n struct {
			Fn *jsonFuncDef `json:"fn"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		fn, err := n.Fn.toAST()
		if err != nil {
			return nil, err
		}
		return &ast.FunctionDefStmt{Fn: fn}, nil
	case "Return":
		var n struct {
			Value json.RawMessage `json:"value,omitempty"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		var value ast.Expr
		if len(n.Value) > 0 {
			v, err := decodeExpr(n.Value)
			if err != nil {
				return nil, err
			}
			value = v
		}
		return &ast.ReturnStmt{Value: value}, nil
	case "Break":
		return &ast.BreakStmt{}, nil
	case "Continue":
		return &ast.ContinueStmt{}, nil
	case "Pass":
		return &ast.PassStmt{}, nil
	case "Raise":
		var n struct {
			Exc  json.RawMessage `json:"exc,omitempty"`
			From json.RawMessage `json:"from,omitempty"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, err
		}
		var exc, from ast.Expr
		if len(n.Exc) > 0 {
			e, err := decodeExpr(n.Exc)
			if err != nil {
				return nil, err
			}
			exc = e
		}
		if len(n.From) > 0 {
			f, err := decodeExpr(n.From)
			if err != nil {
				return nil, err
			}
			from = f
		}
		return &ast.RaiseStmt{Exc: exc, From: from}, nil
	default:
		return nil, fmt.Errorf("unsupported stmt node type %q", t.Type)
	}
}

func decodeStmts(raws []json.RawMessage) ([]ast.Stmt, error) {
	out := make([]ast.Stmt, 0, len(raws))
	for i, raw := range raws {
		s, err := decodeStmt(raw)
		if err != nil {
			return nil, fmt.Errorf("stmt %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

type jsonHandler struct {
	ExcTypes []jsonNameRef     `json:"exc_types,omitempty"`
	Bind     *jsonNameRef      `json:"bind,omitempty"`
	Body     []json.RawMessage `json:"body"`
}

func (h jsonHandler) toAST() (ast.ExceptHandler, error) {
	out := ast.ExceptHandler{}
	for i, et := range h.ExcTypes {
		ref, err := et.toAST()
		if err != nil {
			return ast.ExceptHandler{}, fmt.Errorf("exc_type %d: %w", i, err)
		}
		out.ExcTypes = append(out.ExcTypes, ref)
	}
	if h.Bind != nil {
		ref, err := h.Bind.toAST()
		if err != nil {
			return ast.ExceptHandler{}, fmt.Errorf("bind: %w", err)
		}
		out.Bind = &ref
	}
	body, err := decodeStmts(h.Body)
	if err != nil {
		return ast.ExceptHandler{}, err
	}
	out.Body = body
	return out, nil
}

func unaryOpFromString(s string) (ast.UnaryOp, error) {
	switch s {
	case "not":
		return ast.UnaryNot, nil
	case "neg":
		return ast.UnaryNeg, nil
	case "pos":
		return ast.UnaryPos, nil
	case "invert":
		return ast.UnaryInvert, nil
	default:
		return 0, fmt.Errorf("unknown unary op %q", s)
	}
}

func binaryOpFromString(s string) (ast.BinaryOp, error) {
	switch s {
	case "+":
		return ast.BinAdd, nil
	case "-":
		return ast.BinSub, nil
	case "*":
		return ast.BinMul, nil
	case "/":
		return ast.BinDiv, nil
	case "//":
		return ast.BinFloorDiv, nil
	case "%":
		return ast.BinMod, nil
	case "**":
		return ast.BinPow, nil
	case "&":
		return ast.BinAnd, nil
	case "|":
		return ast.BinOr, nil
	case "^":
		return ast.BinXor, nil
	case "<<":
		return ast.BinLShift, nil
	case ">>":
		return ast.BinRShift, nil
	case "@":
		return ast.BinMatMul, nil
	default:
		return 0, fmt.Errorf("unknown binary op %q", s)
	}
}

func compareOpFromString(s string) (ast.CompareOp, error) {
	switch s {
	case "==":
		return ast.CmpEq, nil
	case "!=":
		return ast.CmpNe, nil
	case "<":
		return ast.CmpLt, nil
	case "<=":
		return ast.CmpLe, nil
	case ">":
		return ast.CmpGt, nil
	case ">=":
		return ast.CmpGe, nil
	case "is":
		return ast.CmpIs, nil
	case "is not":
		return ast.CmpIsNot, nil
	case "in":
		return ast.CmpIn, nil
	case "not in":
		return ast.CmpNotIn, nil
	default:
		return 0, fmt.Errorf("unknown compare op %q", s)
	}
}

// collectExternalNames walks body for ExternalCallExpr nodes so run can
// pre-declare every external function the program references without
// the JSON file having to repeat that list separately.
func collectExternalNames(fn *ast.FunctionDef) []string {
	seen := map[string]bool{}
	var names []string
	var walkExpr func(ast.Expr)
	var walkStmt func(ast.Stmt)

	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	walkExpr = func(e ast.Expr) {
		switch n := e.(type) {
		case *ast.ExternalCallExpr:
			add(n.Name)
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.BinaryExpr:
			walkExpr(n.X)
			walkExpr(n.Y)
		case *ast.CompareExpr:
			walkExpr(n.X)
			walkExpr(n.Y)
		case *ast.BoolOpExpr:
			walkExpr(n.X)
			walkExpr(n.Y)
		case *ast.UnaryExpr:
			walkExpr(n.X)
		case *ast.CallExpr:
			walkExpr(n.Func)
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.MethodCallExpr:
			walkExpr(n.X)
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.SubscriptExpr:
			walkExpr(n.X)
			walkExpr(n.Index)
		case *ast.AttrExpr:
			walkExpr(n.X)
		case *ast.ListExpr:
			for _, el := range n.Elems {
				walkExpr(el)
			}
		case *ast.DictExpr:
			for _, k := range n.Keys {
				walkExpr(k)
			}
			for _, v := range n.Vals {
				walkExpr(v)
			}
		}
	}

	walkStmt = func(s ast.Stmt) {
		switch n := s.(type) {
		case *ast.ExprStmt:
			walkExpr(n.X)
		case *ast.AssignStmt:
			walkExpr(n.Value)
		case *ast.AugAssignStmt:
			walkExpr(n.Value)
		case *ast.IfStmt:
			walkExpr(n.Cond)
			for _, s2 := range n.Then {
				walkStmt(s2)
			}
			for _, s2 := range n.Else {
				walkStmt(s2)
			}
		case *ast.WhileStmt:
			walkExpr(n.Cond)
			for _, s2 := range n.Body {
				walkStmt(s2)
			}
		case *ast.ForStmt:
			walkExpr(n.Iterable)
			for _, s2 := range n.Body {
				walkStmt(s2)
			}
		case *ast.TryStmt:
			for _, s2 := range n.Body {
				walkStmt(s2)
			}
			for _, h := range n.Handlers {
				for _, s2 := range h.Body {
					walkStmt(s2)
				}
			}
			for _, s2 := range n.Finally {
				walkStmt(s2)
			}
		case *ast.ReturnStmt:
			if n.Value != nil {
				walkExpr(n.Value)
			}
		case *ast.RaiseStmt:
			if n.Exc != nil {
				walkExpr(n.Exc)
			}
			if n.From != nil {
				walkExpr(n.From)
			}
		}
	}

	for _, s := range fn.Body {
		walkStmt(s)
	}
	return names
}

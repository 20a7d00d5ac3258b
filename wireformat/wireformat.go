// Package wireformat defines the stable wire structs shared across process
// boundaries: the MIR textual/JSON dump format used by `--dump-mir` and
// golden-snapshot tooling (spec §6.4), plus a JSON Schema description of it
// generated via `invopop/jsonschema` (direct descendant of the teacher's
// `wireformat` package, which defined stable host/guest wire structs for its
// own RPC boundary; here the boundary is "compiler output" rather than
// "host/guest RPC").
package wireformat

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"nyash-core/application/schema"
	"nyash-core/domain/boxmodel"
	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// ModuleDump is the JSON-serializable projection of a mir.Module: stable
// field names and deterministic ordering (functions and box types sorted by
// name) so two dumps of semantically identical MIR compare byte-for-byte
// regardless of map iteration order.
type ModuleDump struct {
	EntryFunc string          `json:"entry_func"`
	Boxes     []BoxLayoutDump `json:"boxes"`
	Functions []FunctionDump  `json:"functions"`
}

// BoxLayoutDump is the wire projection of mir.BoxLayout.
type BoxLayoutDump struct {
	Name   string          `json:"name"`
	Parent string          `json:"parent,omitempty"`
	Fields []FieldDeclDump `json:"fields"`
}

// FieldDeclDump is the wire projection of boxmodel.FieldDecl.
type FieldDeclDump struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
	Weak       bool   `json:"weak,omitempty"`
}

// FunctionDump is the wire projection of mir.Function.
type FunctionDump struct {
	Name       string      `json:"name"`
	ReceiverOf string      `json:"receiver_of,omitempty"`
	ParamTypes []string    `json:"param_types"`
	ReturnType string      `json:"return_type"`
	Entry      int         `json:"entry"`
	Blocks     []BlockDump `json:"blocks"`
}

// BlockDump is the wire projection of mir.Block.
type BlockDump struct {
	Label string     `json:"label,omitempty"`
	ID    int        `json:"id"`
	Insts []InstDump `json:"insts"`
}

// InstDump is the wire projection of mir.Inst: one flat struct mirroring
// Inst's own generic-operand-slot layout, rather than an interface per
// opcode, so the JSON shape stays stable as opcodes are added.
type InstDump struct {
	Op         string `json:"op"`
	Result     int    `json:"result,omitempty"`
	Type       string `json:"type,omitempty"`
	HasResult  bool   `json:"has_result,omitempty"`
	Args       []int  `json:"args,omitempty"`
	Blocks     []int  `json:"blocks,omitempty"`
	ConstValue any    `json:"const_value,omitempty"`
	FuncName   string `json:"func_name,omitempty"`
	MethodName string `json:"method_name,omitempty"`
	BoxType    string `json:"box_type,omitempty"`
	NewBoxType string `json:"new_box_type,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
	TargetType string `json:"target_type,omitempty"`
	Effect     string `json:"effect,omitempty"`
}

// DumpModule converts a lowered MIR module to its stable JSON projection.
func DumpModule(mod *mir.Module) ModuleDump {
	d := ModuleDump{EntryFunc: mod.EntryFunc}

	boxNames := make([]string, 0, len(mod.Boxes))
	for name := range mod.Boxes {
		boxNames = append(boxNames, name)
	}
	sort.Strings(boxNames)
	for _, name := range boxNames {
		b := mod.Boxes[name]
		fields := make([]FieldDeclDump, 0, len(b.Fields))
		for _, f := range b.Fields {
			vis := "public"
			if f.Visibility == boxmodel.Private {
				vis = "private"
			}
			fields = append(fields, FieldDeclDump{Name: f.Name, Visibility: vis, Weak: f.Weak})
		}
		d.Boxes = append(d.Boxes, BoxLayoutDump{Name: b.Name, Parent: b.Parent, Fields: fields})
	}

	fnNames := make([]string, 0, len(mod.Functions))
	for name := range mod.Functions {
		fnNames = append(fnNames, name)
	}
	sort.Strings(fnNames)
	for _, name := range fnNames {
		d.Functions = append(d.Functions, dumpFunction(mod.Functions[name]))
	}
	return d
}

func dumpFunction(f *mir.Function) FunctionDump {
	fd := FunctionDump{
		Name:       f.Name,
		ReceiverOf: f.ReceiverOf,
		ReturnType: f.ReturnType.String(),
		Entry:      int(f.Entry),
	}
	for _, t := range f.ParamTypes {
		fd.ParamTypes = append(fd.ParamTypes, t.String())
	}
	for _, b := range f.Blocks {
		bd := BlockDump{ID: int(b.ID), Label: b.Label}
		for _, inst := range b.Insts {
			bd.Insts = append(bd.Insts, dumpInst(inst))
		}
		fd.Blocks = append(fd.Blocks, bd)
	}
	return fd
}

func dumpInst(i *mir.Inst) InstDump {
	id := InstDump{
		Op:         i.Op.String(),
		Result:     int(i.Result),
		HasResult:  i.HasResult,
		ConstValue: i.ConstValue,
		FuncName:   i.FuncName,
		MethodName: i.MethodName,
		BoxType:    i.BoxType,
		NewBoxType: i.NewBoxType,
		FieldName:  i.FieldName,
		Effect:     i.Effect.String(),
	}
	if i.HasResult {
		id.Type = i.Type.String()
	}
	if i.TargetType != (mirtypes.Type{}) {
		id.TargetType = i.TargetType.String()
	}
	for _, a := range i.Args {
		id.Args = append(id.Args, int(a))
	}
	for _, b := range i.Blocks {
		id.Blocks = append(id.Blocks, int(b))
	}
	return id
}

// DumpJSON renders a module dump as indented JSON, the `--dump-mir
// --mir-json` output format (spec §6.4, §6.1).
func DumpJSON(mod *mir.Module) ([]byte, error) {
	data, err := json.MarshalIndent(DumpModule(mod), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("wireformat: marshal MIR dump: %w", err)
	}
	return data, nil
}

// ModuleSchema generates a JSON Schema for ModuleDump, so golden-snapshot
// tooling can validate structure before doing a byte-for-byte comparison.
func ModuleSchema() ([]byte, error) {
	return schema.GenerateSchema(ModuleDump{})
}

// DumpText renders the human-readable MIR textual format (spec §6.4):
// function header (name, params, return type), basic blocks labeled
// `bb<N>`, one instruction per line, terminators called out explicitly.
// Golden snapshots compare this output byte-for-byte, so formatting here is
// load-bearing — never reorder fields or adjust whitespace casually.
func DumpText(mod *mir.Module) string {
	var b textBuilder
	boxNames := make([]string, 0, len(mod.Boxes))
	for name := range mod.Boxes {
		boxNames = append(boxNames, name)
	}
	sort.Strings(boxNames)
	for _, name := range boxNames {
		box := mod.Boxes[name]
		if box.Parent != "" {
			b.printf("box %s : %s {\n", box.Name, box.Parent)
		} else {
			b.printf("box %s {\n", box.Name)
		}
		for _, f := range box.Fields {
			weak := ""
			if f.Weak {
				weak = " weak"
			}
			vis := "public"
			if f.Visibility == boxmodel.Private {
				vis = "private"
			}
			b.printf("  %s%s %s\n", vis, weak, f.Name)
		}
		b.printf("}\n\n")
	}

	fnNames := make([]string, 0, len(mod.Functions))
	for name := range mod.Functions {
		fnNames = append(fnNames, name)
	}
	sort.Strings(fnNames)
	for _, name := range fnNames {
		writeFunctionText(&b, mod.Functions[name])
	}
	return b.String()
}

func writeFunctionText(b *textBuilder, f *mir.Function) {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		typ := mirtypes.Unknown()
		if i < len(f.ParamTypes) {
			typ = f.ParamTypes[i]
		}
		params[i] = fmt.Sprintf("v%d: %s", p, typ.String())
	}
	b.printf("func %s(%s) -> %s {\n", f.Name, joinComma(params), f.ReturnType.String())
	for _, blk := range f.Blocks {
		b.printf(" bb%d:\n", blk.ID)
		for _, inst := range blk.Insts {
			b.printf("  %s\n", instText(inst))
		}
	}
	b.printf("}\n\n")
}

func instText(i *mir.Inst) string {
	lhs := ""
	if i.HasResult {
		lhs = fmt.Sprintf("v%d = ", i.Result)
	}
	switch i.Op {
	case mirtypes.OpConst:
		return fmt.Sprintf("%s%s %v", lhs, i.Op, i.ConstValue)
	case mirtypes.OpReturn:
		if len(i.Args) == 0 {
			return "Return"
		}
		return fmt.Sprintf("Return v%d", i.Args[0])
	case mirtypes.OpBranch:
		return fmt.Sprintf("Branch v%d, bb%d, bb%d", i.Args[0], i.Blocks[0], i.Blocks[1])
	case mirtypes.OpJump:
		return fmt.Sprintf("Jump bb%d", i.Blocks[0])
	case mirtypes.OpBoxCall:
		return fmt.Sprintf("%s%s %s.%s(%s)", lhs, i.Op, i.BoxType, i.MethodName, joinArgs(i.Args))
	case mirtypes.OpCall:
		return fmt.Sprintf("%s%s %s(%s)", lhs, i.Op, i.FuncName, joinArgs(i.Args))
	case mirtypes.OpNewBox:
		return fmt.Sprintf("%s%s %s(%s)", lhs, i.Op, i.NewBoxType, joinArgs(i.Args))
	case mirtypes.OpBoxFieldLoad:
		return fmt.Sprintf("%s%s v%d.%s", lhs, i.Op, i.Args[0], i.FieldName)
	case mirtypes.OpBoxFieldStore:
		return fmt.Sprintf("%s v%d.%s = v%d", i.Op, i.Args[0], i.FieldName, i.Args[1])
	default:
		return fmt.Sprintf("%s%s %s", lhs, i.Op, joinArgs(i.Args))
	}
}

func joinArgs(args []mir.ValueID) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("v%d", a)
	}
	return joinComma(parts)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

type textBuilder struct {
	strings.Builder
}

func (b *textBuilder) printf(format string, args ...any) {
	fmt.Fprintf(&b.Builder, format, args...)
}

package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// builtinMethods is the VM's hard-coded method table for Box kinds with no
// MIR-level definition (spec §4.8 "minimal set: StringBox.length/substr/
// concat, IntegerBox.toString/abs, ArrayBox.push/get/set/size,
// MapBox.set/get"). It mirrors infrastructure/interpreter's table in
// behavior but is kept as a separate literal since it closes over *vm.Box,
// a distinct concrete receiver type from the interpreter's own Box.
var builtinMethods = map[string]map[string]func(recv *Box, args []any) (any, error){
	"Future": {
		"resolve": func(recv *Box, args []any) (any, error) {
			recv.fields["__value"] = arg0(args)
			return nil, nil
		},
	},
	"StringBox": {
		"length": func(recv *Box, args []any) (any, error) {
			return int64(len(asString(recv.fields["__value"]))), nil
		},
		"substr": func(recv *Box, args []any) (any, error) {
			s := asString(recv.fields["__value"])
			start := int(asInt(arg0(args)))
			length := len(s) - start
			if len(args) > 1 {
				length = int(asInt(args[1]))
			}
			if start < 0 || start > len(s) {
				return "", nil
			}
			end := start + length
			if end > len(s) {
				end = len(s)
			}
			if end < start {
				end = start
			}
			return s[start:end], nil
		},
		"concat": func(recv *Box, args []any) (any, error) {
			var b strings.Builder
			b.WriteString(asString(recv.fields["__value"]))
			for _, a := range args {
				b.WriteString(asString(a))
			}
			return b.String(), nil
		},
	},
	"IntegerBox": {
		"toString": func(recv *Box, args []any) (any, error) {
			return strconv.FormatInt(asInt(recv.fields["__value"]), 10), nil
		},
		"abs": func(recv *Box, args []any) (any, error) {
			v := asInt(recv.fields["__value"])
			if v < 0 {
				v = -v
			}
			return v, nil
		},
	},
	"ArrayBox": {
		"push": func(recv *Box, args []any) (any, error) {
			items, _ := recv.fields["__items"].([]any)
			recv.fields["__items"] = append(items, arg0(args))
			return nil, nil
		},
		"get": func(recv *Box, args []any) (any, error) {
			items, _ := recv.fields["__items"].([]any)
			i := int(asInt(arg0(args)))
			if i < 0 || i >= len(items) {
				return nil, nil
			}
			return items[i], nil
		},
		"set": func(recv *Box, args []any) (any, error) {
			items, _ := recv.fields["__items"].([]any)
			i := int(asInt(arg0(args)))
			if i < 0 || i >= len(items) {
				return nil, fmt.Errorf("ArrayBox.set: index %d out of range", i)
			}
			items[i] = args[1]
			recv.fields["__items"] = items
			return nil, nil
		},
		"size": func(recv *Box, args []any) (any, error) {
			items, _ := recv.fields["__items"].([]any)
			return int64(len(items)), nil
		},
	},
	"MapBox": {
		"set": func(recv *Box, args []any) (any, error) {
			entries, _ := recv.fields["__entries"].(map[string]any)
			if entries == nil {
				entries = map[string]any{}
			}
			entries[asString(arg0(args))] = args[1]
			recv.fields["__entries"] = entries
			return nil, nil
		},
		"get": func(recv *Box, args []any) (any, error) {
			entries, _ := recv.fields["__entries"].(map[string]any)
			return entries[asString(arg0(args))], nil
		},
	},
}

func arg0(args []any) any {
	if len(args) > 0 {
		return args[0]
	}
	return nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

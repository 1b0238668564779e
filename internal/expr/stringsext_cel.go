package expr

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// stringExtensionFunctions registers the CEL member functions of spec
// §12.3 (data/cel/strings.rs in the Rust original): charAt, indexOf,
// lastIndexOf, join, lowerAscii, upperAscii, trim, replace, split,
// substring, queryMap. Each CEL overload delegates to the corresponding
// pure Go helper in stringsext.go.
func stringExtensionFunctions() []cel.EnvOption {
	asStr := func(v ref.Val) (string, bool) { s, ok := v.(types.String); return string(s), ok }
	asInt := func(v ref.Val) (int64, bool) { i, ok := v.(types.Int); return int64(i), ok }

	adapt := func(v any) ref.Val { return types.DefaultTypeAdapter.NativeToValue(v) }
	errf := func(format string, args ...any) ref.Val { return types.NewErr(format, args...) }

	return []cel.EnvOption{
		cel.Function("charAt",
			cel.MemberOverload("string_charAt_int", []*cel.Type{cel.StringType, cel.IntType}, cel.StringType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					i, _ := asInt(rhs)
					v, err := stringCharAt(s, i)
					if err != nil {
						return errf("%v", err)
					}
					return types.String(v)
				}),
			),
		),
		cel.Function("indexOf",
			cel.MemberOverload("string_indexOf_string", []*cel.Type{cel.StringType, cel.StringType}, cel.IntType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					sub, _ := asStr(rhs)
					v, _ := stringIndexOf(s, sub)
					return types.Int(v)
				}),
			),
			cel.MemberOverload("string_indexOf_string_int", []*cel.Type{cel.StringType, cel.StringType, cel.IntType}, cel.IntType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					s, _ := asStr(args[0])
					sub, _ := asStr(args[1])
					base, _ := asInt(args[2])
					v, _ := stringIndexOf(s, sub, base)
					return types.Int(v)
				}),
			),
		),
		cel.Function("lastIndexOf",
			cel.MemberOverload("string_lastIndexOf_string", []*cel.Type{cel.StringType, cel.StringType}, cel.IntType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					sub, _ := asStr(rhs)
					v, _ := stringLastIndexOf(s, sub)
					return types.Int(v)
				}),
			),
			cel.MemberOverload("string_lastIndexOf_string_int", []*cel.Type{cel.StringType, cel.StringType, cel.IntType}, cel.IntType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					s, _ := asStr(args[0])
					sub, _ := asStr(args[1])
					base, _ := asInt(args[2])
					v, _ := stringLastIndexOf(s, sub, base)
					return types.Int(v)
				}),
			),
		),
		cel.Function("join",
			cel.MemberOverload("list_string_join", []*cel.Type{cel.ListType(cel.StringType)}, cel.StringType,
				cel.UnaryBinding(func(lhs ref.Val) ref.Val {
					items, err := toStringSlice(lhs)
					if err != nil {
						return errf("%v", err)
					}
					return types.String(listJoin(items))
				}),
			),
			cel.MemberOverload("list_string_join_string", []*cel.Type{cel.ListType(cel.StringType), cel.StringType}, cel.StringType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					items, err := toStringSlice(lhs)
					if err != nil {
						return errf("%v", err)
					}
					sep, _ := asStr(rhs)
					return types.String(listJoin(items, sep))
				}),
			),
		),
		cel.Function("lowerAscii",
			cel.MemberOverload("string_lowerAscii", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(lhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					return types.String(stringLowerASCII(s))
				}),
			),
		),
		cel.Function("upperAscii",
			cel.MemberOverload("string_upperAscii", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(lhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					return types.String(stringUpperASCII(s))
				}),
			),
		),
		cel.Function("trim",
			cel.MemberOverload("string_trim", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(lhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					return types.String(stringTrim(s))
				}),
			),
		),
		cel.Function("replace",
			cel.MemberOverload("string_replace_string_string", []*cel.Type{cel.StringType, cel.StringType, cel.StringType}, cel.StringType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					s, _ := asStr(args[0])
					from, _ := asStr(args[1])
					to, _ := asStr(args[2])
					return types.String(stringReplace(s, from, to))
				}),
			),
			cel.MemberOverload("string_replace_string_string_int", []*cel.Type{cel.StringType, cel.StringType, cel.StringType, cel.IntType}, cel.StringType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					s, _ := asStr(args[0])
					from, _ := asStr(args[1])
					to, _ := asStr(args[2])
					n, _ := asInt(args[3])
					return types.String(stringReplace(s, from, to, n))
				}),
			),
		),
		cel.Function("split",
			cel.MemberOverload("string_split_string", []*cel.Type{cel.StringType, cel.StringType}, cel.ListType(cel.StringType),
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					sep, _ := asStr(rhs)
					return adapt(stringSplit(s, sep))
				}),
			),
			cel.MemberOverload("string_split_string_int", []*cel.Type{cel.StringType, cel.StringType, cel.IntType}, cel.ListType(cel.StringType),
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					s, _ := asStr(args[0])
					sep, _ := asStr(args[1])
					n, _ := asInt(args[2])
					return adapt(stringSplit(s, sep, n))
				}),
			),
		),
		cel.Function("substring",
			cel.MemberOverload("string_substring_int", []*cel.Type{cel.StringType, cel.IntType}, cel.StringType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					start, _ := asInt(rhs)
					v, err := stringSubstring(s, start)
					if err != nil {
						return errf("%v", err)
					}
					return types.String(v)
				}),
			),
			cel.MemberOverload("string_substring_int_int", []*cel.Type{cel.StringType, cel.IntType, cel.IntType}, cel.StringType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					s, _ := asStr(args[0])
					start, _ := asInt(args[1])
					end, _ := asInt(args[2])
					v, err := stringSubstring(s, start, end)
					if err != nil {
						return errf("%v", err)
					}
					return types.String(v)
				}),
			),
		),
		cel.Function("queryMap",
			cel.MemberOverload("string_queryMap", []*cel.Type{cel.StringType}, cel.MapType(cel.StringType, cel.DynType),
				cel.UnaryBinding(func(lhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					return adapt(queryMapDecode(s, false))
				}),
			),
			cel.MemberOverload("string_queryMap_bool", []*cel.Type{cel.StringType, cel.BoolType}, cel.MapType(cel.StringType, cel.DynType),
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, _ := asStr(lhs)
					allowRepeats, _ := rhs.(types.Bool)
					return adapt(queryMapDecode(s, bool(allowRepeats)))
				}),
			),
		),
	}
}

func toStringSlice(v ref.Val) ([]string, error) {
	native, err := toJSONCompatible(v)
	if err != nil {
		return nil, err
	}
	list, ok := native.([]any)
	if !ok {
		return nil, errNotAStringList
	}
	out := make([]string, len(list))
	for i, elem := range list {
		s, ok := elem.(string)
		if !ok {
			return nil, errNotAStringList
		}
		out[i] = s
	}
	return out, nil
}

var errNotAStringList = errListNotStrings{}

type errListNotStrings struct{}

func (errListNotStrings) Error() string { return "expected a list of strings" }

// Package expand implements the expansion engine (C2): scalar variable
// substitution, the data-or-list naked-dereference rule, and the eager
// builtin function table, grounded on libpromises/expand.c's
// ExpandScalar/ExpandPrivateRval/VariableDataOrListReference.
package expand

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
)

// refPattern matches both $(ref) and ${ref} variable references, including
// dotted scope prefixes like sys.ip or this.k.
var refPattern = regexp.MustCompile(`\$[({]([A-Za-z0-9_.\[\]]+)[)}]`)

// Expander is the C2 expansion engine. It is stateless except for the
// injected clock, which only classmatch's underlying class lookup needs;
// it is safe for concurrent use.
type Expander struct {
	Now func() time.Time
}

func New() *Expander {
	return &Expander{Now: time.Now}
}

// ExpandRval expands rval's embedded variable references and evaluates any
// function calls it contains, eagerly and bottom-up, the way a promise's
// rval is expanded once per iteration before the actuator sees it.
func (e *Expander) ExpandRval(ctx *engine.Context, namespace string, rval engine.Rvalue) (engine.Rvalue, error) {
	switch rval.Type {
	case engine.RvalNone, engine.RvalContainer:
		return rval, nil

	case engine.RvalScalar:
		return e.expandScalarRval(ctx, namespace, rval.Scalar)

	case engine.RvalList:
		out := make([]engine.Rvalue, 0, len(rval.List))
		for _, item := range rval.List {
			expanded, err := e.ExpandRval(ctx, namespace, item)
			if err != nil {
				return engine.Rvalue{}, err
			}
			out = append(out, expanded)
		}
		return engine.ListRval(out...), nil

	case engine.RvalFnCall:
		return e.evalFnCall(ctx, namespace, rval)

	default:
		return rval, nil
	}
}

// ExpandScalar expands s as plain text, joining any list-valued reference
// it contains with ", " (cf3's textual-context list rendering). Use
// ExpandRval instead when a naked reference to a whole list or container
// should pass through as a list/container rather than be stringified.
func (e *Expander) ExpandScalar(ctx *engine.Context, namespace, s string) (string, error) {
	rv, err := e.expandScalarRval(ctx, namespace, s)
	if err != nil {
		return "", err
	}
	return stringify(rv), nil
}

// expandScalarRval implements the naked-dereference rule: if s is nothing
// but a single $(ref)/${ref} token, the referenced value (even a list or
// container) is returned unchanged. Any reference embedded in a larger
// string is always textualized.
func (e *Expander) expandScalarRval(ctx *engine.Context, namespace, s string) (engine.Rvalue, error) {
	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		val, typ, ok := ctx.VariableGet(m[1])
		if !ok {
			return engine.ScalarRval(s), nil
		}
		return valueToRval(val, typ), nil
	}

	var evalErr error
	result := refPattern.ReplaceAllStringFunc(s, func(token string) string {
		m := refPattern.FindStringSubmatch(token)
		val, typ, ok := ctx.VariableGet(m[1])
		if !ok {
			return token
		}
		return stringify(valueToRval(val, typ))
	})
	if evalErr != nil {
		return engine.Rvalue{}, evalErr
	}
	return engine.ScalarRval(result), nil
}

func valueToRval(val interface{}, typ engine.VarType) engine.Rvalue {
	switch typ {
	case engine.VarSlist, engine.VarRlist:
		if items, ok := val.([]string); ok {
			rvs := make([]engine.Rvalue, len(items))
			for i, s := range items {
				rvs[i] = engine.ScalarRval(s)
			}
			return engine.ListRval(rvs...)
		}
		return engine.NoneRval()
	case engine.VarContainer:
		return engine.ContainerRval(val)
	default:
		return engine.ScalarRval(fmt.Sprintf("%v", val))
	}
}

func stringify(rv engine.Rvalue) string {
	switch rv.Type {
	case engine.RvalScalar:
		return rv.Scalar
	case engine.RvalList:
		parts := make([]string, len(rv.List))
		for i, item := range rv.List {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ", ")
	case engine.RvalContainer:
		return fmt.Sprintf("%v", rv.Container)
	default:
		return ""
	}
}

func (e *Expander) evalFnCall(ctx *engine.Context, namespace string, call engine.Rvalue) (engine.Rvalue, error) {
	args := make([]engine.Rvalue, 0, len(call.FnArgs))
	for _, a := range call.FnArgs {
		expanded, err := e.ExpandRval(ctx, namespace, a)
		if err != nil {
			return engine.Rvalue{}, err
		}
		args = append(args, expanded)
	}

	fn, ok := builtins[call.FnName]
	if !ok {
		return engine.Rvalue{}, engine.NewExpansionError("unknown builtin function", nil).
			WithDetail("function", call.FnName)
	}
	return fn(e, ctx, namespace, args)
}

type builtinFn func(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error)

var builtins map[string]builtinFn

func init() {
	builtins = map[string]builtinFn{
		"ifelse":      fnIfelse,
		"maplist":     fnMaplist,
		"mapdata":     fnMapdata,
		"maparray":    fnMaparray,
		"readfile":    fnReadfile,
		"canonify":    fnCanonify,
		"concat":      fnConcat,
		"join":        fnJoin,
		"splitstring": fnSplitstring,
		"regextract":  fnRegextract,
		"classmatch":  fnClassmatch,
		"getenv":      fnGetenv,
		"format":      fnFormat,
	}
}

// ifelse(cond1, val1, cond2, val2, ..., default) returns the value paired
// with the first class condition found set, or the trailing default.
// Unlike most functions, its "else" branch is not pre-evaluated elsewhere
// in the engine, so it alone may receive unexpanded scalar literals for
// conditions other than the one actually selected.
func fnIfelse(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) == 0 {
		return engine.NoneRval(), nil
	}
	classes := ctx.CombinedClasses(namespace, e.Now())
	for i := 0; i+1 < len(args); i += 2 {
		cond := stringify(args[i])
		if classes[engine.CanonicalizeClassName(cond)] || cond == "any" {
			return args[i+1], nil
		}
	}
	if len(args)%2 == 1 {
		return args[len(args)-1], nil
	}
	return engine.NoneRval(), nil
}

func fnMaplist(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 2 {
		return engine.Rvalue{}, engine.NewExpansionError("maplist: expects (pattern, list)", nil)
	}
	pattern := stringify(args[0])
	out := make([]engine.Rvalue, 0, len(args[1].List))
	for _, item := range args[1].List {
		out = append(out, engine.ScalarRval(strings.ReplaceAll(pattern, "$(this)", stringify(item))))
	}
	return engine.ListRval(out...), nil
}

func fnMapdata(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 2 {
		return engine.Rvalue{}, engine.NewExpansionError("mapdata: expects (pattern, container)", nil)
	}
	pattern := stringify(args[0])
	items, ok := args[1].Container.([]interface{})
	if !ok {
		return engine.Rvalue{}, engine.NewExpansionError("mapdata: second argument must be a container", nil)
	}
	out := make([]engine.Rvalue, 0, len(items))
	for _, item := range items {
		out = append(out, engine.ScalarRval(strings.ReplaceAll(pattern, "$(this)", fmt.Sprintf("%v", item))))
	}
	return engine.ListRval(out...), nil
}

func fnMaparray(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 2 {
		return engine.Rvalue{}, engine.NewExpansionError("maparray: expects (pattern, container)", nil)
	}
	pattern := stringify(args[0])
	amap, ok := args[1].Container.(map[string]interface{})
	if !ok {
		return engine.Rvalue{}, engine.NewExpansionError("maparray: second argument must be a map container", nil)
	}
	out := make([]engine.Rvalue, 0, len(amap))
	for k, v := range amap {
		s := strings.ReplaceAll(pattern, "$(this.k)", k)
		s = strings.ReplaceAll(s, "$(this.v)", fmt.Sprintf("%v", v))
		out = append(out, engine.ScalarRval(s))
	}
	return engine.ListRval(out...), nil
}

func fnReadfile(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) < 1 {
		return engine.Rvalue{}, engine.NewExpansionError("readfile: expects (path[, maxbytes])", nil)
	}
	path := stringify(args[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Rvalue{}, engine.NewExpansionError("readfile: cannot read file", err).WithDetail("path", path)
	}
	return engine.ScalarRval(string(data)), nil
}

func fnCanonify(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 1 {
		return engine.Rvalue{}, engine.NewExpansionError("canonify: expects (string)", nil)
	}
	return engine.ScalarRval(engine.CanonicalizeClassName(stringify(args[0]))), nil
}

func fnConcat(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(stringify(a))
	}
	return engine.ScalarRval(sb.String()), nil
}

func fnJoin(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 2 {
		return engine.Rvalue{}, engine.NewExpansionError("join: expects (separator, list)", nil)
	}
	sep := stringify(args[0])
	parts := make([]string, len(args[1].List))
	for i, item := range args[1].List {
		parts[i] = stringify(item)
	}
	return engine.ScalarRval(strings.Join(parts, sep)), nil
}

func fnSplitstring(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 2 {
		return engine.Rvalue{}, engine.NewExpansionError("splitstring: expects (string, regex)", nil)
	}
	re, err := regexp.Compile(stringify(args[1]))
	if err != nil {
		return engine.Rvalue{}, engine.NewExpansionError("splitstring: invalid regex", err)
	}
	parts := re.Split(stringify(args[0]), -1)
	out := make([]engine.Rvalue, len(parts))
	for i, p := range parts {
		out[i] = engine.ScalarRval(p)
	}
	return engine.ListRval(out...), nil
}

func fnRegextract(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 2 {
		return engine.Rvalue{}, engine.NewExpansionError("regextract: expects (regex, string)", nil)
	}
	re, err := regexp.Compile(stringify(args[0]))
	if err != nil {
		return engine.Rvalue{}, engine.NewExpansionError("regextract: invalid regex", err)
	}
	m := re.FindString(stringify(args[1]))
	return engine.ScalarRval(m), nil
}

func fnClassmatch(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) != 1 {
		return engine.Rvalue{}, engine.NewExpansionError("classmatch: expects (regex)", nil)
	}
	re, err := regexp.Compile(stringify(args[0]))
	if err != nil {
		return engine.Rvalue{}, engine.NewExpansionError("classmatch: invalid regex", err)
	}
	classes := ctx.CombinedClasses(namespace, e.Now())
	for name, set := range classes {
		if set && re.MatchString(name) {
			return engine.ScalarRval("true"), nil
		}
	}
	return engine.ScalarRval("false"), nil
}

func fnGetenv(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) < 1 {
		return engine.Rvalue{}, engine.NewExpansionError("getenv: expects (name[, maxbytes])", nil)
	}
	return engine.ScalarRval(os.Getenv(stringify(args[0]))), nil
}

func fnFormat(e *Expander, ctx *engine.Context, namespace string, args []engine.Rvalue) (engine.Rvalue, error) {
	if len(args) < 1 {
		return engine.Rvalue{}, engine.NewExpansionError("format: expects (spec, ...)", nil)
	}
	spec := stringify(args[0])
	var sb strings.Builder
	argIdx := 1
	for i := 0; i < len(spec); i++ {
		if spec[i] == '%' && i+1 < len(spec) {
			verb := spec[i+1]
			if verb == 's' || verb == 'd' {
				if argIdx < len(args) {
					sb.WriteString(stringify(args[argIdx]))
					argIdx++
				}
				i++
				continue
			}
			if verb == '%' {
				sb.WriteByte('%')
				i++
				continue
			}
		}
		sb.WriteByte(spec[i])
	}
	return engine.ScalarRval(sb.String()), nil
}

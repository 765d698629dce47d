package policyload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/policyload/augments"
)

// CUEParser implements engine.PolicyLoader by decoding policy documents
// written in CUE: a top-level "bundles" list and "bodies" list, each
// promise type nested as a map keyed by promise type under "promises".
// Grounded on the teacher's pkg/config CUE-loading machinery (load.Instances,
// directory unification, structured ValidationError reporting), retargeted
// from an infra-resource schema to the bundle/promise/body domain model.
type CUEParser struct {
	ctx              *cue.Context
	schemaRegistry   *SchemaRegistry
	starlarkEvaluator *augments.StarlarkEvaluator
}

// NewCUEParser creates a policy loader backed by a fresh CUE context.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:              cuecontext.New(),
		schemaRegistry:   NewSchemaRegistry(),
		starlarkEvaluator: augments.NewStarlarkEvaluator(30 * time.Second),
	}
}

// Load implements engine.PolicyLoader.
func (cp *CUEParser) Load(ctx context.Context, paths []string) (*engine.Policy, error) {
	doc, err := cp.parse(paths)
	if err != nil {
		return nil, err
	}
	if len(doc.Errors) > 0 {
		return nil, fmt.Errorf("policy load failed: %s", formatValidationErrors(doc.Errors))
	}

	policy, err := cp.toPolicy(doc)
	if err != nil {
		return nil, engine.NewPolicyError("converting parsed document to policy", err)
	}

	if _, err := engine.NewBodyGraphBuilder().BuildAndValidate(policy.Bodies); err != nil {
		return nil, err
	}

	policy.ValidatedAt = time.Now()
	return policy, nil
}

// Validate implements engine.PolicyLoader: re-checks an already-loaded
// Policy's structural invariants without reparsing its sources.
func (cp *CUEParser) Validate(ctx context.Context, policy *engine.Policy) error {
	seen := make(map[string]bool, len(policy.Bundles))
	for _, b := range policy.Bundles {
		if seen[b.Name] {
			return fmt.Errorf("duplicate bundle name %q", b.Name)
		}
		seen[b.Name] = true
		for _, section := range b.Sections {
			for _, p := range section.Promises {
				for _, c := range p.Constraints {
					if c.Rval.IsScalar() && c.Rval.Scalar == "" && c.Lval == "" {
						return fmt.Errorf("bundle %s: promise with empty constraint", b.Name)
					}
				}
			}
		}
	}

	_, err := engine.NewBodyGraphBuilder().BuildAndValidate(policy.Bodies)
	return err
}

// EvaluateAugments runs a Starlark augments script and returns the
// variables it computes, for use as sys.* or def-bundle seed variables.
func (cp *CUEParser) EvaluateAugments(ctx context.Context, script string, input map[string]interface{}) (map[string]interface{}, error) {
	result, err := cp.starlarkEvaluator.Evaluate(ctx, script, input)
	if err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("augments script error: %s", result.Error)
	}
	return result.Output, nil
}

// parse loads and unifies every source path into one parsedDocument.
func (cp *CUEParser) parse(sources []string) (*parsedDocument, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no policy sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var files []string
		var errs []ValidationError
		if info.IsDir() {
			val, files, errs = cp.loadDirectory(source)
		} else {
			v, e := cp.loadFile(source)
			val, files, errs = v, []string{source}, e
		}

		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
		sourceFiles = append(sourceFiles, files...)
	}

	if len(parseErrors) > 0 {
		return &parsedDocument{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}
	if err := cueValue.Err(); err != nil {
		return &parsedDocument{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: cp.convertCUEErrors(err)}, nil
	}

	return cp.extractDocument(cueValue, sourceFiles)
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found", Severity: "error"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err), Severity: "error"}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extractDocument decodes the unified CUE value's top-level "bundles" and
// "bodies" lists into their raw map form, leaving per-promise-type
// interpretation to toPolicy.
func (cp *CUEParser) extractDocument(val cue.Value, sourceFiles []string) (*parsedDocument, error) {
	doc := &parsedDocument{SourceFiles: sourceFiles, ParsedAt: time.Now()}

	if bundlesVal := val.LookupPath(cue.ParsePath("bundles")); bundlesVal.Exists() {
		if err := bundlesVal.Decode(&doc.Bundles); err != nil {
			doc.Errors = append(doc.Errors, ValidationError{Path: "bundles", Message: err.Error(), Severity: "error"})
		}
	}
	if bodiesVal := val.LookupPath(cue.ParsePath("bodies")); bodiesVal.Exists() {
		if err := bodiesVal.Decode(&doc.Bodies); err != nil {
			doc.Errors = append(doc.Errors, ValidationError{Path: "bodies", Message: err.Error(), Severity: "error"})
		}
	}

	return doc, nil
}

// toPolicy converts a parsedDocument's raw bundle/body maps into an
// engine.Policy.
func (cp *CUEParser) toPolicy(doc *parsedDocument) (*engine.Policy, error) {
	policy := &engine.Policy{}

	for _, bm := range doc.Bundles {
		bundle, err := convertBundle(bm, fileOf(doc.SourceFiles))
		if err != nil {
			return nil, err
		}
		policy.Bundles = append(policy.Bundles, bundle)
	}

	for _, bm := range doc.Bodies {
		body, err := convertBody(bm)
		if err != nil {
			return nil, err
		}
		policy.Bodies = append(policy.Bodies, body)
	}

	return policy, nil
}

func fileOf(files []string) string {
	if len(files) == 0 {
		return ""
	}
	return files[0]
}

func convertBundle(m map[string]interface{}, file string) (*engine.Bundle, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("bundle missing required \"name\"")
	}
	typ, _ := m["type"].(string)
	if typ == "" {
		typ = "agent"
	}
	namespace, _ := m["namespace"].(string)

	bundle := &engine.Bundle{Name: name, Type: typ, Namespace: namespace, Args: toStringSlice(m["args"])}

	promisesRaw, _ := m["promises"].(map[string]interface{})
	var promiseTypes []string
	for promiseType := range promisesRaw {
		promiseTypes = append(promiseTypes, promiseType)
	}
	sort.Strings(promiseTypes)

	for _, promiseType := range promiseTypes {
		list, _ := promisesRaw[promiseType].([]interface{})
		section := engine.Section{PromiseType: promiseType}
		for i, item := range list {
			pm, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("bundle %s: %s promise %d is not an object", name, promiseType, i)
			}
			promise, err := convertPromise(promiseType, pm, engine.SourceLocation{File: file, Line: i + 1})
			if err != nil {
				return nil, fmt.Errorf("bundle %s: %w", name, err)
			}
			section.Promises = append(section.Promises, promise)
		}
		bundle.Sections = append(bundle.Sections, section)
	}

	return bundle, nil
}

var reservedPromiseKeys = map[string]bool{
	"promiser": true, "promisee": true, "handle": true,
	"if": true, "ifvarclass": true, "unless": true,
}

func convertPromise(promiseType string, m map[string]interface{}, loc engine.SourceLocation) (*engine.Promise, error) {
	promiserRaw, ok := m["promiser"]
	if !ok {
		return nil, fmt.Errorf("%s promise missing required \"promiser\"", promiseType)
	}

	p := &engine.Promise{
		PromiseType: promiseType,
		Promiser:    toRvalue(promiserRaw),
		Location:    loc,
	}
	if handle, ok := m["handle"].(string); ok {
		p.Handle = handle
	}
	if promisee, ok := m["promisee"]; ok {
		rv := toRvalue(promisee)
		p.Promisee = &rv
	}
	p.Guard = buildGuard(m)
	if p.Handle != "" {
		p.ID = p.Handle
	} else {
		p.ID = fmt.Sprintf("%s:%s:%d", promiseType, loc.File, loc.Line)
	}

	var lvals []string
	for lval := range m {
		if !reservedPromiseKeys[lval] {
			lvals = append(lvals, lval)
		}
	}
	sort.Strings(lvals)
	for _, lval := range lvals {
		p.Constraints = append(p.Constraints, engine.Constraint{Lval: lval, Rval: toRvalue(m[lval])})
	}

	return p, nil
}

// buildGuard combines "if"/"ifvarclass" (run when true) and "unless" (run
// when false, i.e. negated) into the single class-expression string the
// dispatcher evaluates.
func buildGuard(m map[string]interface{}) string {
	var clauses []string
	if v, ok := m["if"].(string); ok && v != "" {
		clauses = append(clauses, v)
	}
	if v, ok := m["ifvarclass"].(string); ok && v != "" {
		clauses = append(clauses, v)
	}
	if v, ok := m["unless"].(string); ok && v != "" {
		clauses = append(clauses, "!("+v+")")
	}
	return strings.Join(clauses, ".")
}

func convertBody(m map[string]interface{}) (*engine.Body, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("body missing required \"name\"")
	}
	typ, _ := m["type"].(string)
	if typ == "" {
		return nil, fmt.Errorf("body %s missing required \"type\"", name)
	}

	body := &engine.Body{Name: name, Type: typ, InheritFrom: toStringSlice(m["inherit_from"])}

	var lvals []string
	for lval := range m {
		switch lval {
		case "name", "type", "inherit_from":
			continue
		}
		lvals = append(lvals, lval)
	}
	sort.Strings(lvals)
	for _, lval := range lvals {
		body.Constraints = append(body.Constraints, engine.Constraint{Lval: lval, Rval: toRvalue(m[lval])})
	}

	return body, nil
}

// toRvalue converts a CUE-decoded Go value into the tagged Rvalue union
// the engine operates on.
func toRvalue(v interface{}) engine.Rvalue {
	switch val := v.(type) {
	case nil:
		return engine.NoneRval()
	case string:
		return engine.ScalarRval(val)
	case bool:
		return engine.ScalarRval(strconv.FormatBool(val))
	case int:
		return engine.ScalarRval(strconv.Itoa(val))
	case int64:
		return engine.ScalarRval(strconv.FormatInt(val, 10))
	case float64:
		if val == float64(int64(val)) {
			return engine.ScalarRval(strconv.FormatInt(int64(val), 10))
		}
		return engine.ScalarRval(strconv.FormatFloat(val, 'g', -1, 64))
	case []interface{}:
		items := make([]engine.Rvalue, len(val))
		for i, item := range val {
			items[i] = toRvalue(item)
		}
		return engine.ListRval(items...)
	case map[string]interface{}:
		return engine.ContainerRval(val)
	default:
		return engine.ContainerRval(val)
	}
}

func toStringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int
		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{File: file, Line: line, Column: column, Message: errors.Details(e, nil), Severity: "error"})
	}
	return out
}

func formatValidationErrors(errs []ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		if e.File != "" {
			parts[i] = fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
		} else {
			parts[i] = e.Message
		}
	}
	return strings.Join(parts, "; ")
}

// ParseInline loads a policy document from an in-memory CUE string,
// primarily for tests.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*engine.Policy, error) {
	val := cp.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		errs := cp.convertCUEErrors(err)
		return nil, fmt.Errorf("policy load failed: %s", formatValidationErrors(errs))
	}
	doc, err := cp.extractDocument(val, []string{"inline"})
	if err != nil {
		return nil, err
	}
	if len(doc.Errors) > 0 {
		return nil, fmt.Errorf("policy load failed: %s", formatValidationErrors(doc.Errors))
	}
	policy, err := cp.toPolicy(doc)
	if err != nil {
		return nil, err
	}
	policy.ValidatedAt = time.Now()
	return policy, nil
}

// LoadFromDirectory lists every .cue file under dir.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

// GetSchemaRegistry returns the parser's schema registry; the parser
// itself does not validate documents against it.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

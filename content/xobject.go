package content

import (
	"fmt"

	"seehuhn.de/go/geom/matrix"

	"github.com/blackline-labs/pdfredact/fontmetrics"
	"github.com/blackline-labs/pdfredact/graphics"
	"github.com/blackline-labs/pdfredact/pdfcore"
)

// XObjectRecursionLimit is returned when a Form XObject invocation chain
// exceeds the configured depth, guarding against pathological (not
// necessarily cyclic) producers.
type XObjectRecursionLimit struct {
	Depth int
}

func (e XObjectRecursionLimit) Error() string {
	return fmt.Sprintf("form XObject recursion exceeded depth %d", e.Depth)
}

// XObjectCycle is returned when a Form XObject's resource dictionary names
// itself, directly or transitively, as one of its own /XObject entries.
type XObjectCycle struct {
	Name pdfcore.Name
}

func (e XObjectCycle) Error() string {
	return fmt.Sprintf("form XObject cycle detected at %q", e.Name)
}

// DefaultXObjectRecursionLimit bounds Form XObject nesting depth absent an
// explicit override.
const DefaultXObjectRecursionLimit = 16

// Flattener recursively expands Form XObject invocations into the
// top-level page's Operation stream, so the rest of the pipeline (the
// glyph-level filter, the serializer) never has to special-case nested
// content streams. Image XObjects are left as XObjectInvokeOp leaves: they
// have no nested content stream to descend into.
type Flattener struct {
	g           pdfcore.Getter
	fonts       *fontmetrics.Cache
	depthLimit  int
	activeNames map[pdfcore.Name]bool
}

// NewFlattener returns a Flattener with the default recursion depth limit.
func NewFlattener(g pdfcore.Getter, fonts *fontmetrics.Cache) *Flattener {
	return &Flattener{g: g, fonts: fonts, depthLimit: DefaultXObjectRecursionLimit, activeNames: map[pdfcore.Name]bool{}}
}

// WithRecursionLimit overrides the default depth limit.
func (f *Flattener) WithRecursionLimit(n int) *Flattener {
	f.depthLimit = n
	return f
}

// Flatten walks ops (already parsed from one content stream against
// resources) and replaces every XObjectInvokeOp naming a Form XObject with
// that form's own flattened operations, each wrapped in a
// save-CTM/concat-matrix/recurse/restore-CTM bracket so the nested
// operations' coordinates are already expressed in the invoking stream's
// space. Image XObject invocations pass through unchanged.
func (f *Flattener) Flatten(ops []Operation, resources pdfcore.Dict, ctm matrix.Matrix) ([]Operation, error) {
	return f.flatten(ops, resources, ctm, 0)
}

func (f *Flattener) flatten(ops []Operation, resources pdfcore.Dict, ctm matrix.Matrix, depth int) ([]Operation, error) {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.Kind != XObjectInvokeOp {
			out = append(out, op)
			continue
		}

		xobjects, _ := pdfcore.GetDict(f.g, resources["XObject"])
		ref, ok := xobjects[op.XObjectName]
		if !ok {
			out = append(out, op) // unresolvable reference; leave as a leaf
			continue
		}
		stm, ok := pdfcore.GetStream(f.g, ref)
		if !ok {
			out = append(out, op)
			continue
		}
		subtype, _ := pdfcore.GetName(f.g, stm.Dict["Subtype"])
		if subtype != "Form" {
			out = append(out, op) // Image XObject: no nested stream
			continue
		}

		if depth+1 > f.depthLimit {
			return nil, XObjectRecursionLimit{Depth: f.depthLimit}
		}
		if f.activeNames[op.XObjectName] {
			return nil, XObjectCycle{Name: op.XObjectName}
		}
		f.activeNames[op.XObjectName] = true

		formResources, ok := pdfcore.GetDict(f.g, stm.Dict["Resources"])
		if !ok {
			formResources = resources // forms without their own /Resources inherit the invoker's
		}

		formMatrix := matrix.Identity
		if arr, ok := pdfcore.GetArray(f.g, stm.Dict["Matrix"]); ok && len(arr) == 6 {
			var m matrix.Matrix
			for i := 0; i < 6; i++ {
				v, _ := pdfcore.GetFloat(f.g, arr[i])
				m[i] = v
			}
			formMatrix = m
		}
		nestedCTM := formMatrix.Mul(ctm)

		decoded, err := decodeFormStream(f.g, stm)
		if err != nil {
			delete(f.activeNames, op.XObjectName)
			out = append(out, op)
			continue
		}

		parser := NewParser(f.g, formResources, f.fonts)
		parser.stack.Set(func() graphics.State {
			st := graphics.New()
			st.CTM = nestedCTM
			return st
		}())
		formOps, err := parser.Parse(decoded)
		if err != nil {
			delete(f.activeNames, op.XObjectName)
			return nil, err
		}

		nested, err := f.flatten(formOps, formResources, nestedCTM, depth+1)
		delete(f.activeNames, op.XObjectName)
		if err != nil {
			return nil, err
		}

		out = append(out, nested...)
	}
	return out, nil
}

func decodeFormStream(g pdfcore.Getter, stm *pdfcore.Stream) ([]byte, error) {
	if r, ok := g.(interface {
		DecodeStream(*pdfcore.Stream) ([]byte, error)
	}); ok {
		return r.DecodeStream(stm)
	}
	return stm.Data, nil
}

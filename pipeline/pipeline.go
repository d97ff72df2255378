// Package pipeline orchestrates the end-to-end redaction of a document:
// parse each targeted page (descending into Form XObjects), filter it
// against the plan's rectangles, serialize the result, and write a new
// document. The core is a pure function of (input bytes, plan) to output
// bytes plus a report; it never mutates the input and never writes to the
// input's own path.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blackline-labs/pdfredact/content"
	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/fontmetrics"
	"github.com/blackline-labs/pdfredact/graphics"
	"github.com/blackline-labs/pdfredact/pdfcore"
	"github.com/blackline-labs/pdfredact/redact"
	"github.com/blackline-labs/pdfredact/serialize"
	"github.com/blackline-labs/pdfredact/verify"
)

// PageStatus is one page's outcome.
type PageStatus string

const (
	StatusOK               PageStatus = "ok"
	StatusSkipped          PageStatus = "skipped" // not named in the plan
	StatusParseFailure     PageStatus = "parse_failure"
	StatusVerificationLeak PageStatus = "verification_leak"
)

// PageReport is one entry of Report.PerPage.
type PageReport struct {
	Index      int          `json:"index"`
	Status     PageStatus   `json:"status"`
	LeaksIfAny []verify.Leak `json:"leaks_if_any,omitempty"`
}

// Report is the pipeline's result summary, returned alongside the output
// bytes.
type Report struct {
	Success    bool         `json:"success"`
	PerPage    []PageReport `json:"per_page"`
	DurationMs int64        `json:"duration_ms"`
}

// InputUnreadable is returned when the input bytes do not parse as a PDF at
// all (distinct from a single page's ParseFailure, which is recovered
// locally).
type InputUnreadable struct{ Err error }

func (e InputUnreadable) Error() string { return fmt.Sprintf("input unreadable: %v", e.Err) }
func (e InputUnreadable) Unwrap() error { return e.Err }

// OutputUnwritable is returned when the assembled document cannot be
// serialized to output bytes.
type OutputUnwritable struct{ Err error }

func (e OutputUnwritable) Error() string { return fmt.Sprintf("output unwritable: %v", e.Err) }
func (e OutputUnwritable) Unwrap() error { return e.Err }

// Cancelled is returned when ctx is done before the pipeline finishes; no
// output bytes are produced.
type Cancelled struct{}

func (Cancelled) Error() string { return "redaction cancelled" }

// Options controls pipeline execution beyond what Plan itself carries.
type Options struct {
	// Parallel, when true, processes each planned page on its own goroutine
	// (one goroutine per page; their number is not capped) instead of
	// sequentially. Each page's filtered stream depends only on that
	// page's own inputs plus the shared read-only plan, so output is
	// byte-identical either way.
	Parallel bool
	// Logger receives one structured entry per dropped operation and per
	// verification leak; a font that cannot be resolved falls back to
	// default metrics without a log entry. A no-op logger is used if nil.
	Logger *zap.Logger
}

// opsCheckpoint is the operation count from which cancelledDuring checks ctx
// for a page.
const opsCheckpoint = 1000

// cancelledDuring reports ctx as cancelled for a page with opCount
// operations if it's done by the time that many operations would have been
// processed at the ~opsCheckpoint cadence; called once per page between the
// CPU-bound stages rather than inside the hot per-operation loops
// themselves, since content.Parser and redact.Filter do not accept a
// context.
func cancelledDuring(ctx context.Context, opCount int) bool {
	if opCount < opsCheckpoint {
		return false
	}
	return ctx.Err() != nil
}

// Redact is the pipeline's single entry point: redact(input_bytes, plan) ->
// output_bytes, matching the documented external interface. ctx is checked
// before each page in sequential mode, once per page after flattening when
// the page has at least opsCheckpoint operations, at the end of each page,
// and after all pages; it is not checked inside a page's parse or filter
// loops. On cancellation no output bytes are returned.
func Redact(ctx context.Context, input []byte, plan redact.Plan) ([]byte, Report, error) {
	return RedactWithOptions(ctx, input, plan, Options{})
}

// RedactWithOptions is Redact with the per-page goroutine mode
// (Options.Parallel) and a custom logger. Pages are independent (no shared mutable graphics state per
// page), so parallel mode produces byte-identical output to the sequential
// path; redactPage serializes only its own reader/fonts-touching steps
// behind a shared mutex (pdfcore.Reader is not itself safe for concurrent
// use), so the concurrency gain comes from genuinely overlapping one page's
// filter/serialize work, and its unlocked geometry conversion, with another
// page's locked reader I/O.
func RedactWithOptions(ctx context.Context, input []byte, plan redact.Plan, opts Options) ([]byte, Report, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reader, err := pdfcore.NewReader(bytes.NewReader(input))
	if err != nil {
		return nil, Report{}, InputUnreadable{Err: err}
	}
	defer reader.Close()

	numPages, err := reader.NumPages()
	if err != nil {
		return nil, Report{}, InputUnreadable{Err: err}
	}

	byPage := make(map[int]redact.PageRectangles, len(plan.Pages))
	for _, pr := range plan.Pages {
		byPage[pr.Index] = pr
	}

	fonts := fontmetrics.NewCache(reader)
	results := make([]pageResult, numPages)

	if !opts.Parallel {
		for i := 0; i < numPages; i++ {
			if ctx.Err() != nil {
				return nil, Report{}, Cancelled{}
			}
			pr, wanted := byPage[i]
			if !wanted {
				results[i] = pageResult{status: StatusSkipped}
				continue
			}
			results[i] = redactPage(ctx, reader, fonts, i, pr, plan, logger, nil)
		}
	} else {
		var wg sync.WaitGroup
		var mu sync.Mutex // guards redactPage's reader/fonts-touching steps only, see redactPage's doc comment
		for i := 0; i < numPages; i++ {
			i := i
			pr, wanted := byPage[i]
			if !wanted {
				results[i] = pageResult{status: StatusSkipped}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = redactPage(ctx, reader, fonts, i, pr, plan, logger, &mu)
			}()
		}
		wg.Wait()
	}

	if ctx.Err() != nil {
		return nil, Report{}, Cancelled{}
	}

	out, report, err := assemble(reader, numPages, results, start)
	if err != nil {
		return out, report, err
	}
	if plan.VerifyAfter {
		if derr := verify.Document(out); derr != nil {
			logger.Warn("document-level verification failed", zap.Error(derr))
			report.Success = false
		}
	}
	return out, report, nil
}

type pageResult struct {
	status  PageStatus
	content []byte // new content-stream bytes, nil if unchanged
	rects   []coord.ContentSpace
	leaks   []verify.Leak
}

// redactPage processes one page. lock, when non-nil (parallel mode), is
// held only around the steps that actually touch the shared Reader or its
// fontmetrics.Cache — page/resource/content lookups, content parsing, and
// Form XObject flattening, plus the post-filter re-parse in verify.Page —
// since pdfcore.Reader documents itself as unsafe for concurrent Get. The
// coordinate math, redact.Filter, and serialize.Write in between touch
// neither and run unlocked, so one page's filter/serialize work genuinely
// overlaps another page's reader I/O instead of the whole page being
// serialized end to end.
func redactPage(ctx context.Context, reader *pdfcore.Reader, fonts *fontmetrics.Cache, index int, pr redact.PageRectangles, plan redact.Plan, logger *zap.Logger, lock *sync.Mutex) pageResult {
	if lock != nil {
		lock.Lock()
	}
	page, err := reader.Page(index)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		logger.Warn("page unreadable", zap.Int("page", index), zap.Error(err))
		return pageResult{status: StatusParseFailure}
	}
	resources := reader.Resources(page)
	src, err := reader.PageContent(page)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		logger.Warn("page content unreadable", zap.Int("page", index), zap.Error(err))
		return pageResult{status: StatusParseFailure}
	}
	llx, lly, urx, ury, _ := reader.MediaBox(page)
	rotation := reader.InheritedRotation(page)
	if lock != nil {
		lock.Unlock()
	}

	pageGeom := coord.Page{Width: urx - llx, Height: ury - lly, Rotation: rotation}

	deviceRects := make([]coord.Rect, 0, len(pr.Rectangles))
	for _, r := range pr.Rectangles {
		if pr.DPIHint > 0 {
			dev, err := coord.ImageToDevice(coord.ImagePixels{Rect: r, DPI: pr.DPIHint}, pageGeom)
			if err != nil {
				logger.Warn("invalid rectangle", zap.Int("page", index), zap.Error(err))
				continue
			}
			deviceRects = append(deviceRects, dev.Rect)
		} else {
			deviceRects = append(deviceRects, r)
		}
	}

	contentRects := make([]coord.ContentSpace, 0, len(deviceRects))
	filterRects := make([]coord.Rect, 0, len(deviceRects))
	for _, dr := range deviceRects {
		cs, err := coord.DeviceToContent(coord.DeviceSpace{Rect: dr}, pageGeom)
		if err != nil {
			logger.Warn("coordinate reconciliation failed", zap.Int("page", index), zap.Error(err))
			continue
		}
		contentRects = append(contentRects, cs)
		filterRects = append(filterRects, cs.Rect)
	}

	if lock != nil {
		lock.Lock()
	}
	parser := content.NewParser(reader, resources, fonts)
	ops, err := parser.Parse(src)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		logger.Warn("content stream parse failure", zap.Int("page", index), zap.Error(err))
		return pageResult{status: StatusParseFailure}
	}
	failures := parser.Failures()

	flattener := content.NewFlattener(reader, fonts).WithRecursionLimit(plan.EffectiveMaxXObjectDepth())
	st := graphics.New()
	flattened, ferr := flattener.Flatten(ops, resources, st.CTM)
	if lock != nil {
		lock.Unlock()
	}
	for _, f := range failures {
		logger.Warn("operation dropped", zap.Int("page", index), zap.Int64("byte_offset", f.ByteOffset), zap.String("reason", f.Reason))
	}
	if ferr != nil {
		var limit content.XObjectRecursionLimit
		var cycle content.XObjectCycle
		switch {
		case errors.As(ferr, &limit), errors.As(ferr, &cycle):
			logger.Warn("form xobject limit hit, page skipped", zap.Int("page", index), zap.Error(ferr))
		}
		return pageResult{status: StatusParseFailure}
	}

	if cancelledDuring(ctx, len(flattened)) {
		return pageResult{status: StatusSkipped}
	}

	filtered := flattened
	if len(filterRects) > 0 {
		filtered = redact.Filter(flattened, filterRects)
	}

	blackFill := contentRects
	if !plan.DrawBlackBox {
		blackFill = nil
	}
	out := serialize.Write(src, filtered, blackFill)

	status := StatusOK
	var leaks []verify.Leak
	if plan.VerifyAfter {
		if lock != nil {
			lock.Lock()
		}
		res := verify.Page(index, reader, resources, fonts, out, filterRects)
		if lock != nil {
			lock.Unlock()
		}
		if !res.Valid {
			status = StatusParseFailure
		} else if len(res.Leaks) > 0 {
			status = StatusVerificationLeak
			leaks = res.Leaks
			for _, l := range res.Leaks {
				logger.Warn("verification leak", zap.Int("page", index), zap.String("reason", l.Reason))
			}
		}
	}

	select {
	case <-ctx.Done():
		return pageResult{status: StatusSkipped}
	default:
	}

	return pageResult{status: status, content: out, rects: contentRects, leaks: leaks}
}

// assemble copies the whole object graph from reader into a fresh Writer,
// substituting each touched page's /Contents with its redacted bytes as a
// single uncompressed stream, and builds the final Report.
func assemble(reader *pdfcore.Reader, numPages int, results []pageResult, start time.Time) ([]byte, Report, error) {
	root, err := reader.Root()
	if err != nil {
		return nil, Report{}, OutputUnwritable{Err: err}
	}
	pagesDict, ok := pdfcore.GetDict(reader, root["Pages"])
	if !ok {
		return nil, Report{}, OutputUnwritable{Err: fmt.Errorf("catalog missing /Pages")}
	}
	pageRefs := collectPageRefs(reader, pagesDict)

	overrides := make(contentOverrides, len(results))
	for i, res := range results {
		if res.content != nil && i < len(pageRefs) {
			overrides[pageRefs[i]] = res.content
		}
	}

	var buf bytes.Buffer
	w, err := pdfcore.NewWriter(&buf, "1.7")
	if err != nil {
		return nil, Report{}, OutputUnwritable{Err: err}
	}

	seen := map[pdfcore.Reference]pdfcore.Reference{}
	rootOut, err := transferWithOverrides(reader, w, seen, overrides, root)
	if err != nil {
		return nil, Report{}, OutputUnwritable{Err: err}
	}
	rootRef, err := w.Write(rootOut, pdfcore.Reference{})
	if err != nil {
		return nil, Report{}, OutputUnwritable{Err: err}
	}
	if err := w.Close(rootRef, pdfcore.Reference{}); err != nil {
		return nil, Report{}, OutputUnwritable{Err: err}
	}

	perPage := make([]PageReport, numPages)
	success := true
	for i, res := range results {
		perPage[i] = PageReport{Index: i, Status: res.status, LeaksIfAny: res.leaks}
		if res.status == StatusParseFailure || res.status == StatusVerificationLeak {
			success = false
		}
	}

	return buf.Bytes(), Report{
		Success:    success,
		PerPage:    perPage,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// collectPageRefs walks the page tree depth-first, in the same order
// Reader.Page indexes it, returning the indirect reference of each leaf
// Page dictionary. An inline (non-reference) intermediate node is descended
// into like a referenced one. A leaf Page written inline in Kids has no
// reference of its own and gets a zero Reference in its slot, so later
// indices still match Reader.Page's numbering; no content override can
// apply to such a page.
func collectPageRefs(g pdfcore.Getter, node pdfcore.Dict) []pdfcore.Reference {
	kids, ok := pdfcore.GetArray(g, node["Kids"])
	if !ok {
		return nil
	}
	var out []pdfcore.Reference
	for _, kidObj := range kids {
		kidDict, ok := pdfcore.GetDict(g, kidObj)
		if !ok {
			continue
		}
		if t, _ := kidDict["Type"].(pdfcore.Name); t == "Page" {
			ref, _ := kidObj.(pdfcore.Reference)
			out = append(out, ref)
			continue
		}
		out = append(out, collectPageRefs(g, kidDict)...)
	}
	return out
}

// contentOverrides maps a page dictionary's own indirect reference to the
// redacted content-stream bytes that should replace its /Contents.
type contentOverrides map[pdfcore.Reference][]byte

// transferWithOverrides is pdfcore.Transfer's allocate-before-recurse
// object-graph copy, with one addition: when the Reference being copied is
// a page named in overrides, its /Contents entry is replaced with a fresh
// uncompressed stream instead of being copied from the source.
func transferWithOverrides(src pdfcore.Getter, w *pdfcore.Writer, seen map[pdfcore.Reference]pdfcore.Reference, overrides contentOverrides, obj pdfcore.Object) (pdfcore.Object, error) {
	switch x := obj.(type) {
	case pdfcore.Dict:
		res := make(pdfcore.Dict, len(x))
		for key, val := range x {
			repl, err := transferWithOverrides(src, w, seen, overrides, val)
			if err != nil {
				return nil, err
			}
			res[key] = repl
		}
		return res, nil
	case pdfcore.Array:
		res := make(pdfcore.Array, 0, len(x))
		for _, val := range x {
			repl, err := transferWithOverrides(src, w, seen, overrides, val)
			if err != nil {
				return nil, err
			}
			res = append(res, repl)
		}
		return res, nil
	case *pdfcore.Stream:
		dict := make(pdfcore.Dict, len(x.Dict))
		for key, val := range x.Dict {
			repl, err := transferWithOverrides(src, w, seen, overrides, val)
			if err != nil {
				return nil, err
			}
			dict[key] = repl
		}
		return &pdfcore.Stream{Dict: dict, Data: x.Data}, nil
	case pdfcore.Reference:
		if other, ok := seen[x]; ok {
			return other, nil
		}
		other := w.Alloc()
		seen[x] = other

		if newBytes, overridden := overrides[x]; overridden {
			pageDict, ok := pdfcore.GetDict(src, x)
			if !ok {
				return nil, fmt.Errorf("page %v is not a dictionary", x)
			}
			dict := make(pdfcore.Dict, len(pageDict))
			for key, val := range pageDict {
				if key == "Contents" {
					continue
				}
				repl, err := transferWithOverrides(src, w, seen, overrides, val)
				if err != nil {
					return nil, err
				}
				dict[key] = repl
			}
			dict["Contents"] = &pdfcore.Stream{Dict: pdfcore.Dict{}, Data: newBytes}
			if _, err := w.Write(dict, other); err != nil {
				return nil, err
			}
			return other, nil
		}

		val, err := src.Get(x)
		if err != nil {
			return nil, err
		}
		trans, err := transferWithOverrides(src, w, seen, overrides, val)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(trans, other); err != nil {
			return nil, err
		}
		return other, nil
	default:
		return obj, nil
	}
}

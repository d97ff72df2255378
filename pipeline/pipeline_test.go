package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/pdfcore"
	"github.com/blackline-labs/pdfredact/redact"
)

// buildOnePagePDF writes a minimal single-page document whose content
// stream is contentStream, in a 612x792 MediaBox, and returns the encoded
// bytes.
func buildOnePagePDF(t *testing.T, contentStream string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := pdfcore.NewWriter(&buf, "1.7")
	require.NoError(t, err)

	pagesRef := w.Alloc()
	catalogRef, err := w.Write(pdfcore.Dict{"Type": pdfcore.Name("Catalog"), "Pages": pagesRef}, pdfcore.Reference{})
	require.NoError(t, err)

	pageRef := w.Alloc()
	_, err = w.Write(pdfcore.Dict{
		"Type":  pdfcore.Name("Pages"),
		"Kids":  pdfcore.Array{pageRef},
		"Count": pdfcore.Integer(1),
	}, pagesRef)
	require.NoError(t, err)

	_, err = w.Write(pdfcore.Dict{
		"Type":      pdfcore.Name("Page"),
		"Parent":    pagesRef,
		"MediaBox":  pdfcore.Array{pdfcore.Integer(0), pdfcore.Integer(0), pdfcore.Integer(612), pdfcore.Integer(792)},
		"Resources": pdfcore.Dict{},
		"Contents":  &pdfcore.Stream{Dict: pdfcore.Dict{}, Data: []byte(contentStream)},
	}, pageRef)
	require.NoError(t, err)

	require.NoError(t, w.Close(catalogRef, pdfcore.Reference{}))
	return buf.Bytes()
}

func TestRedactSkipsPagesNotNamedInPlan(t *testing.T) {
	input := buildOnePagePDF(t, "0 0 5 5 re f\n")
	plan := redact.WithDefaults(redact.Plan{})

	_, report, err := Redact(context.Background(), input, plan)
	require.NoError(t, err)
	require.Len(t, report.PerPage, 1)
	assert.Equal(t, StatusSkipped, report.PerPage[0].Status)
	assert.True(t, report.Success)
}

func TestRedactProducesVerifiedBlackFill(t *testing.T) {
	input := buildOnePagePDF(t, "100 100 50 50 re f\n")
	plan := redact.WithDefaults(redact.Plan{
		Pages: []redact.PageRectangles{
			{Index: 0, Rectangles: []coord.Rect{{X: 100, Y: 100, W: 50, H: 50}}},
		},
	})

	out, report, err := Redact(context.Background(), input, plan)
	require.NoError(t, err)
	require.Len(t, report.PerPage, 1)
	assert.Equal(t, StatusOK, report.PerPage[0].Status)
	assert.True(t, report.Success)
	assert.NotEmpty(t, out)

	r, err := pdfcore.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer r.Close()
	n, err := r.NumPages()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedactFlagsMissingBlackFillAsLeak(t *testing.T) {
	// Content paints nothing at all in the redacted area, and the plan
	// turns off the fill, so verification must catch the leak.
	input := buildOnePagePDF(t, "0 0 5 5 re f\n")
	plan := redact.Plan{
		Pages: []redact.PageRectangles{
			{Index: 0, Rectangles: []coord.Rect{{X: 100, Y: 100, W: 50, H: 50}}},
		},
		DrawBlackBox: false,
		VerifyAfter:  true,
	}

	_, report, err := Redact(context.Background(), input, plan)
	require.NoError(t, err)
	require.Len(t, report.PerPage, 1)
	assert.Equal(t, StatusVerificationLeak, report.PerPage[0].Status)
	assert.False(t, report.Success)
	assert.NotEmpty(t, report.PerPage[0].LeaksIfAny)
}

func TestRedactReturnsCancelledWithoutOutput(t *testing.T) {
	input := buildOnePagePDF(t, "0 0 5 5 re f\n")
	plan := redact.WithDefaults(redact.Plan{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, _, err := Redact(ctx, input, plan)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, Cancelled{})
}

func TestRedactRejectsUnreadableInput(t *testing.T) {
	_, _, err := Redact(context.Background(), []byte("not a pdf"), redact.WithDefaults(redact.Plan{}))
	require.Error(t, err)
	var target InputUnreadable
	assert.ErrorAs(t, err, &target)
}

func TestRedactParallelMatchesSequentialOutput(t *testing.T) {
	input := buildOnePagePDF(t, "100 100 50 50 re f\n")
	plan := redact.WithDefaults(redact.Plan{
		Pages: []redact.PageRectangles{
			{Index: 0, Rectangles: []coord.Rect{{X: 100, Y: 100, W: 50, H: 50}}},
		},
	})

	seq, seqReport, err := Redact(context.Background(), input, plan)
	require.NoError(t, err)

	par, parReport, err := RedactWithOptions(context.Background(), input, plan, Options{Parallel: true})
	require.NoError(t, err)

	assert.Equal(t, seq, par, "parallel mode must be byte-identical to sequential mode")
	assert.Equal(t, seqReport.PerPage, parReport.PerPage)
}

func TestCancelledDuringChecksCheckpointCadence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, cancelledDuring(ctx, opsCheckpoint-1), "below the checkpoint cadence, cancellation is not yet observed")
	assert.True(t, cancelledDuring(ctx, opsCheckpoint))
}

func TestPageStatusConstantsAreDistinct(t *testing.T) {
	seen := map[PageStatus]bool{}
	for _, s := range []PageStatus{StatusOK, StatusSkipped, StatusParseFailure, StatusVerificationLeak} {
		assert.False(t, seen[s], "status %q must be unique", s)
		seen[s] = true
	}
}

func TestReportDurationIsRecorded(t *testing.T) {
	input := buildOnePagePDF(t, "0 0 5 5 re f\n")
	_, report, err := Redact(context.Background(), input, redact.WithDefaults(redact.Plan{}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.DurationMs, int64(0))
	assert.Less(t, time.Duration(report.DurationMs)*time.Millisecond, time.Minute)
}

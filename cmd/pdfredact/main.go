// Command pdfredact is the optional CLI companion to the pipeline package:
// it loads a redaction plan, runs it against one PDF, and writes the result
// to a new path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/blackline-labs/pdfredact/pipeline"
	"github.com/blackline-labs/pdfredact/redact"
	"github.com/blackline-labs/pdfredact/verify"
)

const (
	exitOK = iota
	exitInvalidArgs
	exitInputUnreadable
	exitOutputUnwritable
	exitVerificationLeak
	exitParseFailure
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("redact", flag.ContinueOnError)
	planPath := fs.String("plan", "", "path to a redaction plan (JSON)")
	noVerify := fs.Bool("no-verify", false, "skip postcondition verification after redaction")
	quiet := fs.Bool("quiet", false, "suppress progress logging")
	// flag.Parse stops at the first positional argument, so parse again after
	// each one to accept flags both before and after the two paths.
	var positional []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return exitInvalidArgs
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		rest = rest[1:]
	}

	if len(positional) != 2 {
		fmt.Fprintf(os.Stderr, "usage: redact <input.pdf> <output.pdf> --plan <plan.json> [--no-verify] [--quiet]\n")
		return exitInvalidArgs
	}
	inputPath, outputPath := positional[0], positional[1]
	if inputPath == outputPath {
		fmt.Fprintln(os.Stderr, "input and output paths must differ")
		return exitInvalidArgs
	}
	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "--plan is required")
		return exitInvalidArgs
	}

	planBytes, err := os.ReadFile(*planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading plan: %v\n", err)
		return exitInvalidArgs
	}
	plan, err := redact.DecodePlan(planBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing plan: %v\n", err)
		return exitInvalidArgs
	}
	if *noVerify {
		plan.VerifyAfter = false
	}

	input, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading input: %v\n", err)
		return exitInputUnreadable
	}

	logger := zap.NewNop()
	if !*quiet {
		l, err := zap.NewProduction()
		if err == nil {
			logger = l
			defer logger.Sync()
		}
	}

	output, report, err := pipeline.RedactWithOptions(context.Background(), input, plan, pipeline.Options{Logger: logger})
	if err != nil {
		var inputErr pipeline.InputUnreadable
		var outputErr pipeline.OutputUnwritable
		switch {
		case errors.As(err, &inputErr):
			fmt.Fprintf(os.Stderr, "input unreadable: %v\n", err)
			return exitInputUnreadable
		case errors.As(err, &outputErr):
			fmt.Fprintf(os.Stderr, "output unwritable: %v\n", err)
			return exitOutputUnwritable
		default:
			fmt.Fprintf(os.Stderr, "redaction failed: %v\n", err)
			return exitInputUnreadable
		}
	}

	if err := os.WriteFile(outputPath, output, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "writing output: %v\n", err)
		return exitOutputUnwritable
	}

	if !*quiet {
		fmt.Fprintf(os.Stdout, "redacted %d page(s) in %dms (success=%v)\n", len(report.PerPage), report.DurationMs, report.Success)
	}

	hasLeak, hasParseFailure := false, false
	for _, pr := range report.PerPage {
		switch pr.Status {
		case pipeline.StatusVerificationLeak:
			hasLeak = true
			for _, l := range pr.LeaksIfAny {
				logLeak(*quiet, l)
			}
		case pipeline.StatusParseFailure:
			hasParseFailure = true
		}
	}
	if hasLeak {
		return exitVerificationLeak
	}
	if hasParseFailure {
		return exitParseFailure
	}
	return exitOK
}

func logLeak(quiet bool, l verify.Leak) {
	if quiet {
		return
	}
	fmt.Fprintf(os.Stderr, "leak: %s\n", l.Error())
}

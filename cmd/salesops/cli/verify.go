package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/agrodist/salesops/jobs"
)

// VerifyOptions defines the flags of the verify command.
type VerifyOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary is the JSON output of verify.
type VerifySummary struct {
	OK       bool                `json:"ok"`
	Problems map[string][]string `json:"problems"`
	Duration string              `json:"duration"`
}

// VerifyCommand recomputes every ledger from its entries and reports drift.
// It returns the process exit code: 0 clean, 1 failure, 2 drift.
func VerifyCommand(ctx context.Context, checks []jobs.LedgerCheck, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	job := &jobs.LedgerVerifyJob{Checks: checks}
	report, err := job.Verify(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
		return 1
	}
	summary := VerifySummary{OK: report.Total() == 0, Problems: report.Problems, Duration: report.Duration.String()}
	if summary.Problems == nil {
		summary.Problems = map[string][]string{}
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode: %v\n", err)
			return 1
		}
	} else {
		ledgers := make([]string, 0, len(summary.Problems))
		for ledger := range summary.Problems {
			ledgers = append(ledgers, ledger)
		}
		sort.Strings(ledgers)
		for _, ledger := range ledgers {
			for _, problem := range summary.Problems[ledger] {
				_, _ = fmt.Fprintf(opts.Stdout, "%s: %s\n", ledger, problem)
			}
		}
		if summary.OK {
			_, _ = fmt.Fprintf(opts.Stdout, "all ledgers consistent (%s)\n", summary.Duration)
		}
	}
	if !summary.OK {
		return 2
	}
	return 0
}

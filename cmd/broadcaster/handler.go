package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"phrasecast/internal/broadcast"
)

// Event is the Lambda invocation payload. Every field is optional; the
// scheduled EventBridge rule sends an empty object.
type Event struct {
	DryRun         bool     `json:"dry_run"`
	ReferenceTime  string   `json:"reference_time,omitempty"`
	TestRecipients []string `json:"test_recipients,omitempty"`
}

// Response is returned to the Lambda caller.
type Response struct {
	RunID     string `json:"run_id"`
	Slot      int64  `json:"slot"`
	ContentID string `json:"content_id,omitempty"`
	Eligible  int    `json:"eligible"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Skipped   bool   `json:"skipped"`
	Summary   string `json:"summary"`
}

// errAllFailed is returned when every attempted send failed.
var errAllFailed = errors.New("every attempted send failed")

// RunOncer is the part of *broadcast.Runner the handler needs.
type RunOncer interface {
	RunOnce(ctx context.Context, opts broadcast.RunOptions) (*broadcast.RunReport, error)
}

// Handler adapts a Runner to the Lambda and CLI entry points.
type Handler struct {
	Runner RunOncer
	Logger *slog.Logger
}

// Handle runs one broadcast for a Lambda event. A returned error marks the
// invocation failed so the platform alarms on it.
func (h *Handler) Handle(ctx context.Context, event Event) (Response, error) {
	opts, err := event.options()
	if err != nil {
		return Response{}, err
	}
	report, err := h.run(ctx, opts)
	if report == nil {
		return Response{}, err
	}
	return Response{
		RunID:     report.RunID,
		Slot:      report.Slot,
		ContentID: report.ContentID,
		Eligible:  report.Eligible,
		Sent:      report.Sent,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
		Summary:   report.Summary(),
	}, err
}

func (h *Handler) run(ctx context.Context, opts broadcast.RunOptions) (*broadcast.RunReport, error) {
	report, err := h.Runner.RunOnce(ctx, opts)
	if err != nil {
		return report, err
	}
	h.Logger.Info(report.Summary())
	if report.ExitFailure() {
		return report, errAllFailed
	}
	return report, nil
}

func (e Event) options() (broadcast.RunOptions, error) {
	opts := broadcast.RunOptions{
		DryRun:         e.DryRun,
		TestRecipients: e.TestRecipients,
	}
	if e.ReferenceTime != "" {
		t, err := parseReferenceTime(e.ReferenceTime)
		if err != nil {
			return opts, err
		}
		opts.Now = t
	}
	return opts, nil
}

// cliArgs are the parsed command-line flags.
type cliArgs struct {
	opts broadcast.RunOptions
}

// parseArgs parses the CLI flags. -to takes a comma-separated list.
func parseArgs(args []string, stderr io.Writer) (cliArgs, error) {
	fs := flag.NewFlagSet("broadcaster", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "Log recipients and content without sending")
	at := fs.String("at", "", "Reference time (RFC 3339). Defaults to now")
	to := fs.String("to", "", "Comma-separated test recipients; enables test mode")
	if err := fs.Parse(args); err != nil {
		return cliArgs{}, err
	}

	out := cliArgs{opts: broadcast.RunOptions{DryRun: *dryRun}}
	if *at != "" {
		t, err := parseReferenceTime(*at)
		if err != nil {
			return cliArgs{}, err
		}
		out.opts.Now = t
	}
	for _, addr := range strings.Split(*to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out.opts.TestRecipients = append(out.opts.TestRecipients, addr)
		}
	}
	return out, nil
}

func parseReferenceTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid reference time %q: expected RFC 3339", value)
	}
	return t.UTC(), nil
}

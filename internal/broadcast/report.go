package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// Skip reasons.
const (
	SkipQuietHours = "outside global sending window"
	SkipLockHeld   = "slot already claimed by another run"
)

// RunReport summarizes one invocation. It is returned on success, on a skip,
// and, partially filled, alongside a fatal error.
type RunReport struct {
	RunID     string
	Slot      int64
	ContentID string

	Loaded   int
	Dropped  int
	Eligible int
	Sent     int
	Failed   int

	DryRun     bool
	TestMode   bool
	Skipped    bool
	SkipReason string
	// SkipStage names the run stage that decided the skip.
	SkipStage string

	// Recipients lists the redacted addresses a dry run would have mailed.
	Recipients []string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Attempted is the number of messages handed to the provider.
func (r *RunReport) Attempted() int {
	return r.Sent + r.Failed
}

// ExitFailure reports whether every attempted send failed. Partial failure
// is not a failed run.
func (r *RunReport) ExitFailure() bool {
	return r.Attempted() > 0 && r.Sent == 0
}

// Summary renders a one-line human-readable result.
func (r *RunReport) Summary() string {
	var b strings.Builder
	if r.DryRun {
		b.WriteString("[dry-run] ")
	}
	if r.TestMode {
		b.WriteString("[test-mode] ")
	}
	fmt.Fprintf(&b, "run %s slot %d", r.RunID, r.Slot)
	if r.Skipped {
		fmt.Fprintf(&b, ": skipped (%s)", r.SkipReason)
		return b.String()
	}
	if r.ContentID != "" {
		fmt.Fprintf(&b, " content %s", r.ContentID)
	}
	fmt.Fprintf(&b, ": loaded=%d dropped=%d eligible=%d", r.Loaded, r.Dropped, r.Eligible)
	if !r.DryRun {
		fmt.Fprintf(&b, " sent=%d failed=%d", r.Sent, r.Failed)
	}
	if !r.FinishedAt.IsZero() && !r.StartedAt.IsZero() {
		fmt.Fprintf(&b, " in %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return b.String()
}

package schedule

import "fmt"

// QuietWindow is a band of UTC hours [StartHour, EndHour) during which live
// runs send nothing. The band wraps past midnight when StartHour > EndHour.
// StartHour == EndHour disables the band.
type QuietWindow struct {
	StartHour int
	EndHour   int
}

// DefaultQuietWindow covers 00:00 to 06:00 America/Lima.
var DefaultQuietWindow = QuietWindow{StartHour: 5, EndHour: 11}

// NewQuietWindow validates the band bounds.
func NewQuietWindow(start, end int) (QuietWindow, error) {
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return QuietWindow{}, fmt.Errorf("quiet window hours must be in 0..23, got %d..%d", start, end)
	}
	return QuietWindow{StartHour: start, EndHour: end}, nil
}

// Contains reports whether hour falls inside the quiet band.
func (w QuietWindow) Contains(hour int) bool {
	switch {
	case w.StartHour == w.EndHour:
		return false
	case w.StartHour < w.EndHour:
		return hour >= w.StartHour && hour < w.EndHour
	default:
		return hour >= w.StartHour || hour < w.EndHour
	}
}

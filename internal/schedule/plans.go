// Package schedule turns a single instant into the slot, quiet-window, and
// per-plan eligibility decisions used by one broadcast run.
package schedule

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"phrasecast/internal/types"
)

// PlanSchedule is the fixed delivery cadence of one frequency code.
// Weekdays is empty when the plan delivers every day.
type PlanSchedule struct {
	Code     types.FrequencyCode
	Name     string
	Hours    []int
	Weekdays []time.Weekday
}

// AllowsHour reports whether hour is one of the plan's send hours.
func (p PlanSchedule) AllowsHour(hour int) bool {
	return slices.Contains(p.Hours, hour)
}

// AllowsWeekday reports whether the plan delivers on day.
func (p PlanSchedule) AllowsWeekday(day time.Weekday) bool {
	return len(p.Weekdays) == 0 || slices.Contains(p.Weekdays, day)
}

// PlanTable is the single authority mapping frequency codes to schedules.
// It is immutable after construction.
type PlanTable struct {
	plans map[types.FrequencyCode]PlanSchedule
	free  PlanSchedule
}

// defaultPlans is the production cadence. The service targets America/Lima
// (UTC-5, no DST), so 13 UTC is 08:00 local. Hours are written out rather
// than derived from the offset.
var defaultPlans = []PlanSchedule{
	{Code: types.FrequencyFree, Name: "free", Hours: []int{13},
		Weekdays: []time.Weekday{time.Monday, time.Wednesday, time.Friday}},
	{Code: types.FrequencyDaily1, Name: "premium_1_day", Hours: []int{13}},
	{Code: types.FrequencyDaily2, Name: "premium_2_day", Hours: []int{13, 23}},
	{Code: types.FrequencyDaily3, Name: "premium_3_day", Hours: []int{13, 18, 23}},
	{Code: types.FrequencyDaily4, Name: "premium_4_day", Hours: []int{0, 12, 16, 20}},
	{Code: types.FrequencyPowerUser, Name: "premium_power_user",
		Hours: []int{11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23}},
}

// DefaultPlanTable returns the built-in plan cadence.
func DefaultPlanTable() *PlanTable {
	t, err := NewPlanTable(defaultPlans)
	if err != nil {
		panic(fmt.Sprintf("schedule: invalid default plan table: %v", err))
	}
	return t
}

// NewPlanTable validates plans and builds a table from them. The table must
// contain the free code, hours must be in 0..23, and codes must be unique.
func NewPlanTable(plans []PlanSchedule) (*PlanTable, error) {
	m := make(map[types.FrequencyCode]PlanSchedule, len(plans))
	for _, p := range plans {
		if _, dup := m[p.Code]; dup {
			return nil, invalidPlan("duplicate plan code %d", p.Code)
		}
		if len(p.Hours) == 0 {
			return nil, invalidPlan("plan %d has no send hours", p.Code)
		}
		for _, h := range p.Hours {
			if h < 0 || h > 23 {
				return nil, invalidPlan("plan %d has out-of-range hour %d", p.Code, h)
			}
		}
		p.Hours = slices.Clone(p.Hours)
		slices.Sort(p.Hours)
		p.Weekdays = slices.Clone(p.Weekdays)
		m[p.Code] = p
	}
	free, ok := m[types.FrequencyFree]
	if !ok {
		return nil, invalidPlan("plan table has no free tier (code %d)", types.FrequencyFree)
	}
	return &PlanTable{plans: m, free: free}, nil
}

// Lookup returns the schedule for code. Unknown codes return the free
// schedule and ok=false; callers must treat that as a warning.
func (t *PlanTable) Lookup(code types.FrequencyCode) (PlanSchedule, bool) {
	p, ok := t.plans[code]
	if !ok {
		return t.free, false
	}
	return p, true
}

// Known reports whether code has its own entry in the table.
func (t *PlanTable) Known(code types.FrequencyCode) bool {
	_, ok := t.plans[code]
	return ok
}

// Free returns the most conservative schedule.
func (t *PlanTable) Free() PlanSchedule {
	return t.free
}

type planFile struct {
	Plans []struct {
		Code     int      `yaml:"code"`
		Name     string   `yaml:"name"`
		Hours    []int    `yaml:"hours"`
		Weekdays []string `yaml:"weekdays"`
	} `yaml:"plans"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParsePlanTable decodes a YAML plan table:
//
//	plans:
//	  - code: 0
//	    name: free
//	    hours: [13]
//	    weekdays: [mon, wed, fri]
func ParsePlanTable(data []byte) (*PlanTable, error) {
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "failed to parse plan table", err)
	}
	plans := make([]PlanSchedule, 0, len(f.Plans))
	for _, raw := range f.Plans {
		p := PlanSchedule{
			Code:  types.FrequencyCode(raw.Code),
			Name:  raw.Name,
			Hours: raw.Hours,
		}
		for _, name := range raw.Weekdays {
			day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				return nil, invalidPlan("plan %d has unknown weekday %q", raw.Code, name)
			}
			p.Weekdays = append(p.Weekdays, day)
		}
		plans = append(plans, p)
	}
	return NewPlanTable(plans)
}

// LoadPlanTableFile reads a YAML plan table from path.
func LoadPlanTableFile(path string) (*PlanTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "failed to read plan table file", err).
			WithDetails(map[string]any{"path": path})
	}
	return ParsePlanTable(data)
}

func invalidPlan(format string, args ...any) error {
	return types.NewAppError(types.ErrCodeValidationInvalidPlan, fmt.Sprintf(format, args...), nil)
}

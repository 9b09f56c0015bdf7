package doctor

import "fmt"

// Status is the outcome of one check. Higher is worse.
type Status int

const (
	Pass Status = iota
	// Skip means a check could not run because an earlier one failed
	Skip
	Warn
	Fail
)

func (s Status) String() string {
	switch s {
	case Pass:
		return "pass"
	case Skip:
		return "skip"
	case Warn:
		return "warn"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText renders the status in json and yaml reports
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Check names, in the order they run
const (
	CheckTrees    = "trees"
	CheckHeads    = "heads"
	CheckAncestry = "ancestry"
	CheckRegistry = "registry"
	CheckScope    = "scope"
	CheckDrift    = "drift"
)

// Check is the result of one diagnostic
type Check struct {
	Name   string `json:"name" yaml:"name"`
	Status Status `json:"status" yaml:"status"`
	Reason string `json:"reason" yaml:"reason"`
	Hint   string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

// Fix records a corrective action taken, or declined, by --fix
type Fix struct {
	Check   string `json:"check" yaml:"check"`
	Action  string `json:"action" yaml:"action"`
	Applied bool   `json:"applied" yaml:"applied"`
	// Status is Warn for fixes declined because they would destroy content
	Status Status `json:"status" yaml:"status"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report aggregates every check for one pair
type Report struct {
	Pair   string  `json:"pair" yaml:"pair"`
	Main   string  `json:"main" yaml:"main"`
	Local  string  `json:"local" yaml:"local"`
	Checks []Check `json:"checks" yaml:"checks"`
	Fixes  []Fix   `json:"fixes,omitempty" yaml:"fixes,omitempty"`
	Status Status  `json:"status" yaml:"status"`
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
	if c.Status > r.Status {
		r.Status = c.Status
	}
}

// Get returns the named check
func (r *Report) Get(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Worst returns the worst status across reports
func Worst(reports []*Report) Status {
	worst := Pass
	for _, r := range reports {
		if r != nil && r.Status > worst {
			worst = r.Status
		}
	}
	return worst
}

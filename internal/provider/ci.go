package provider

// CIState is the aggregated state of the checks on a commit.
type CIState string

const (
	// CIPending means at least one check has not finished.
	CIPending CIState = "pending"
	// CISuccess means every check finished without failing.
	CISuccess CIState = "success"
	// CIFailure means at least one check failed.
	CIFailure CIState = "failure"
	// CINone means no check has been registered for the commit yet.
	CINone CIState = "none"
)

// Terminal reports whether no further change is expected.
func (s CIState) Terminal() bool {
	return s == CISuccess || s == CIFailure
}

// Check is a single status or check run on a commit.
type Check struct {
	Name  string
	State CIState
	URL   string
}

// CIStatus is the CI picture for a pull request head.
type CIStatus struct {
	SHA    string
	State  CIState
	Checks []Check
}

// Failed returns the checks in the failure state.
func (s *CIStatus) Failed() []Check {
	var failed []Check
	for _, c := range s.Checks {
		if c.State == CIFailure {
			failed = append(failed, c)
		}
	}
	return failed
}

// Aggregate folds individual check states into one state.
// Any pending check keeps the whole commit pending.
func Aggregate(checks []Check) CIState {
	if len(checks) == 0 {
		return CINone
	}
	failed := false
	for _, c := range checks {
		switch c.State {
		case CIPending, CINone:
			return CIPending
		case CIFailure:
			failed = true
		}
	}
	if failed {
		return CIFailure
	}
	return CISuccess
}

// StatusState maps a commit status state (GitHub statuses, GitLab pipelines) to a CIState.
func StatusState(state string) CIState {
	switch state {
	case "success", "skipped", "manual":
		return CISuccess
	case "pending", "running", "created", "waiting_for_resource", "preparing", "scheduled", "expected":
		return CIPending
	default:
		// error, failure, failed, canceled
		return CIFailure
	}
}

// CheckRunState maps a check run status and conclusion to a CIState.
func CheckRunState(status, conclusion string) CIState {
	if status != "completed" {
		return CIPending
	}
	switch conclusion {
	case "success", "neutral", "skipped":
		return CISuccess
	default:
		// failure, cancelled, timed_out, action_required, stale
		return CIFailure
	}
}

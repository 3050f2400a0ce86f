package fleet

// Action is one half of a failure verdict.
type Action int

const (
	// ActionNone means not yet decided; keep retrying.
	ActionNone Action = iota
	// ActionReset requeues the job, or dirties the builder so the next
	// cycle drives it through a reset.
	ActionReset
	// ActionFail fails the job outright, or disables the builder until
	// an operator intervenes.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionReset:
		return "reset"
	case ActionFail:
		return "fail"
	default:
		return "none"
	}
}

// Verdict is the outcome of judging one scan failure.
type Verdict struct {
	Builder Action
	Job     Action
}

// Thresholds are the judged-failure counts at which escalation kicks
// in. Both are operational configuration, not algorithmic constants.
type Thresholds struct {
	// JobReset is the count at which a job is requeued instead of the
	// failure being treated as noise.
	JobReset int
	// BuilderFailure is the count at which a builder is disabled
	// instead of dirtied.
	BuilderFailure int
}

// JudgeFailure maps the persisted failure counts and the error
// classification to a verdict. It is a pure decision table.
//
// Equal counts mean the failures are attributable to the builder/job
// pair jointly: the pair is retried until the job-reset threshold, then
// the job alone is requeued (it dirties its builder on requeue). A
// builder count strictly above the job count blames the builder, which
// is dirtied until its own threshold and disabled after. A job count
// above the builder count blames the job alone.
//
// retry=false forces an immediate job reset even on the first failure,
// for callers that already know retrying is pointless.
func JudgeFailure(builderCount, jobCount int, kind FailureKind, retry bool, t Thresholds) Verdict {
	if kind == FailureIsolation {
		return Verdict{Builder: ActionFail, Job: ActionFail}
	}

	switch {
	case builderCount == jobCount:
		if retry && builderCount < t.JobReset {
			return Verdict{}
		}
		return Verdict{Job: ActionReset}
	case builderCount > jobCount:
		if builderCount < t.BuilderFailure {
			return Verdict{Builder: ActionReset, Job: ActionReset}
		}
		return Verdict{Builder: ActionFail, Job: ActionReset}
	default:
		return Verdict{Job: ActionReset}
	}
}

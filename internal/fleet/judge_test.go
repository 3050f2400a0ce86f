package fleet

import "testing"

func TestJudgeFailure(t *testing.T) {
	thresholds := Thresholds{JobReset: 5, BuilderFailure: 5}

	tests := []struct {
		name         string
		builderCount int
		jobCount     int
		kind         FailureKind
		retry        bool
		want         Verdict
	}{
		{
			name:         "below job reset threshold is noise",
			builderCount: 3, jobCount: 3, kind: FailureGeneric, retry: true,
			want: Verdict{Builder: ActionNone, Job: ActionNone},
		},
		{
			name:         "at job reset threshold the job is requeued",
			builderCount: 5, jobCount: 5, kind: FailureGeneric, retry: true,
			want: Verdict{Builder: ActionNone, Job: ActionReset},
		},
		{
			name:         "builder blamed below its threshold is dirtied",
			builderCount: 4, jobCount: 1, kind: FailureGeneric, retry: true,
			want: Verdict{Builder: ActionReset, Job: ActionReset},
		},
		{
			name:         "builder blamed at its threshold is disabled",
			builderCount: 5, jobCount: 1, kind: FailureGeneric, retry: true,
			want: Verdict{Builder: ActionFail, Job: ActionReset},
		},
		{
			name:         "isolation violation bypasses all thresholds",
			builderCount: 1, jobCount: 1, kind: FailureIsolation, retry: true,
			want: Verdict{Builder: ActionFail, Job: ActionFail},
		},
		{
			name:         "no-retry forces a job reset on the first failure",
			builderCount: 1, jobCount: 1, kind: FailureGeneric, retry: false,
			want: Verdict{Builder: ActionNone, Job: ActionReset},
		},
		{
			name:         "job failing more than builder resets the job only",
			builderCount: 1, jobCount: 4, kind: FailureGeneric, retry: true,
			want: Verdict{Builder: ActionNone, Job: ActionReset},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JudgeFailure(tt.builderCount, tt.jobCount, tt.kind, tt.retry, thresholds)
			if got != tt.want {
				t.Errorf("JudgeFailure(%d, %d) = {%v, %v}, want {%v, %v}",
					tt.builderCount, tt.jobCount,
					got.Builder, got.Job, tt.want.Builder, tt.want.Job)
			}
		})
	}
}

func TestJudgeFailure_PureFunction(t *testing.T) {
	// Same inputs, same verdict: judgement must not keep hidden state.
	thresholds := Thresholds{JobReset: 3, BuilderFailure: 4}
	first := JudgeFailure(2, 2, FailureGeneric, true, thresholds)
	second := JudgeFailure(2, 2, FailureGeneric, true, thresholds)
	if first != second {
		t.Errorf("verdicts differ: %+v vs %+v", first, second)
	}
}

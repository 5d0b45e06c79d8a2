package metrics

import (
	"strconv"
	"time"
)

// Metric names of the quiz-run families.
const (
	RunsTotal         = "quizchain_runs_total"
	RunDuration       = "quizchain_run_duration_seconds"
	RunSteps          = "quizchain_run_steps"
	StepsTotal        = "quizchain_steps_total"
	StepDuration      = "quizchain_step_duration_seconds"
	OracleRoundsTotal = "quizchain_oracle_rounds_total"
	SubmissionsTotal  = "quizchain_submissions_total"
)

var (
	runsTotal    = newCounter(RunsTotal, "Quiz runs finished, by termination reason.", "termination")
	runDuration  = newHistogram(RunDuration, "Wall-clock duration of quiz runs.", []float64{5, 15, 30, 60, 120, 300, 600, 1800}, "termination")
	runSteps     = newHistogram(RunSteps, "Steps taken per quiz run.", []float64{1, 2, 3, 5, 8, 13, 21, 34}, "termination")
	stepsTotal   = newCounter(StepsTotal, "Quiz steps processed, by result.", "result")
	stepDuration = newHistogram(StepDuration, "Duration of one render-solve-submit step.", []float64{1, 2.5, 5, 10, 30, 60, 120}, "result")
	oracleRounds = newCounter(OracleRoundsTotal, "Oracle rounds, by resulting action.", "action")
	submissions  = newCounter(SubmissionsTotal, "Answer submissions, by correctness.", "correct")
)

var families = map[string]*family{
	RunsTotal:         runsTotal,
	RunDuration:       runDuration,
	RunSteps:          runSteps,
	StepsTotal:        stepsTotal,
	StepDuration:      stepDuration,
	OracleRoundsTotal: oracleRounds,
	SubmissionsTotal:  submissions,
	HTTPRequestsTotal: httpRequests,
	HTTPDuration:      httpDuration,
}

// ObserveRun records a finished run: its termination, step count and duration.
func ObserveRun(termination string, steps int, duration time.Duration) {
	runsTotal.inc(termination)
	runDuration.observe(duration.Seconds(), termination)
	runSteps.observe(float64(steps), termination)
}

// ObserveStep records one step. result is one of submitted, override,
// no_submission or failed.
func ObserveStep(result string, duration time.Duration) {
	stepsTotal.inc(result)
	stepDuration.observe(duration.Seconds(), result)
}

// IncOracleRound counts one oracle round by the action it produced.
func IncOracleRound(action string) { oracleRounds.inc(action) }

// IncSubmission counts a submission outcome.
func IncSubmission(correct bool) { submissions.inc(strconv.FormatBool(correct)) }

// Value returns a counter value, or the observation count of a histogram.
// Unknown names read as zero.
func Value(name string, labelValues ...string) uint64 {
	f, ok := families[name]
	if !ok {
		return 0
	}
	return f.count(labelValues...)
}

package rollup

import (
	"log"
	"strconv"

	"github.com/CellTimesCell/new-lms-system1/pkg/types"
)

// Rollup names. Each names one aggregate maintained by the engine.
const (
	CourseDaily     = "course_daily"
	StudentDaily    = "student_daily"
	AssignmentDaily = "assignment_daily"
	Engagement      = "engagement"
)

// Names lists every maintained rollup.
var Names = []string{CourseDaily, StudentDaily, AssignmentDaily, Engagement}

// Engagement score weights.
const (
	engagementViewWeight       = 1.0
	engagementSubmissionWeight = 5.0
	engagementMinutesDivisor   = 60.0
)

// Contribute computes every rollup delta for one event. An event that is
// missing a field some rule needs is skipped for that rollup only; the other
// rollups still receive their contributions.
func Contribute(ev types.ActivityEvent) []Contribution {
	day := ev.DayBucket()
	contribs := make([]Contribution, 0, 4)

	if c, ok := courseContribution(ev, day); ok {
		contribs = append(contribs, c)
	}
	contribs = append(contribs, studentContribution(ev, day))
	if c, ok := assignmentContribution(ev, day); ok {
		contribs = append(contribs, c)
	}
	if c, ok := engagementContribution(ev, day); ok {
		contribs = append(contribs, c)
	}

	return contribs
}

// courseContribution counts activity against a course: every event scoped to
// a course adds to the event count, the active-student set, and total time.
func courseContribution(ev types.ActivityEvent, day string) (Contribution, bool) {
	if ev.ResourceType != types.ResourceCourse {
		return Contribution{}, false
	}
	courseID, ok := parseEntityID(CourseDaily, ev)
	if !ok {
		return Contribution{}, false
	}

	return Contribution{
		Rollup: CourseDaily,
		Key:    Key{Day: day, EntityID: courseID},
		Value: Value{
			EventCount:      1,
			DurationSeconds: ev.DurationSeconds,
			Actors:          NewActorSet(ev.ActorID),
		},
	}, true
}

// studentContribution counts per-student daily activity. Every event
// contributes; the verb decides which counters move.
func studentContribution(ev types.ActivityEvent, day string) Contribution {
	v := Value{
		EventCount:      1,
		DurationSeconds: ev.DurationSeconds,
	}
	switch {
	case ev.EventType == types.EventPageView:
		v.PageViews = 1
	case types.IsResourceInteraction(ev.EventType):
		v.ResourceViews = 1
	}
	if ev.EventType == types.EventSubmission {
		v.Submissions = 1
	}

	return Contribution{
		Rollup: StudentDaily,
		Key:    Key{Day: day, EntityID: ev.ActorID},
		Value:  v,
	}
}

// assignmentContribution tracks views, submissions, and time spent against
// one assignment, for completion-rate and average-time reads.
func assignmentContribution(ev types.ActivityEvent, day string) (Contribution, bool) {
	if ev.ResourceType != types.ResourceAssignment {
		return Contribution{}, false
	}
	assignmentID, ok := parseEntityID(AssignmentDaily, ev)
	if !ok {
		return Contribution{}, false
	}

	v := Value{
		Actors: NewActorSet(ev.ActorID),
	}
	switch ev.EventType {
	case types.EventView:
		v.ViewCount = 1
	case types.EventSubmission:
		v.SubmissionCount = 1
	}
	if ev.DurationSeconds > 0 {
		v.DurationSeconds = ev.DurationSeconds
		v.DurationSamples = 1
	}

	return Contribution{
		Rollup: AssignmentDaily,
		Key:    Key{Day: day, EntityID: assignmentID},
		Value:  v,
	}, true
}

// engagementContribution scores a student's activity within one course.
// Views weigh 1, submissions 5, and each minute of tracked time adds 1.
// Deliberately narrower than the other rollups: only events scoped
// directly to a course contribute, because events carry no course linkage
// field and metadata is never an aggregation key. Assignment and content
// interactions still count toward assignment_daily and student_daily, but
// produce no engagement score.
func engagementContribution(ev types.ActivityEvent, day string) (Contribution, bool) {
	if ev.ResourceType != types.ResourceCourse {
		return Contribution{}, false
	}
	courseID, ok := parseEntityID(Engagement, ev)
	if !ok {
		return Contribution{}, false
	}

	score := float64(ev.DurationSeconds) / engagementMinutesDivisor
	switch ev.EventType {
	case types.EventView:
		score += engagementViewWeight
	case types.EventSubmission:
		score += engagementSubmissionWeight
	}
	if score == 0 {
		return Contribution{}, false
	}

	return Contribution{
		Rollup: Engagement,
		Key:    Key{Day: day, EntityID: ev.ActorID, SecondaryID: courseID},
		Value:  Value{Score: score},
	}, true
}

// parseEntityID parses the event's resource_id as an int64 entity id.
// Unparsable ids are a data-quality problem in the emitting client, not a
// pipeline failure, so the event is skipped for this rollup and logged.
func parseEntityID(rollup string, ev types.ActivityEvent) (int64, bool) {
	if ev.ResourceID == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(ev.ResourceID, 10, 64)
	if err != nil || id <= 0 {
		log.Printf("[rollup] skipping %s contribution: event %s has non-numeric resource_id %q",
			rollup, ev.EventID, ev.ResourceID)
		return 0, false
	}
	return id, true
}

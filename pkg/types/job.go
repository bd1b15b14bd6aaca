package types

import "time"

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobStateInit     JobState = "init"
	JobStateEnabled  JobState = "enabled"
	JobStateStopping JobState = "stopping"
	JobStateStopped  JobState = "stopped"
)

// Terminal reports whether the state never transitions further.
func (s JobState) Terminal() bool {
	return s == JobStateStopped
}

// JobNeverStartedGrace is how long a Job may sit in Init with no Tasks
// attached before the Job processor forces it to Stopping.
const JobNeverStartedGrace = 30 * time.Minute

// Job is a user-defined grouping of Tasks sharing a duration and label.
// Partition and Row are both the job id.
type Job struct {
	Meta

	JobID          string    `json:"job_id"`
	State          JobState  `json:"state"`
	Project        string    `json:"project"`
	Name           string    `json:"name"`
	Build          string    `json:"build"`
	DurationHours  int       `json:"duration_hours"`
	LogsContainer  string    `json:"logs_container,omitempty"`
	UserInfo       UserInfo  `json:"user_info"`
	CreatedAt      time.Time `json:"created_at"`
	EndTime        time.Time `json:"end_time,omitempty"`
	Error          *Error    `json:"error,omitempty"`
}

// ExpiresAt returns the instant after which the Job's duration has
// elapsed.
func (j *Job) ExpiresAt() time.Time {
	return j.CreatedAt.Add(time.Duration(j.DurationHours) * time.Hour)
}

// Expired reports whether the Job has outlived its configured duration.
func (j *Job) Expired(now time.Time) bool {
	return j.DurationHours > 0 && now.After(j.ExpiresAt())
}

// NeverStarted reports whether a Job stuck in Init should be forced to
// Stopping: older than JobNeverStartedGrace with no Tasks attached.
func (j *Job) NeverStarted(now time.Time, hasTasks bool) bool {
	return j.State == JobStateInit && !hasTasks && now.Sub(j.CreatedAt) > JobNeverStartedGrace
}

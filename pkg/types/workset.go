package types

import "time"

// WorkSetTask is one Task's share of a WorkSet: its own config plus the
// identifiers the agent needs to report back against it.
type WorkSetTask struct {
	JobID  string     `json:"job_id"`
	TaskID string     `json:"task_id"`
	Config TaskConfig `json:"config"`
}

// WorkSet is one unit of dispatch: one or more co-located Tasks,
// enqueued onto a Pool queue. Partition
// and Row are both the WorkSet id.
type WorkSet struct {
	Meta

	WorkSetID         string        `json:"workset_id"`
	PoolName          string        `json:"pool_name"`
	SetupURL          string        `json:"setup_url,omitempty"`
	Tasks             []WorkSetTask `json:"tasks"`
	RebootAfterSetup  bool          `json:"reboot_after_setup,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// VMCount sums the requested vm_count across every member Task.
func (w *WorkSet) VMCount() int {
	total := 0
	for _, t := range w.Tasks {
		total += t.Config.VMCount
	}
	return total
}

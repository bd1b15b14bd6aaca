package types

// Record is implemented by every entity kept in the record store.
// It exposes the embedded Meta so pkg/storage can apply
// optimistic-concurrency checks without knowing the concrete entity
// type.
type Record interface {
	RecordMeta() *Meta
}

func (j *Job) RecordMeta() *Meta          { return &j.Meta }
func (t *Task) RecordMeta() *Meta         { return &t.Meta }
func (p *Pool) RecordMeta() *Meta         { return &p.Meta }
func (s *Scaleset) RecordMeta() *Meta     { return &s.Meta }
func (n *Node) RecordMeta() *Meta         { return &n.Meta }
func (n *NodeTasks) RecordMeta() *Meta    { return &n.Meta }
func (m *NodeMessage) RecordMeta() *Meta  { return &m.Meta }
func (p *ProxyForward) RecordMeta() *Meta { return &p.Meta }
func (w *WorkSet) RecordMeta() *Meta      { return &w.Meta }
func (t *TaskEvent) RecordMeta() *Meta    { return &t.Meta }

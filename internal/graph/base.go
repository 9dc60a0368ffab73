package graph

import "sync"

// base holds the fields and bookkeeping common to every task variant. It is
// embedded, never used standalone.
type base struct {
	mu sync.RWMutex

	id     TaskID
	deps   []TaskID
	kwdeps map[string]TaskID

	createdBy *TaskID

	outputData any
	hasOutput  bool

	errText *string
}

func newBase(deps []TaskID, kwdeps map[string]TaskID) base {
	if kwdeps == nil {
		kwdeps = map[string]TaskID{}
	}
	return base{id: newTaskID(), deps: deps, kwdeps: kwdeps}
}

func (b *base) ID() TaskID { return b.id }

// Deps are immutable after construction; no lock needed to read them.
func (b *base) Deps() []TaskID {
	return append([]TaskID(nil), b.deps...)
}

func (b *base) KwDeps() map[string]TaskID {
	out := make(map[string]TaskID, len(b.kwdeps))
	for k, v := range b.kwdeps {
		out[k] = v
	}
	return out
}

func (b *base) CreatedBy() *TaskID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.createdBy == nil {
		return nil
	}
	id := *b.createdBy
	return &id
}

func (b *base) setCreatedBy(id TaskID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createdBy = &id
}

// Dependencies returns deps, kwdeps values, and created_by (if set) as a
// single list — everything this task's run must await before it can start
// doing its own work.
func (b *base) Dependencies() []TaskID {
	out := make([]TaskID, 0, len(b.deps)+len(b.kwdeps)+1)
	out = append(out, b.deps...)
	for _, v := range b.kwdeps {
		out = append(out, v)
	}
	if cb := b.CreatedBy(); cb != nil {
		out = append(out, *cb)
	}
	return out
}

func (b *base) OutputData() (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.outputData, b.hasOutput
}

func (b *base) setOutputData(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputData = v
	b.hasOutput = true
}

func (b *base) ErrorText() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.errText == nil {
		return "", false
	}
	return *b.errText, true
}

func (b *base) setError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := err.Error()
	b.errText = &s
}

// commonJSON builds the shared portion of a task's JSON representation.
// Variant MarshalJSON methods extend the returned map with their own fields.
func (b *base) commonJSON(kind TaskKind) map[string]any {
	output, hasOutput := b.OutputData()
	var outVal any
	if hasOutput {
		outVal = output
	}

	var errVal any
	if s, ok := b.ErrorText(); ok {
		errVal = s
	}

	var createdBy any
	if cb := b.CreatedBy(); cb != nil {
		createdBy = string(*cb)
	}

	deps := make([]string, len(b.deps))
	for i, d := range b.deps {
		deps[i] = string(d)
	}
	kwdeps := make(map[string]string, len(b.kwdeps))
	for k, v := range b.kwdeps {
		kwdeps[k] = string(v)
	}

	return map[string]any{
		"type":        string(kind),
		"task_id":     string(b.id),
		"deps":        deps,
		"kwdeps":      kwdeps,
		"created_by":  createdBy,
		"output_data": outVal,
		"error":       errVal,
	}
}

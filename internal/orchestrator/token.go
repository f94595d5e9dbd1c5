package orchestrator

import "sync"

// tokenSet hands out a per-name mutual-exclusion token, generalized from
// the corpus's per-instance sync.Mutex embedded directly in its Instance
// struct: here the lock lives independently of the Instance record so a
// read-only Status call can inspect state without contending with a
// mutating operation's hold on the same name.
type tokenSet struct {
	mu     sync.Mutex
	tokens map[string]*sync.Mutex
}

func newTokenSet() *tokenSet {
	return &tokenSet{tokens: make(map[string]*sync.Mutex)}
}

func (t *tokenSet) forName(name string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.tokens[name]
	if !ok {
		m = &sync.Mutex{}
		t.tokens[name] = m
	}
	return m
}

// acquire locks the token for name and returns a function that releases it.
// Callers must defer the returned function immediately.
func (t *tokenSet) acquire(name string) func() {
	m := t.forName(name)
	m.Lock()
	return m.Unlock
}

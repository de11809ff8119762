package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MockEntry defines a single scripted completion.
type MockEntry struct {
	// Response content (at most one of Content/Err should be set)
	Content string // returned as Response.Content
	Err     error  // returned from Complete()

	// Test control
	BlockUntilCancelled bool            // block Complete() until ctx is cancelled
	WaitCh              <-chan struct{} // block Complete() until closed, then respond normally
	OnBlock             chan<- struct{} // notified when Complete() enters its blocking path
}

// Mock is a deterministic Provider with a dual-dispatch script: sequential
// entries consumed in order for single-call stages, plus substring routing for
// parallel stages where call order is non-deterministic. With no script loaded
// it echoes a stable digest of the prompt, so offline runs and the "mock"
// config provider work without any setup.
type Mock struct {
	mu         sync.Mutex
	sequential []MockEntry
	seqIndex   int
	routes     map[string][]MockEntry // prompt substring -> per-route script
	routeIdx   map[string]int
	calls      []Request
}

// NewMock creates an unscripted deterministic provider.
func NewMock() *Mock {
	return &Mock{
		routes:   make(map[string][]MockEntry),
		routeIdx: make(map[string]int),
	}
}

// Name implements Provider.
func (m *Mock) Name() string { return NameMock }

// AddSequential appends an entry consumed in order by calls that match no
// route. Used for decomposition, synthesis, and other single-call stages.
func (m *Mock) AddSequential(entry MockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequential = append(m.sequential, entry)
}

// AddRouted appends an entry served to calls whose prompt contains the given
// substring. Used for parallel agent stages that need differentiated answers.
func (m *Mock) AddRouted(promptSubstring string, entry MockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[promptSubstring] = append(m.routes[promptSubstring], entry)
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many completions have been requested.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Complete implements Provider.
func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	entry, scripted := m.nextEntry(req)
	m.mu.Unlock()

	if scripted && entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if scripted && entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scripted && entry.Err != nil {
		return nil, entry.Err
	}

	content := entry.Content
	if !scripted {
		content = fmt.Sprintf("mock(%s): %s", req.Model, truncatePrompt(req.Prompt, 120))
	}
	in := estimateTokens(req.System + req.Prompt)
	out := estimateTokens(content)
	return &Response{
		Content:      content,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         EstimateCost(req.Model, in, out),
	}, nil
}

// nextEntry picks the response for a call: routed first (longest matching
// substring wins, ties broken lexically so dispatch stays deterministic),
// then the sequential script. The caller must hold m.mu.
func (m *Mock) nextEntry(req Request) (MockEntry, bool) {
	keys := make([]string, 0, len(m.routes))
	for k := range m.routes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if !strings.Contains(req.Prompt, k) {
			continue
		}
		if m.routeIdx[k] >= len(m.routes[k]) {
			continue
		}
		entry := m.routes[k][m.routeIdx[k]]
		m.routeIdx[k]++
		return entry, true
	}
	if m.seqIndex < len(m.sequential) {
		entry := m.sequential[m.seqIndex]
		m.seqIndex++
		return entry, true
	}
	return MockEntry{}, false
}

func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

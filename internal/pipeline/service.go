package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Service owns one pipeline per account. Pipelines are registered at
// wiring time; lookups at run time never mutate the set.
type Service struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewService builds an empty account registry.
func NewService() *Service {
	return &Service{pipelines: make(map[string]*Pipeline)}
}

// Register adds a pipeline under its account name. Duplicate accounts
// are a wiring bug and return an error.
func (s *Service) Register(p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.cfg.Account]; ok {
		return fmt.Errorf("pipeline for account %q already registered", p.cfg.Account)
	}
	s.pipelines[p.cfg.Account] = p
	return nil
}

// Get returns the pipeline for an account.
func (s *Service) Get(account string) (*Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[account]
	return p, ok
}

// Accounts lists registered account names, sorted.
func (s *Service) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pipelines))
	for a := range s.pipelines {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Each calls fn for every registered pipeline.
func (s *Service) Each(fn func(account string, p *Pipeline)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for a, p := range s.pipelines {
		fn(a, p)
	}
}

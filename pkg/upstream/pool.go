package upstream

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

// Endpoint is the display metadata of an upstream.
type Endpoint struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Color string `json:"color,omitempty"`
}

// Pool is a fixed set of upstreams. It is never modified after NewPool.
type Pool struct {
	ups       []Upstream
	endpoints []Endpoint
}

func NewPool(cfgs []Config, opts Opts) (*Pool, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no upstream is configured")
	}
	p := &Pool{}
	dup := make(map[string]struct{}, len(cfgs))
	for i, cfg := range cfgs {
		if _, ok := dup[cfg.Name]; ok {
			p.Close()
			return nil, fmt.Errorf("duplicated upstream name %s", cfg.Name)
		}
		dup[cfg.Name] = struct{}{}

		u, err := New(cfg, opts)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to init upstream #%d, %w", i, err)
		}
		p.ups = append(p.ups, u)
		p.endpoints = append(p.endpoints, Endpoint{Name: cfg.Name, URL: cfg.URL, Color: cfg.Color})
	}
	return p, nil
}

// NewPoolFrom builds a Pool from already constructed upstreams.
func NewPoolFrom(ups ...Upstream) *Pool {
	p := &Pool{ups: ups}
	for _, u := range ups {
		p.endpoints = append(p.endpoints, Endpoint{Name: u.Name(), URL: u.Address()})
	}
	return p
}

// Sample returns n upstreams picked uniformly at random without replacement.
// If the pool has no more than n upstreams, all of them are returned in a
// random order.
func (p *Pool) Sample(n int) []Upstream {
	if n <= 0 {
		return nil
	}
	if n > len(p.ups) {
		n = len(p.ups)
	}
	s := make([]Upstream, len(p.ups))
	copy(s, p.ups)
	// Partial Fisher-Yates, only the first n slots are needed.
	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(s)-i)
		s[i], s[j] = s[j], s[i]
	}
	return s[:n]
}

func (p *Pool) Len() int {
	return len(p.ups)
}

// Names returns upstream names in config order.
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.ups))
	for _, u := range p.ups {
		names = append(names, u.Name())
	}
	return names
}

func (p *Pool) Endpoints() []Endpoint {
	return p.endpoints
}

func (p *Pool) Close() error {
	var errs []error
	for _, u := range p.ups {
		if err := u.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

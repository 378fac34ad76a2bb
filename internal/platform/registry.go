package platform

import (
	"fmt"
	"sort"
)

type Registry struct {
	platforms map[string]Platform
}

func NewRegistry() *Registry {
	return &Registry{platforms: map[string]Platform{}}
}

func (r *Registry) Register(p Platform) {
	r.platforms[p.Name()] = p
}

func (r *Registry) Get(name string) (Platform, error) {
	p, ok := r.platforms[name]
	if !ok {
		return nil, fmt.Errorf("platform not supported: %s (have %v)", name, r.Names())
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.platforms))
	for n := range r.platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

package auth

import (
	"context"
	"sync"
)

// StaticProvider serves fixed tokens. Refresh hands out the next pair of Rotations,
// or fails with ErrNoRefreshToken once they are used up.
type StaticProvider struct {
	sync.Mutex
	Pair      Pair
	Rotations []Pair

	refreshes int
}

func (p *StaticProvider) AccessToken() string {
	p.Lock()
	defer p.Unlock()
	return p.Pair.AccessToken
}

func (p *StaticProvider) RefreshToken() string {
	p.Lock()
	defer p.Unlock()
	return p.Pair.RefreshToken
}

func (p *StaticProvider) Refresh(ctx context.Context) (*Pair, error) {
	p.Lock()
	defer p.Unlock()
	p.refreshes++
	if len(p.Rotations) == 0 {
		return nil, &Error{Err: ErrNoRefreshToken}
	}
	p.Pair, p.Rotations = p.Rotations[0], p.Rotations[1:]
	out := p.Pair
	return &out, nil
}

// Refreshes counts Refresh calls.
func (p *StaticProvider) Refreshes() int {
	p.Lock()
	defer p.Unlock()
	return p.refreshes
}

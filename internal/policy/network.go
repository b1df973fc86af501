// Package policy evaluates network access policies on Bind and password
// policy constraints on password changes.
package policy

import (
	"context"
	"net/netip"

	"github.com/multidirectory/multidirectory/pkg/models"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// NetworkGate decides whether a peer address may authenticate, and whether
// the winning policy demands a second factor.
type NetworkGate struct {
	Store *store.Store
}

// Check walks enabled policies in priority order and returns the first one
// whose netmasks contain addr and whose group restriction (if any) admits
// the user. ErrNoPolicyMatch means the bind must be refused.
func (g *NetworkGate) Check(ctx context.Context, addr netip.Addr, user *models.User) (*models.NetworkPolicy, error) {
	policies, err := g.Store.ListNetworkPolicies(ctx)
	if err != nil {
		return nil, err
	}

	var closure map[uint]bool
	for _, p := range policies {
		if !p.Contains(addr) {
			continue
		}
		if len(p.Groups) == 0 {
			return p, nil
		}
		if user == nil {
			continue
		}
		if closure == nil {
			ids, err := g.Store.UserGroupClosure(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			closure = make(map[uint]bool, len(ids))
			for _, id := range ids {
				closure[id] = true
			}
		}
		for _, group := range p.Groups {
			if closure[group.ID] {
				return p, nil
			}
		}
	}
	return nil, models.ErrNoPolicyMatch
}

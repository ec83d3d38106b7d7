// Package pipeline is the seam between the sampling loop and the
// connection loop: one pending slot per message kind, newer values
// displacing unsent ones. It is the only state the two loops share.
package pipeline

import (
	"github.com/hostpulse/hostpulse/pkg/telemetry"
	"github.com/hostpulse/hostpulse/pkg/util/slot"
)

type Pipeline struct {
	identity    *slot.Slot[*telemetry.Identity]
	snapshots   *slot.Slot[*telemetry.Snapshot]
	identityReq chan struct{}
}

func New() *Pipeline {
	return &Pipeline{
		identity:    slot.New[*telemetry.Identity](),
		snapshots:   slot.New[*telemetry.Snapshot](),
		identityReq: make(chan struct{}, 1),
	}
}

// Producer side (scheduler).

func (p *Pipeline) OfferIdentity(id *telemetry.Identity) { p.identity.Offer(id) }
func (p *Pipeline) OfferSnapshot(s *telemetry.Snapshot)  { p.snapshots.Offer(s) }
func (p *Pipeline) IdentityRequests() <-chan struct{}    { return p.identityReq }

// Consumer side (supervisor).

// RequestIdentity asks the scheduler for a fresh identity reading. Requests
// coalesce; at most one is ever pending.
func (p *Pipeline) RequestIdentity() {
	select {
	case p.identityReq <- struct{}{}:
	default:
	}
}

func (p *Pipeline) IdentityChan() <-chan *telemetry.Identity { return p.identity.Chan() }
func (p *Pipeline) SnapshotChan() <-chan *telemetry.Snapshot { return p.snapshots.Chan() }

// Reset discards anything pending from a previous connection so a new
// session starts from fresh readings.
func (p *Pipeline) Reset() {
	p.identity.Drain()
	p.snapshots.Drain()
}

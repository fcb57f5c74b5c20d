package state

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/events"
	"github.com/NinaFal/20k5ers/internal/position"
)

// Reconcile squares the recovered snapshot with what the venue actually
// holds. Venue positions missing from the snapshot are adopted in degraded
// mode (stop-managed only, flagged for the operator); snapshot positions the
// venue no longer holds are discarded as stale. Venue size wins for matched
// positions, since a partial close may have landed between the last snapshot
// write and the crash.
func (s *Store) Reconcile(ctx context.Context, exec broker.ExecutionClient, snapshot []position.Position, bus *events.Bus) ([]position.Position, error) {
	venue, err := exec.ListOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list venue positions: %w", err)
	}
	byID := make(map[string]broker.BrokerPosition, len(venue))
	for _, v := range venue {
		byID[v.ID] = v
	}

	var kept []position.Position
	for _, p := range snapshot {
		v, ok := byID[p.BrokerID]
		if !ok {
			log.Printf("state: discarding stale position %s (%s): venue no longer holds it", p.ID, p.Symbol)
			if err := s.db.DeletePosition(ctx, p.ID); err != nil {
				log.Printf("state: drop stale position %s: %v", p.ID, err)
			}
			continue
		}
		if v.Size != p.RemainingSize {
			log.Printf("state: position %s size %v adjusted to venue size %v", p.ID, p.RemainingSize, v.Size)
			p.RemainingSize = v.Size
			if err := s.SavePosition(ctx, p); err != nil {
				log.Printf("state: persist reconciled position %s: %v", p.ID, err)
			}
		}
		delete(byID, p.BrokerID)
		kept = append(kept, p)
	}

	for _, v := range byID {
		p := position.Position{
			ID:            uuid.NewString(),
			BrokerID:      v.ID,
			Symbol:        v.Symbol,
			Direction:     v.Direction,
			EntryPrice:    v.EntryPrice,
			OriginalSize:  v.Size,
			RemainingSize: v.Size,
			InitialStop:   v.StopPrice,
			CurrentStop:   v.StopPrice,
			OpenedAt:      v.OpenedAt,
			Degraded:      true,
		}
		log.Printf("state: adopting unknown venue position %s %s size %v (degraded)", v.Symbol, v.ID, v.Size)
		if err := s.SavePosition(ctx, p); err != nil {
			log.Printf("state: persist adopted position %s: %v", p.ID, err)
		}
		bus.Publish(events.NewRecord(v.OpenedAt, v.Symbol, events.EventPositionAdopted, nil, p,
			"venue position absent from snapshot"))
		kept = append(kept, p)
	}
	return kept, nil
}

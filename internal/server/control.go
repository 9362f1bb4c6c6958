package server

import (
	"context"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/access"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/cache"
	errordefs "github.com/RegistryAccord/registryaccord-mmg-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/operation"
)

// controlFunc serves an operation that never reaches a provider.
type controlFunc func(ctx context.Context, cmd operation.Command, id access.Identity) (any, error)

func (s *Server) collaborate(ctx context.Context, cmd operation.Command, id access.Identity) (any, error) {
	c := cmd.(*operation.Collaborate)
	switch c.Operation {
	case operation.CollabJoin:
		snap, err := s.hub.Join(ctx, c.SessionID, id.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"operation": c.Operation, "session": snap}, nil
	case operation.CollabLeave:
		left := s.hub.Leave(ctx, c.SessionID, id.UserID)
		return map[string]any{"operation": c.Operation, "sessionId": c.SessionID, "left": left}, nil
	default:
		snap, err := s.hub.Update(ctx, c.SessionID, id.UserID, collabState(c))
		if err != nil {
			return nil, err
		}
		return map[string]any{"operation": c.Operation, "session": snap}, nil
	}
}

// collabState keeps the fields the caller actually sent.
func collabState(c *operation.Collaborate) map[string]any {
	state := map[string]any{}
	if c.Content != nil {
		state["content"] = c.Content
	}
	if c.ContentType != "" {
		state["contentType"] = c.ContentType
	}
	if c.Position != nil {
		state["position"] = map[string]any{"x": c.Position.X, "y": c.Position.Y}
	}
	if c.ViewportState != nil {
		state["viewportState"] = c.ViewportState
	}
	if c.Timestamp != nil {
		state["timestamp"] = c.Timestamp
	}
	return state
}

// cancelOperation requests cancellation. A record that already finished is
// reported with its terminal status and cancelled false.
func (s *Server) cancelOperation(ctx context.Context, cmd operation.Command, id access.Identity) (any, error) {
	c := cmd.(*operation.Cancel)
	rec, ok := s.registry.Get(c.RequestID)
	if !ok || (rec.Owner.UserID != id.UserID && !s.gate.IsAdmin(ctx, id)) {
		return nil, errordefs.New(errordefs.MMG_NOT_FOUND, "operation not found", "")
	}
	rec, applied, err := s.registry.Cancel(ctx, c.RequestID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"requestId": rec.ID, "cancelled": applied, "status": rec.Status}, nil
}

// operationHistory lists registry records. Non-admins only ever see their own.
func (s *Server) operationHistory(ctx context.Context, cmd operation.Command, id access.Identity) (any, error) {
	h := cmd.(*operation.History)
	f := model.HistoryFilter{
		UserID:    h.UserID,
		ProjectID: h.ProjectID,
		Type:      h.OperationType,
		Status:    h.Status,
		Limit:     h.Limit,
	}
	if h.Since != nil {
		f.Since = *h.Since
	}
	if h.Until != nil {
		f.Until = *h.Until
	}
	if !s.gate.IsAdmin(ctx, id) {
		f.UserID = id.UserID
		f.OrganizationID = id.OrganizationID
	}
	records := s.registry.List(f)
	return map[string]any{"operations": records, "total": len(records)}, nil
}

func (s *Server) metricsSummary(ctx context.Context, cmd operation.Command, _ access.Identity) (any, error) {
	q := cmd.(*operation.MetricsQuery)
	agg, err := s.ledger.Aggregate(ctx, q.Filter())
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MMG_UNAVAILABLE, "metrics store unavailable", err)
	}
	return map[string]any{"summary": agg}, nil
}

func (s *Server) costBreakdown(ctx context.Context, cmd operation.Command, _ access.Identity) (any, error) {
	c := cmd.(*operation.CostBreakdown)
	groups := make([]ledger.GroupBy, len(c.GroupBy))
	for i, g := range c.GroupBy {
		groups[i] = ledger.GroupBy(g)
	}
	breakdown, err := s.ledger.CostBreakdown(ctx, c.Filter(), groups...)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MMG_UNAVAILABLE, "metrics store unavailable", err)
	}
	// every grouping partitions the same events
	total := 0.0
	for _, buckets := range breakdown {
		for _, b := range buckets {
			total += b.TotalCost
		}
		break
	}
	return map[string]any{"breakdown": breakdown, "totalCost": total}, nil
}

func (s *Server) cacheStats(context.Context, operation.Command, access.Identity) (any, error) {
	return s.cache.Stats(), nil
}

func (s *Server) clearCache(_ context.Context, cmd operation.Command, _ access.Identity) (any, error) {
	c := cmd.(*operation.ClearCache)
	n := s.cache.Clear(cache.Filter{
		OperationType: c.OperationType,
		ContentType:   c.ContentType,
		Provider:      c.Provider,
		UserID:        c.UserID,
		ProjectID:     c.ProjectID,
	})
	return map[string]any{"cleared": n}, nil
}

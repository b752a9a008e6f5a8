package pipeline

import (
	"context"
	"errors"
	"time"

	"newsguard/internal/dispatch"
	"newsguard/internal/model"
	"newsguard/internal/throttle"
)

type SweepResult struct {
	EntityID   string         `json:"entity_id"`
	Severity   model.Severity `json:"severity"`
	Count      int            `json:"count"`
	Delivered  bool           `json:"delivered"`
	Summarized bool           `json:"summarized"`
	ExternalID string         `json:"external_id,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Sweep collects silenced records and sends one summary per entity. A batch
// whose summary fails is put back for the next sweep until it has failed the
// configured number of times, after which its records are marked failed.
func (p *Pipeline) Sweep(ctx context.Context) ([]SweepResult, error) {
	agg := p.throttle.Aggregator()
	batches := agg.Collect()
	st := p.settings.Load()

	var errs []error
	results := make([]SweepResult, 0, len(batches))
	for _, b := range batches {
		res := SweepResult{EntityID: b.EntityID, Severity: b.Severity(), Count: b.Count()}
		if b.Count() < st.summaryMin {
			if err := p.throttle.MarkAggregated(ctx, b.Items); err != nil {
				p.restore(ctx, b)
				res.Error = err.Error()
				errs = append(errs, err)
			}
			results = append(results, res)
			continue
		}

		alert := p.summaryAlert(b)
		out := p.dispatcher.Deliver(ctx, alert)
		res.Summarized = true
		if !out.Delivered {
			res.Error = out.ErrorText()
			errs = append(errs, out.Err)
			if b.Attempts+1 >= st.attempts {
				if err := p.throttle.Abandon(ctx, b.Items, out.Err); err != nil {
					errs = append(errs, err)
				}
				if p.logger != nil {
					p.logger.Error("summary abandoned", "entity_id", b.EntityID, "count", b.Count(), "attempts", b.Attempts+1, "err", res.Error)
				}
			} else {
				p.restore(ctx, b)
				if p.logger != nil {
					p.logger.Warn("summary delivery failed", "entity_id", b.EntityID, "count", b.Count(), "err", res.Error)
				}
			}
			results = append(results, res)
			continue
		}
		res.Delivered = true
		res.ExternalID = out.ExternalID
		if err := p.throttle.MarkAggregated(ctx, b.Items); err != nil {
			res.Error = err.Error()
			errs = append(errs, err)
		}
		p.alerts.Add(model.AlertEvent{
			Timestamp:  p.now(),
			Kind:       "summary",
			EntityID:   b.EntityID,
			Severity:   alert.Severity,
			Status:     model.StatusAggregated,
			Title:      alert.Title,
			SourceID:   alert.SourceID,
			Count:      alert.Count,
			ExternalID: out.ExternalID,
		})
		if p.logger != nil {
			p.logger.Info("summary delivered", "entity_id", b.EntityID, "count", b.Count(), "severity", alert.Severity)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (p *Pipeline) restore(ctx context.Context, b throttle.Batch) {
	evicted := p.throttle.Aggregator().Restore(b)
	if err := p.throttle.MarkAggregated(ctx, evicted); err != nil && p.logger != nil {
		p.logger.Warn("evicted pending records not marked", "entity_id", b.EntityID, "count", len(evicted), "err", err)
	}
}

func (p *Pipeline) summaryAlert(b throttle.Batch) dispatch.Alert {
	latest := b.Items[len(b.Items)-1]
	name := b.EntityID
	var keywords []string
	if e, ok := p.registry.Get(b.EntityID); ok {
		name = e.DisplayName
		keywords = e.Direct
	}
	return dispatch.Alert{
		Kind:       dispatch.KindSummary,
		Severity:   b.Severity(),
		EntityID:   b.EntityID,
		EntityName: name,
		Keywords:   keywords,
		SourceID:   latest.SourceID,
		Title:      latest.Title,
		URL:        latest.URL,
		Count:      b.Count(),
		At:         p.now(),
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			results, err := p.Sweep(ctx)
			if err != nil && p.logger != nil {
				p.logger.Warn("aggregation sweep incomplete", "batches", len(results), "err", err)
			}
		}
	}
}

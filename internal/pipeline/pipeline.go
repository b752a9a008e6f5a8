// Package pipeline runs a producer item through admission, matching,
// classification, corroboration, throttling and dispatch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"newsguard/internal/alerts"
	"newsguard/internal/classify"
	"newsguard/internal/config"
	"newsguard/internal/corroborate"
	"newsguard/internal/dispatch"
	"newsguard/internal/entity"
	"newsguard/internal/fingerprint"
	"newsguard/internal/metrics"
	"newsguard/internal/model"
	"newsguard/internal/storage"
	"newsguard/internal/throttle"
)

var (
	// ErrRetryable wraps failures the producer may retry later with the same
	// item. A retry resumes an admitted record that never got its delivery
	// decision.
	ErrRetryable   = errors.New("pipeline: retryable")
	ErrInvalidItem = errors.New("pipeline: invalid item")
)

var (
	retryBackoffMin = 500 * time.Millisecond
	retryBackoffMax = 30 * time.Second
)

type Stage string

const (
	// StageGated items matched no admission term and were not stored.
	StageGated     Stage = "gated"
	StageDuplicate Stage = "duplicate"
	// StageStored items were admitted but carry no alert.
	StageStored Stage = "stored"
	// StageDecided items reached the throttle; Decision says what happened.
	StageDecided Stage = "decided"
)

type Outcome struct {
	Stage        Stage                `json:"stage"`
	Fingerprint  string               `json:"fingerprint,omitempty"`
	EntityID     string               `json:"entity_id,omitempty"`
	Tier         model.Tier           `json:"tier,omitempty"`
	Severity     model.Severity       `json:"severity,omitempty"`
	Matches      []model.EntityMatch  `json:"matches,omitempty"`
	Corroborated bool                 `json:"corroborated,omitempty"`
	Decision     model.DeliveryStatus `json:"decision,omitempty"`
	ExternalID   string               `json:"external_id,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// Components are the shared collaborators a Pipeline is built from.
type Components struct {
	Store      storage.Store
	Registry   *entity.Registry
	Dispatcher *dispatch.Dispatcher
	Alerts     *alerts.Store
	Metrics    *metrics.Store
	Logger     *slog.Logger
}

type Pipeline struct {
	store       storage.Store
	registry    *entity.Registry
	admitter    *fingerprint.Admitter
	classifier  atomic.Pointer[classify.Classifier]
	corroborate *corroborate.Cache
	throttle    *throttle.Throttle
	dispatcher  *dispatch.Dispatcher
	alerts      *alerts.Store
	metrics     *metrics.Store
	logger      *slog.Logger
	settings    atomic.Pointer[settings]
	now         func() time.Time
}

type settings struct {
	defaultSource string
	corroborate   bool
	summaryMin    int
	attempts      int
}

func New(cfg *config.Config, c Components) *Pipeline {
	p := &Pipeline{
		store:       c.Store,
		registry:    c.Registry,
		admitter:    fingerprint.NewAdmitter(c.Store),
		corroborate: corroborate.New(cfg.Corroboration),
		throttle:    throttle.New(c.Store, cfg.Throttle.SilenceWindow, throttle.NewAggregator(cfg.Throttle.MaxPending), c.Logger),
		dispatcher:  c.Dispatcher,
		alerts:      c.Alerts,
		metrics:     c.Metrics,
		logger:      c.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if p.alerts == nil {
		p.alerts = alerts.NewStore(cfg.Alerts.StoreLimit)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	p.UpdateConfig(cfg)
	return p
}

// UpdateConfig applies the hot-reloadable parts of cfg. The silence window
// and corroboration TTL are fixed at construction.
func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	p.classifier.Store(classify.NewFromConfig(cfg.Classifier))
	p.settings.Store(&settings{
		defaultSource: cfg.Ingest.DefaultSourceID,
		corroborate:   cfg.Corroboration.Enabled,
		summaryMin:    cfg.Throttle.SummaryMin,
		attempts:      cfg.Throttle.SummaryAttempts,
	})
}

func (p *Pipeline) Corroboration() *corroborate.Cache { return p.corroborate }
func (p *Pipeline) Throttle() *throttle.Throttle      { return p.throttle }
func (p *Pipeline) Alerts() *alerts.Store             { return p.alerts }
func (p *Pipeline) Metrics() *metrics.Store           { return p.metrics }
func (p *Pipeline) Admitter() *fingerprint.Admitter   { return p.admitter }

// Ingest processes one item to completion. Once an item is admitted its
// remaining stages run even if ctx is cancelled.
func (p *Pipeline) Ingest(ctx context.Context, it model.Item) (Outcome, error) {
	st := p.settings.Load()
	it.SourceID = strings.TrimSpace(it.SourceID)
	if it.SourceID == "" {
		it.SourceID = st.defaultSource
	}
	p.metrics.Inc(it.SourceID, metrics.Received)
	if strings.TrimSpace(it.Title) == "" {
		p.metrics.Inc(it.SourceID, metrics.Rejected)
		return Outcome{}, fmt.Errorf("%w: title required", ErrInvalidItem)
	}

	now := p.now()
	rec := fingerprint.NewRecord(it, now)
	out := Outcome{Fingerprint: rec.Fingerprint}

	snap := p.registry.Snapshot()
	text := it.Text()
	if ok, _ := snap.Admit(text); !ok {
		p.metrics.Inc(it.SourceID, metrics.Gated)
		out.Stage = StageGated
		return out, nil
	}

	matches := snap.Match(text)
	best, sev, words := p.classifier.Load().Best(matches, text)
	out.Matches = matches
	applyMatches(&rec, matches, sev, words)
	out.Tier = rec.MatchedTier
	out.Severity = sev

	adm, err := p.admitter.AdmitRecord(ctx, rec)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	if adm.Reason == fingerprint.ReasonDuplicate {
		resume, err := p.undecided(ctx, rec.Fingerprint, sev)
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrRetryable, err)
		}
		if !resume {
			p.metrics.Inc(it.SourceID, metrics.Duplicate)
			out.Stage = StageDuplicate
			return out, nil
		}
		if p.logger != nil {
			p.logger.Info("resuming undecided record",
				"source_id", it.SourceID,
				"fingerprint", rec.Fingerprint,
				"severity", sev,
			)
		}
		ctx = context.WithoutCancel(ctx)
		var corr corroborate.Result
		if st.corroborate {
			corr = p.corroborate.Check(it.SourceID, it)
			out.Corroborated = corr.Corroborated
		}
		return p.decide(ctx, out, rec, best, sev, words, corr, now)
	}
	p.metrics.Inc(it.SourceID, metrics.Admitted)

	ctx = context.WithoutCancel(ctx)

	var corr corroborate.Result
	if st.corroborate {
		corr = p.corroborate.ObserveAndCheck(it.SourceID, it)
		out.Corroborated = corr.Corroborated
		if corr.Corroborated && p.logger != nil {
			p.logger.Info("item corroborated",
				"source_id", it.SourceID,
				"with_source", corr.WithSource,
				"shared", corr.SharedSignal,
				"fingerprint", rec.Fingerprint,
			)
		}
	}

	if sev == model.SeverityNone {
		out.Stage = StageStored
		return out, nil
	}
	return p.decide(ctx, out, rec, best, sev, words, corr, now)
}

// undecided reports whether a duplicate record was stored with a severity
// but has no delivery decision yet, which happens when the throttle failed
// after admission.
func (p *Pipeline) undecided(ctx context.Context, fp string, sev model.Severity) (bool, error) {
	if sev == model.SeverityNone {
		return false, nil
	}
	stored, err := p.store.GetRecord(ctx, fp)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load record %s: %w", fp, err)
	}
	if stored.Severity == model.SeverityNone {
		return false, nil
	}
	if _, err := p.store.GetDelivery(ctx, fp); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load delivery %s: %w", fp, err)
	}
	return true, nil
}

// decide runs the throttle and, when it allows, the dispatcher.
func (p *Pipeline) decide(ctx context.Context, out Outcome, rec model.Record, best model.EntityMatch, sev model.Severity, words []string, corr corroborate.Result, now time.Time) (Outcome, error) {
	out.EntityID = best.EntityID

	dec, err := p.throttle.Decide(ctx, throttle.Request{
		EntityID:          best.EntityID,
		Severity:          sev,
		RecordFingerprint: rec.Fingerprint,
		Corroborated:      corr.Corroborated,
		Title:             rec.Title,
		SourceID:          rec.SourceID,
		URL:               rec.URL,
	})
	if err != nil {
		// The record exists without a decision; a retry of the item resumes it.
		if p.logger != nil {
			p.logger.Error("throttle decision failed",
				"entity_id", best.EntityID,
				"severity", sev,
				"fingerprint", rec.Fingerprint,
				"err", err,
			)
		}
		return out, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	out.Stage = StageDecided
	out.Decision = dec.Status
	if !dec.Deliver() {
		if !dec.Replayed {
			p.metrics.Inc(rec.SourceID, metrics.Silenced)
			p.record(dec.Delivery, "single", 1, "")
		}
		return out, nil
	}

	name := best.EntityID
	if e, ok := p.registry.Get(best.EntityID); ok {
		name = e.DisplayName
	}
	res := p.dispatcher.Deliver(ctx, dispatch.Alert{
		Kind:             dispatch.KindSingle,
		Severity:         sev,
		EntityID:         best.EntityID,
		EntityName:       name,
		Keywords:         alertKeywords(best, words),
		SourceID:         rec.SourceID,
		Title:            rec.Title,
		URL:              rec.URL,
		CorroboratedWith: corr.WithSource,
		At:               now,
	})
	p.finishDelivery(ctx, &out, dec.Delivery, res)
	return out, nil
}

func (p *Pipeline) finishDelivery(ctx context.Context, out *Outcome, d model.DeliveryRecord, res dispatch.Result) {
	if err := p.throttle.RecordOutcome(ctx, d.RecordFingerprint, res.Delivered, res.ExternalID, res.Err); err != nil && p.logger != nil {
		p.logger.Error("delivery outcome not recorded", "fingerprint", d.RecordFingerprint, "err", err)
	}
	out.ExternalID = res.ExternalID
	if res.Delivered {
		out.Decision = model.StatusSent
		p.metrics.Inc(d.SourceID, metrics.Alerted)
		if err := p.store.MarkRecordAlerted(ctx, d.RecordFingerprint, p.now()); err != nil && p.logger != nil {
			p.logger.Warn("record alert flag not set", "fingerprint", d.RecordFingerprint, "err", err)
		}
		d.Status = model.StatusSent
		d.ExternalID = res.ExternalID
		p.record(d, "single", 1, "")
		return
	}

	out.Decision = model.StatusFailed
	out.Error = res.ErrorText()
	p.metrics.Inc(d.SourceID, metrics.Failed)
	d.Status = model.StatusFailed
	p.record(d, "single", 1, out.Error)
	if p.logger == nil {
		return
	}
	if d.Severity == model.SeverityDanger {
		p.logger.Error("danger alert delivery failed",
			"operator_attention", true,
			"entity_id", d.EntityID,
			"fingerprint", d.RecordFingerprint,
			"title", d.Title,
			"err", out.Error,
		)
		return
	}
	p.logger.Warn("alert delivery failed",
		"entity_id", d.EntityID,
		"severity", d.Severity,
		"fingerprint", d.RecordFingerprint,
		"err", out.Error,
	)
}

func (p *Pipeline) record(d model.DeliveryRecord, kind string, count int, errMsg string) {
	p.alerts.Add(model.AlertEvent{
		Timestamp:         p.now(),
		Kind:              kind,
		EntityID:          d.EntityID,
		Severity:          d.Severity,
		Status:            d.Status,
		RecordFingerprint: d.RecordFingerprint,
		Title:             d.Title,
		SourceID:          d.SourceID,
		Count:             count,
		Corroborated:      d.Corroborated,
		ExternalID:        d.ExternalID,
		Error:             errMsg,
	})
}

// Run consumes items with the given number of workers until ctx is done or
// in is closed.
func (p *Pipeline) Run(ctx context.Context, in <-chan model.Item, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case it, ok := <-in:
					if !ok {
						return
					}
					p.ingestLogged(ctx, it)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// ingestLogged retries retryable failures with capped backoff until ctx
// ends, so channel transports keep the item the way a REST producer would.
func (p *Pipeline) ingestLogged(ctx context.Context, it model.Item) {
	wait := retryBackoffMin
	for {
		_, err := p.Ingest(ctx, it)
		if err == nil {
			return
		}
		retryable := errors.Is(err, ErrRetryable)
		if p.logger != nil {
			p.logger.Warn("ingest failed",
				"source_id", it.SourceID,
				"title", it.Title,
				"retryable", retryable,
				"err", err,
			)
		}
		if !retryable {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if p.logger != nil {
				p.logger.Error("item abandoned at shutdown", "source_id", it.SourceID, "title", it.Title)
			}
			return
		case <-timer.C:
		}
		wait = min(wait*2, retryBackoffMax)
	}
}

func applyMatches(rec *model.Record, matches []model.EntityMatch, sev model.Severity, words []string) {
	if len(matches) == 0 {
		return
	}
	rec.MatchedTier = matches[0].Tier
	seen := make(map[string]struct{})
	add := func(kw string) {
		if _, ok := seen[kw]; ok {
			return
		}
		seen[kw] = struct{}{}
		rec.MatchedKeywords = append(rec.MatchedKeywords, kw)
	}
	for _, m := range matches {
		rec.MatchedEntities = append(rec.MatchedEntities, m.EntityID)
		for _, kw := range m.Keywords {
			add(kw)
		}
	}
	for _, w := range words {
		add(w)
	}
	rec.Severity = sev
}

func alertKeywords(m model.EntityMatch, words []string) []string {
	out := make([]string, 0, len(m.Keywords)+len(words))
	out = append(out, m.Keywords...)
	return append(out, words...)
}

package summary

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/summary/internal/platform/metrics"
	"github.com/ehr/summary/pkg/pagination"
)

// ServiceConfig bounds the blocking operations of a merge.
type ServiceConfig struct {
	MaxAttempts   int
	RetryBackoff  time.Duration
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
}

// DefaultServiceConfig returns the bounds used when none are configured.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxAttempts:   3,
		RetryBackoff:  50 * time.Millisecond,
		StoreTimeout:  5 * time.Second,
		NotifyTimeout: 5 * time.Second,
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	d := DefaultServiceConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// Merge triggers, used as metric labels and span attributes.
const (
	TriggerDocument   = "document"
	TriggerCorrection = "correction"
	TriggerRebuild    = "rebuild"
)

// Service runs merges against the store. Each call is a self-contained unit
// of work; the only state kept between calls is the in-flight notification
// group that Wait drains on shutdown.
type Service struct {
	store  Store
	ledger CorrectionLedger
	cfg    ServiceConfig
	logger zerolog.Logger

	docs      DocumentSource
	extractor Extractor
	notifier  Notifier
	cache     ReadCache
	metrics   *metrics.Collector
	tracer    trace.Tracer
	now       func() time.Time

	notifications sync.WaitGroup
}

func NewService(store Store, ledger CorrectionLedger, logger zerolog.Logger, cfg ServiceConfig) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "summary").Logger(),
		tracer: otel.Tracer("github.com/ehr/summary/internal/domain/summary"),
		now:    time.Now,
	}
}

func (s *Service) SetDocumentSource(d DocumentSource) { s.docs = d }
func (s *Service) SetExtractor(e Extractor) { s.extractor = e }
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }
func (s *Service) SetCache(c ReadCache) { s.cache = c }
func (s *Service) SetMetrics(m *metrics.Collector) { s.metrics = m }
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// DocumentProcessed is the trigger fired once a document finished processing.
type DocumentProcessed struct {
	PatientID    uuid.UUID
	DocumentID   uuid.UUID
	DocumentType string
	UploadedAt   time.Time
	// Entities carries the extractor output inline. When empty the document
	// is looked up and its stored entities, or a fresh extraction, are used.
	Entities []byte
}

// Result is the outcome of a merge.
type Result struct {
	Summary *PatientSummary
	Report  MergeReport
}

// ProcessDocument merges one processed document into the patient's summary.
// A document that was already merged is a successful no-op.
func (s *Service) ProcessDocument(ctx context.Context, ev DocumentProcessed) (*Result, error) {
	if ev.PatientID == uuid.Nil {
		return nil, requestError("patientId", "is required")
	}
	if ev.DocumentID == uuid.Nil {
		return nil, requestError("documentId", "is required")
	}

	ctx, span := s.tracer.Start(ctx, "summary.ProcessDocument", trace.WithAttributes(
		attribute.String("patient.id", ev.PatientID.String()),
		attribute.String("document.id", ev.DocumentID.String()),
	))
	defer span.End()

	// Cheap duplicate check before paying for a lookup or an extraction.
	current, err := s.readOrEmpty(ctx, ev.PatientID)
	if err == nil && current.HasDocument(ev.DocumentID) {
		s.metrics.ObserveMerge(TriggerDocument, "duplicate", 0)
		span.SetAttributes(attribute.Bool("merge.duplicate", true))
		return &Result{Summary: current, Report: MergeReport{Duplicate: true}}, nil
	}

	ref, entities, skipped, err := s.resolveEntities(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, sk := range skipped {
		s.metrics.AddSkipped(sk.Kind, 1)
	}

	res, err := s.mergeWithRetry(ctx, TriggerDocument, ev.PatientID, func(current *PatientSummary, corrections []Correction) (*PatientSummary, MergeReport, error) {
		return Merge(current, MergeInput{
			Document:    &ref,
			Entities:    entities,
			Corrections: corrections,
			Now:         s.now(),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	res.Report.Skipped = append(skipped, res.Report.Skipped...)
	if len(res.Report.Skipped) > 0 {
		s.logger.Warn().
			Str("patient_id", ev.PatientID.String()).
			Str("document_id", ev.DocumentID.String()).
			Int("skipped", len(res.Report.Skipped)).
			Msg("malformed entities skipped during merge")
	}
	span.SetAttributes(attribute.Int("summary.version", res.Summary.Version))
	return res, nil
}

// resolveEntities picks the entity source for a document: inline payload,
// then stored extractor output, then a fresh extraction.
func (s *Service) resolveEntities(ctx context.Context, ev DocumentProcessed) (DocumentRef, ExtractedEntities, []SkippedEntity, error) {
	ref := DocumentRef{ID: ev.DocumentID, Type: ev.DocumentType, UploadedAt: ev.UploadedAt.UTC()}

	if len(ev.Entities) > 0 {
		raw, err := ParseRawEntities(ev.Entities)
		if err != nil {
			return ref, ExtractedEntities{}, nil, requestError("entities", "%v", err)
		}
		entities, skipped := Canonicalize(raw)
		return ref, entities, skipped, nil
	}

	if s.docs == nil {
		return ref, ExtractedEntities{}, nil, requestError("entities", "are required when no document source is configured")
	}
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	doc, err := s.docs.GetDocument(sctx, ev.PatientID, ev.DocumentID)
	cancel()
	if err != nil {
		return ref, ExtractedEntities{}, nil, fmt.Errorf("load document %s: %w", ev.DocumentID, err)
	}
	if ref.Type == "" {
		ref.Type = doc.Ref.Type
	}
	if ref.UploadedAt.IsZero() {
		ref.UploadedAt = doc.Ref.UploadedAt.UTC()
	}

	var raw RawEntities
	switch {
	case len(doc.Entities) > 0:
		if raw, err = ParseRawEntities(doc.Entities); err != nil {
			err = fmt.Errorf("%w: stored entities: %v", ErrUnextractable, err)
		}
	case s.extractor != nil:
		raw, err = s.extractor.Extract(ctx, doc)
	default:
		return ref, ExtractedEntities{}, nil, requestError("entities", "document %s has no extracted entities", ev.DocumentID)
	}
	if err != nil {
		return ref, ExtractedEntities{}, nil, fmt.Errorf("extract entities from %s: %w", ev.DocumentID, err)
	}
	entities, skipped := Canonicalize(raw)
	return ref, entities, skipped, nil
}

// CorrectionResult reports where a correction ended up.
type CorrectionResult struct {
	Correction Correction
	// Summary is the rebuilt summary, nil when no rebuild happened.
	Summary *PatientSummary
	// Pending is set when the correction is recorded but not yet reflected in
	// a stored summary. The next merge will apply it.
	Pending bool
}

// SubmitCorrection validates and appends a correction, then rebuilds the
// summary so it takes effect immediately. Only validation fails the call:
// once the ledger append succeeds the correction is durable.
func (s *Service) SubmitCorrection(ctx context.Context, c Correction) (*CorrectionResult, error) {
	ctx, span := s.tracer.Start(ctx, "summary.SubmitCorrection", trace.WithAttributes(
		attribute.String("patient.id", c.PatientID.String()),
		attribute.String("correction.field", c.Field),
	))
	defer span.End()

	c.ID = uuid.New()
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now()
	}
	c.Timestamp = c.Timestamp.UTC()

	if err := ValidateCorrection(&c); err != nil {
		s.metrics.IncCorrection(c.Action, "rejected")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	err := s.ledger.Append(actx, &c)
	cancel()
	if err != nil {
		s.metrics.IncCorrection(c.Action, "failed")
		span.RecordError(err)
		return nil, fmt.Errorf("append correction: %w", err)
	}

	out := &CorrectionResult{Correction: c}
	res, err := s.rebuild(ctx, TriggerCorrection, c.PatientID)
	switch {
	case errors.Is(err, ErrNotFound):
		out.Pending = true
		s.metrics.IncCorrection(c.Action, "deferred")
	case err != nil:
		out.Pending = true
		s.metrics.IncCorrection(c.Action, "deferred")
		s.logger.Warn().Err(err).
			Str("patient_id", c.PatientID.String()).
			Str("correction_id", c.ID.String()).
			Msg("correction recorded, rebuild deferred to next merge")
	default:
		out.Summary = res.Summary
		s.metrics.IncCorrection(c.Action, "applied")
	}
	return out, nil
}

// HideItem hides a diagnosis or medication by recording a hidden correction.
func (s *Service) HideItem(ctx context.Context, patientID uuid.UUID, itemType, itemID, userID string) (*CorrectionResult, error) {
	if itemType != string(KindDiagnosis) && itemType != string(KindMedication) {
		return nil, correctionError("itemType", "must be %q or %q", KindDiagnosis, KindMedication)
	}
	if itemID == "" {
		return nil, correctionError("itemId", "is required")
	}
	return s.SubmitCorrection(ctx, Correction{
		PatientID: patientID,
		Field:     itemType + "." + itemID,
		UserID:    userID,
		Action:    ActionHidden,
	})
}

// Rebuild replays the ledger onto the stored summary and writes a new version.
func (s *Service) Rebuild(ctx context.Context, patientID uuid.UUID) (*Result, error) {
	if patientID == uuid.Nil {
		return nil, requestError("patientId", "is required")
	}
	ctx, span := s.tracer.Start(ctx, "summary.Rebuild", trace.WithAttributes(
		attribute.String("patient.id", patientID.String()),
	))
	defer span.End()
	return s.rebuild(ctx, TriggerRebuild, patientID)
}

func (s *Service) rebuild(ctx context.Context, trigger string, patientID uuid.UUID) (*Result, error) {
	return s.mergeWithRetry(ctx, trigger, patientID, func(current *PatientSummary, corrections []Correction) (*PatientSummary, MergeReport, error) {
		if current.Version == 0 {
			return nil, MergeReport{}, ErrNotFound
		}
		return Merge(current, MergeInput{Corrections: corrections, Now: s.now()})
	})
}

type mergeFunc func(current *PatientSummary, corrections []Correction) (*PatientSummary, MergeReport, error)

// mergeWithRetry is the only write path: read, merge, conditional write,
// and on a lost race start over from a fresh read.
func (s *Service) mergeWithRetry(ctx context.Context, trigger string, patientID uuid.UUID, merge mergeFunc) (*Result, error) {
	start := time.Now()
	log := s.logger.With().Str("patient_id", patientID.String()).Str("trigger", trigger).Logger()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.backoff(ctx, attempt); err != nil {
				s.metrics.ObserveMerge(trigger, "canceled", time.Since(start))
				return nil, err
			}
		}

		current, err := s.readOrEmpty(ctx, patientID)
		if err != nil {
			if errors.Is(err, ErrInvalidSummary) {
				s.metrics.ObserveMerge(trigger, "invalid", time.Since(start))
				return nil, err
			}
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("summary read failed")
			continue
		}

		corrections, err := s.listCorrections(ctx, patientID)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("correction ledger read failed")
			continue
		}

		next, report, err := merge(current, corrections)
		if err != nil {
			s.metrics.ObserveMerge(trigger, "rejected", time.Since(start))
			return nil, err
		}
		if report.Duplicate {
			s.metrics.ObserveMerge(trigger, "duplicate", time.Since(start))
			return &Result{Summary: current, Report: report}, nil
		}
		if err := ValidateSummary(next); err != nil {
			s.metrics.ObserveMerge(trigger, "invalid", time.Since(start))
			log.Error().Err(err).Msg("merge produced an invalid summary")
			return nil, err
		}

		wctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		err = s.store.Write(wctx, next, current.Version)
		cancel()
		if err == nil {
			s.metrics.ObserveMerge(trigger, "committed", time.Since(start))
			log.Info().Int("version", next.Version).Int("attempt", attempt).
				Int("added", report.Added).Int("updated", report.Updated).
				Msg("summary committed")
			s.publish(ctx, next)
			s.notifyAsync(patientID, next.Version)
			return &Result{Summary: next, Report: report}, nil
		}

		lastErr = err
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.IncVersionConflict()
			log.Debug().Int("attempt", attempt).Int("expected_version", current.Version).Msg("version conflict, retrying")
		} else {
			log.Warn().Err(err).Int("attempt", attempt).Msg("summary write failed")
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.metrics.ObserveMerge(trigger, "exhausted", time.Since(start))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %d attempts: %v", ErrRetriesExhausted, s.cfg.MaxAttempts, lastErr)
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	if s.cfg.RetryBackoff == 0 {
		return ctx.Err()
	}
	d := s.cfg.RetryBackoff * time.Duration(attempt-1)
	d += time.Duration(rand.Int64N(int64(s.cfg.RetryBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// readOrEmpty returns the stored summary, or the version 0 summary when the
// patient has none yet.
func (s *Service) readOrEmpty(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	current, err := s.store.Read(rctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return Empty(patientID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	if err := ValidateSummary(current); err != nil {
		return nil, fmt.Errorf("stored summary for patient %s: %w", patientID, err)
	}
	return current, nil
}

func (s *Service) listCorrections(ctx context.Context, patientID uuid.UUID) ([]Correction, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	cs, err := s.ledger.ListFor(lctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	return cs, nil
}

// notifyAsync fires the notifier without holding up the caller. Failures are
// logged and counted, never returned.
func (s *Service) notifyAsync(patientID uuid.UUID, version int) {
	if s.notifier == nil {
		return
	}
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		defer func() {
			if r := recover(); r != nil {
				s.metrics.IncNotification("panic")
				s.logger.Error().Interface("panic", r).Str("patient_id", patientID.String()).Msg("notifier panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, patientID, version); err != nil {
			s.metrics.IncNotification("failed")
			s.logger.Warn().Err(err).
				Str("patient_id", patientID.String()).
				Int("version", version).
				Msg("summary notification failed")
			return
		}
		s.metrics.IncNotification("sent")
	}()
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() { s.notifications.Wait() }

// publish puts a committed summary in the read cache. The cache refuses
// older versions, so a reader filling a miss with what it read before this
// commit cannot shadow it. When the write fails the entry is dropped instead.
func (s *Service) publish(ctx context.Context, sum *PatientSummary) {
	if s.cache == nil {
		return
	}
	err := s.cache.Set(ctx, sum)
	if err == nil {
		return
	}
	log := s.logger.With().Str("patient_id", sum.PatientID.String()).Logger()
	log.Warn().Err(err).Int("version", sum.Version).Msg("summary cache update failed")
	if err := s.cache.Invalidate(ctx, sum.PatientID); err != nil {
		log.Warn().Err(err).Msg("summary cache invalidation failed")
	}
}

// GetSummary returns the stored summary, served from the read cache when one
// is configured.
func (s *Service) GetSummary(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, patientID)
		switch {
		case err == nil && cached != nil:
			s.metrics.IncCacheLookup("hit")
			return cached, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			s.metrics.IncCacheLookup("error")
			s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("summary cache read failed")
		default:
			s.metrics.IncCacheLookup("miss")
		}
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	sum, err := s.store.Read(rctx, patientID)
	if err != nil {
		return nil, err
	}
	if err := ValidateSummary(sum); err != nil {
		s.logger.Error().Err(err).Str("patient_id", patientID.String()).Msg("stored summary failed validation")
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, sum); err != nil {
			s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("summary cache write failed")
		}
	}
	return sum, nil
}

// ListCorrections pages through the ledger, oldest first.
func (s *Service) ListCorrections(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Correction, int, error) {
	all, err := s.listCorrections(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	all = SortCorrections(all)
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	return all[start:end], len(all), nil
}

// History lists committed versions, newest first.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	return s.store.ListVersions(ctx, patientID, limit, offset)
}

// GetVersion returns one committed version.
func (s *Service) GetVersion(ctx context.Context, patientID uuid.UUID, version int) (*HistoryEntry, error) {
	if version < 1 {
		return nil, requestError("version", "must be at least 1")
	}
	return s.store.GetVersion(ctx, patientID, version)
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/septivank/vetsync-engine/internal/anomaly"
	"github.com/septivank/vetsync-engine/internal/broadcast"
	"github.com/septivank/vetsync-engine/internal/domain"
	"github.com/septivank/vetsync-engine/internal/store"
)

// Waveform is a chunk of the decimated cardiac channel for live charts.
type Waveform struct {
	Seq     int64     `json:"seq"`
	RateHz  float64   `json:"rate_hz"`
	Samples []float64 `json:"samples"`
}

// Alert is the payload of a vitals_alert event.
type Alert struct {
	anomaly.Alert
	Seq   int64        `json:"seq"`
	State domain.State `json:"state"`
}

// pump consumes frames in arrival order until the link closes the stream
// or the session stops. A storage failure ends the pipeline.
func (sc *SessionContext) pump(ctx context.Context, frames <-chan domain.RawFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				sc.logger.Info("Frame stream closed", zap.String("link_state", string(sc.Link.CurrentSignalQuality().State)))
				return nil
			}
			if err := sc.step(ctx, f); err != nil {
				if err := sc.stepError(ctx, err); err != nil {
					return err
				}
			}
		}
	}
}

// stepError decides whether a failed step ends the pipeline. A storage
// error halts the session unless it only reflects the pipeline stopping.
func (sc *SessionContext) stepError(ctx context.Context, err error) error {
	switch {
	case !isStorageErr(err):
		sc.logger.Warn("Dropping sample", zap.Error(err))
		return nil
	case ctx.Err() != nil:
		sc.logger.Debug("Sample not stored, pipeline stopping", zap.Error(err))
		return nil
	}
	sc.fail(err)
	return err
}

func (sc *SessionContext) step(ctx context.Context, f domain.RawFrame) error {
	sc.pipeMu.Lock()
	defer sc.pipeMu.Unlock()

	v, ok := sc.extractor.Ingest(f)
	if !ok {
		return nil
	}
	return sc.process(ctx, v)
}

// process gates, stores and fans out one extracted sample. The state stamp,
// the append and the baseline update happen under the machine's gate so no
// transition can slip in between.
func (sc *SessionContext) process(ctx context.Context, v domain.VitalSample) error {
	var stored bool
	err := sc.Machine.Gate(func(state domain.State) error {
		if !state.SamplingAllowed() {
			return nil
		}
		v.SessionID = sc.ID
		v.Seq = sc.lastSeq + 1
		v.State = state
		if err := sc.engine.store.AppendSample(ctx, v); err != nil {
			if errors.Is(err, store.ErrDuplicateSample) {
				sc.lastSeq = v.Seq
			}
			return err
		}
		sc.lastSeq = v.Seq
		stored = true
		if state == domain.StateBaselineCollection {
			return sc.updateBaseline(ctx, v)
		}
		return nil
	})
	if err != nil || !stored {
		return err
	}

	if err := sc.engine.sync.Enqueue(ctx, v); err != nil {
		if isStorageErr(err) {
			return err
		}
		sc.logger.Warn("Failed to queue sample for sync", zap.Int64("seq", v.Seq), zap.Error(err))
	}

	pub := sc.engine.pub
	pub.Publish(broadcast.Event{Type: broadcast.EventVitals, SessionID: sc.ID, At: v.RecordedAt, Data: v})
	if sc.extractor != nil {
		pub.Publish(broadcast.Event{Type: broadcast.EventWaveform, SessionID: sc.ID, At: v.RecordedAt, Data: Waveform{
			Seq:     v.Seq,
			RateHz:  sc.waveformRate(),
			Samples: sc.extractor.Waveform(),
		}})
	}

	if anomaly.Watches(v.State) {
		return sc.checkDeviation(ctx, v)
	}
	return nil
}

func (sc *SessionContext) waveformRate() float64 {
	cfg := sc.engine.opts.Extractor
	every := max(cfg.WaveformEvery, 1)
	rate := cfg.SampleRateHz
	if rate <= 0 {
		rate = 50
	}
	return float64(rate) / float64(every)
}

// updateBaseline folds a baseline sample into the running statistics and
// persists them. It runs under the gate, so the baseline is complete before
// leaving BaselineCollection freezes it.
func (sc *SessionContext) updateBaseline(ctx context.Context, v domain.VitalSample) error {
	if sc.acc == nil {
		sc.acc = sc.newBaselineAcc()
	}
	sc.acc.add(v)
	b := sc.acc.data(sc.ID, sc.engine.opts.Now().UTC())
	err := sc.engine.store.SaveBaseline(ctx, b)
	if errors.Is(err, store.ErrBaselineFrozen) {
		sc.logger.Warn("Baseline already frozen", zap.Int64("seq", v.Seq))
		return nil
	}
	return err
}

func (sc *SessionContext) newBaselineAcc() *baselineAcc {
	return &baselineAcc{interval: sc.engine.opts.Extractor.EmitInterval}
}

func (sc *SessionContext) checkDeviation(ctx context.Context, v domain.VitalSample) error {
	sc.mu.Lock()
	var alerts []anomaly.Alert
	if sc.detector != nil {
		alerts = sc.detector.Check(v)
	}
	sc.mu.Unlock()

	for _, a := range alerts {
		sc.logger.Warn("Vital sign deviation",
			zap.String("metric", string(a.Metric)),
			zap.Float64("value", a.Value),
			zap.String("reason", a.Reason))
		sc.engine.pub.Publish(broadcast.Event{
			Type:      broadcast.EventVitalsAlert,
			SessionID: sc.ID,
			At:        v.RecordedAt,
			Data:      Alert{Alert: a, Seq: v.Seq, State: v.State},
		})
		if _, err := sc.Annotate(ctx, domain.AnnotationAlert, fmt.Sprintf("%s: %s", a.Metric, a.Reason), "engine", v.RecordedAt); err != nil {
			return err
		}
	}
	return nil
}

// record appends an annotation and queues it for upload.
func (sc *SessionContext) record(ctx context.Context, a domain.Annotation) error {
	if err := sc.engine.store.AppendAnnotation(ctx, a); err != nil {
		return fmt.Errorf("append annotation: %w", err)
	}
	if err := sc.engine.sync.Enqueue(ctx, a); err != nil {
		if isStorageErr(err) {
			return err
		}
		sc.logger.Warn("Failed to queue annotation for sync", zap.Stringer("annotation_id", a.ID), zap.Error(err))
	}
	return nil
}

package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

const selSkeleton = ".semi-skeleton"

// ExtractConfig paces balance extraction.
type ExtractConfig struct {
	Wait            time.Duration // before any probing
	SkeletonTimeout time.Duration // max wait for loading placeholders to go
	Settle          time.Duration // after placeholders are gone
	FallbackWait    time.Duration // before the all-text fallback re-reads the page
}

// DefaultExtractConfig returns the pacing used against the live console.
func DefaultExtractConfig(wait time.Duration) ExtractConfig {
	return ExtractConfig{
		Wait:            wait,
		SkeletonTimeout: 10 * time.Second,
		Settle:          time.Second,
		FallbackWait:    2 * time.Second,
	}
}

// Extractor reads the balance from an authenticated console page by folding
// over the strategy table until one yields a parseable amount.
type Extractor struct {
	cfg        ExtractConfig
	strategies []strategy
	logger     *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg ExtractConfig, logger *zap.Logger) *Extractor {
	return &Extractor{cfg: cfg, strategies: strategies, logger: logger}
}

// Extract never fails with an error: a total miss is reported as
// Success=false with the "no data" sentinel.
func (e *Extractor) Extract(ctx context.Context, s port.Session) port.ExtractResult {
	ctx, span := tracer.Start(ctx, "Extractor.Extract")
	defer span.End()

	if err := sleepCtx(ctx, e.cfg.Wait); err != nil {
		return port.ExtractResult{Text: domain.BalanceError}
	}
	if err := s.WaitGone(ctx, selSkeleton, e.cfg.SkeletonTimeout); err != nil {
		e.logger.Debug("loading placeholders still present", zap.Error(err))
	}
	if err := sleepCtx(ctx, e.cfg.Settle); err != nil {
		return port.ExtractResult{Text: domain.BalanceError}
	}

	var (
		pageText   string
		textLoaded bool
	)
	for _, p := range e.strategies {
		if ctx.Err() != nil {
			return port.ExtractResult{Text: domain.BalanceError}
		}

		var raw string
		switch {
		case p.script != "":
			if err := s.Evaluate(ctx, p.script, &raw); err != nil {
				e.logger.Debug("strategy failed", zap.String("strategy", p.name), zap.Error(err))
				continue
			}
		case p.match != nil:
			if p.refresh {
				if err := sleepCtx(ctx, e.cfg.FallbackWait); err != nil {
					return port.ExtractResult{Text: domain.BalanceError}
				}
				textLoaded = false
			}
			if !textLoaded {
				text, err := e.pageText(ctx, s)
				if err != nil {
					e.logger.Debug("page text unavailable", zap.String("strategy", p.name), zap.Error(err))
					continue
				}
				pageText, textLoaded = text, true
			}
			raw = p.match(pageText)
		}
		if raw == "" {
			continue
		}

		v, err := domain.ParseAmount(raw)
		if err != nil {
			e.logger.Debug("strategy returned unparseable amount",
				zap.String("strategy", p.name),
				zap.String("raw", raw),
			)
			continue
		}

		text := domain.FormatUSD(v)
		span.SetAttributes(attribute.String("extract.strategy", p.name))
		e.logger.Info("balance extracted", zap.String("strategy", p.name), zap.String("balance", text))
		return port.ExtractResult{Text: text, Success: true, Strategy: p.name}
	}

	e.logger.Warn("no balance found on page")
	return port.ExtractResult{Text: domain.BalanceNoData}
}

func (e *Extractor) pageText(ctx context.Context, s port.Session) (string, error) {
	var text string
	err := s.Evaluate(ctx, PageTextScript, &text)
	return text, err
}

var _ port.BalanceExtractor = (*Extractor)(nil)

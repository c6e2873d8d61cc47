package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcollector/internal/collector"
	"github.com/JakeFAU/jobcollector/internal/metrics"
	"github.com/JakeFAU/jobcollector/internal/progress"
)

// Term end reasons.
const (
	EndExhausted  = "exhausted"
	EndFetchError = "fetch_error"
)

// TermResult summarizes one pass of the crawl loop over a search term.
type TermResult struct {
	// Pages counts non-empty pages.
	Pages       int
	Records     int
	Admitted    int
	Duplicates  int
	AdmitErrors int
	// EndReason is EndExhausted when an empty page ended pagination and
	// EndFetchError when a failed fetch did.
	EndReason string
	FetchErr  error
}

func (r TermResult) note() string {
	if r.FetchErr != nil {
		return r.FetchErr.Error()
	}
	return ""
}

// crawlTerm pages through term until the fetcher returns an empty page or an
// error. Every record of every non-empty page goes through the ledger. Fetch
// errors end the term without failing it; only context cancellation is
// returned as an error.
func (w *Worker) crawlTerm(ctx context.Context, term string) (TermResult, error) {
	var result TermResult
	logger := w.logger.With(zap.String("term", term))
	logger.Info("term started")

	for page := 1; ; page++ {
		if page > 1 {
			if err := w.pacer.Wait(ctx); err != nil {
				return result, fmt.Errorf("pace before page %d: %w", page, err)
			}
		}

		pageStart := w.clock.Now()
		records, err := w.fetcher.FetchPage(ctx, term, page)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, fmt.Errorf("fetch page %d: %w", page, ctxErr)
			}
			result.EndReason = EndFetchError
			result.FetchErr = err
			logger.Warn("page fetch failed, ending term",
				zap.Int("page", page),
				zap.String("kind", fetchErrorKind(err)),
				zap.Error(err),
			)
			break
		}
		if len(records) == 0 {
			result.EndReason = EndExhausted
			logger.Debug("empty page, pagination complete", zap.Int("page", page))
			break
		}

		admitted := w.admitPage(logger, records, &result)
		result.Pages++
		result.Records += len(records)
		logger.Info("page collected",
			zap.Int("page", page),
			zap.Int("records", len(records)),
			zap.Int("admitted", admitted),
			zap.Int("total", result.Records),
		)
		w.emit(progress.Event{
			Stage:    progress.StagePageDone,
			Term:     term,
			Page:     page,
			Records:  len(records),
			Admitted: admitted,
			Dur:      max(w.clock.Now().Sub(pageStart), 0),
		})
	}

	logger.Info("term finished",
		zap.Int("pages", result.Pages),
		zap.Int("records", result.Records),
		zap.Int("admitted", result.Admitted),
		zap.Int("duplicates", result.Duplicates),
		zap.String("end_reason", result.EndReason),
	)
	return result, nil
}

// admitPage pushes each record through the ledger and returns how many were
// written. A failed append affects only that record. The ledger, not the
// worker, bumps the admitted counter.
func (w *Worker) admitPage(logger *zap.Logger, records []collector.JobRecord, result *TermResult) int {
	admitted := 0
	for _, rec := range records {
		ok, err := w.ledger.TryAdmit(rec)
		switch {
		case err != nil:
			result.AdmitErrors++
			metrics.ObserveAdmit(metrics.AdmitError)
			logger.Error("admit record failed", zap.Stringer("key", rec.Key()), zap.Error(err))
		case ok:
			admitted++
			metrics.ObserveAdmit(metrics.AdmitWritten)
		default:
			result.Duplicates++
			metrics.ObserveAdmit(metrics.AdmitDuplicate)
		}
	}
	result.Admitted += admitted
	return admitted
}

func fetchErrorKind(err error) string {
	switch {
	case errors.Is(err, collector.ErrDecode):
		return "decode"
	case errors.Is(err, collector.ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

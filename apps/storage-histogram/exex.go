package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const exexName = "StorageHistogram"

// storageHistogramExEx writes a storage change histogram for every committed chain.
type storageHistogramExEx struct {
	source NotificationSource
	sink   ReportSink
	dir    string
	log    *slog.Logger
}

func newStorageHistogramExEx(source NotificationSource, sink ReportSink, dir string, log *slog.Logger) *storageHistogramExEx {
	log = log.With("exex", exexName)
	log.Info("initialized")
	return &storageHistogramExEx{source: source, sink: sink, dir: dir, log: log}
}

// Run handles notifications one at a time until the source ends (nil) or
// any stage fails (the error is returned, nothing is retried).
func (x *storageHistogramExEx) Run(ctx context.Context) error {
	for {
		n, err := x.source.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		notificationsTotal.WithLabelValues(kindOf(n)).Inc()
		if err := x.handle(ctx, n); err != nil {
			return err
		}
	}
}

func (x *storageHistogramExEx) handle(ctx context.Context, n Notification) error {
	switch n := n.(type) {
	case ChainCommitted:
		return x.onCommit(ctx, n.New)
	case ChainReverted, ChainReorged:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnknownNotification, n)
	}
}

func (x *storageHistogramExEx) onCommit(ctx context.Context, chain *Chain) error {
	block, accounts, err := extractStateDiff(chain)
	if err != nil {
		reportsTotal.WithLabelValues("error").Inc()
		return err
	}
	report := Report{BlockNumber: block, Histogram: buildHistogram(accounts)}

	start := time.Now()
	if err := x.sink.WriteReport(ctx, report); err != nil {
		reportsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("block %d: %w", block, err)
	}
	reportDuration.Observe(time.Since(start).Seconds())
	reportsTotal.WithLabelValues("ok").Inc()
	reportAccounts.Observe(float64(len(report.Histogram)))
	lastBlock.Set(float64(block))

	x.log.Info("saved storage change histogram", "block", block, "file", reportFileName(x.dir, block), "accounts", len(report.Histogram))
	return nil
}

package main

import (
	"context"

	"github.com/hashicorp/go-multierror"
)

// ReportSink persists the histogram of one block (e.g. CSV file, Postgres).
// Writing the same block twice replaces the earlier report.
type ReportSink interface {
	WriteReport(ctx context.Context, report Report) error
	Close() error
}

// Report holds the storage change histogram of one block.
type Report struct {
	BlockNumber uint64
	Histogram   Histogram
}

// multiSink writes every report to each sink in order and stops at the first failure.
type multiSink []ReportSink

func (m multiSink) WriteReport(ctx context.Context, r Report) error {
	for _, s := range m {
		if err := s.WriteReport(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m multiSink) Close() error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink remembers every report and optionally fails on a given block.
type recordingSink struct {
	reports []Report
	failOn  uint64
	err     error
	closed  bool
}

func (s *recordingSink) WriteReport(ctx context.Context, r Report) error {
	if s.err != nil && r.BlockNumber == s.failOn {
		return s.err
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func (s *recordingSink) blocks() []uint64 {
	var out []uint64
	for _, r := range s.reports {
		out = append(out, r.BlockNumber)
	}
	return out
}

// failingSource returns its items then err.
type failingSource struct {
	sliceSource
	err error
}

func (s *failingSource) Recv(ctx context.Context) (Notification, error) {
	n, err := s.sliceSource.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil, s.err
	}
	return n, err
}

type bogusNotification struct{}

func (bogusNotification) notification() {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExEx(items []Notification, sink ReportSink, dir string) *storageHistogramExEx {
	return newStorageHistogramExEx(&sliceSource{items: items}, sink, dir, discardLogger())
}

func csvFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunMixedStream(t *testing.T) {
	dir := t.TempDir()
	items := []Notification{
		ChainReverted{Old: testChain([]uint64{4}, diff{accountA, 9})},
		ChainCommitted{New: testChain([]uint64{5}, diff{accountX, 1})},
		ChainCommitted{New: testChain([]uint64{6})},
	}
	x := newTestExEx(items, newCSVReportWriter(dir), dir)
	require.NoError(t, x.Run(context.Background()))

	assert.ElementsMatch(t, []string{"block_5_storage_changes.csv", "block_6_storage_changes.csv"}, csvFiles(t, dir))

	h5, err := readReport(filepath.Join(dir, "block_5_storage_changes.csv"))
	require.NoError(t, err)
	assert.Equal(t, Histogram{accountX: 1}, h5)

	raw, err := os.ReadFile(filepath.Join(dir, "block_6_storage_changes.csv"))
	require.NoError(t, err)
	assert.Equal(t, "account,changes\n", string(raw))
}

func TestRunIgnoresNonCommitted(t *testing.T) {
	sink := &recordingSink{}
	items := []Notification{
		ChainReverted{Old: testChain([]uint64{1}, diff{accountA, 1})},
		ChainReorged{Old: testChain([]uint64{1}), New: testChain([]uint64{1}, diff{accountB, 2})},
		ChainReverted{Old: nil},
	}
	require.NoError(t, newTestExEx(items, sink, t.TempDir()).Run(context.Background()))
	assert.Empty(t, sink.reports)
}

func TestRunPreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	var items []Notification
	for _, n := range []uint64{3, 1, 2, 2, 10} {
		items = append(items, ChainCommitted{New: testChain([]uint64{n}, diff{accountA, int(n)})})
	}
	require.NoError(t, newTestExEx(items, sink, t.TempDir()).Run(context.Background()))
	assert.Equal(t, []uint64{3, 1, 2, 2, 10}, sink.blocks())
}

func TestRunSameBlockOverwrites(t *testing.T) {
	dir := t.TempDir()
	items := []Notification{
		ChainCommitted{New: testChain([]uint64{8}, diff{accountA, 2}, diff{accountB, 3})},
		ChainCommitted{New: testChain([]uint64{7, 8}, diff{accountX, 4})},
	}
	require.NoError(t, newTestExEx(items, newCSVReportWriter(dir), dir).Run(context.Background()))

	got, err := readReport(reportFileName(dir, 8))
	require.NoError(t, err)
	assert.Equal(t, Histogram{accountX: 4}, got)
	assert.Len(t, csvFiles(t, dir), 1)
}

func TestRunMissingBlockIsFatal(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	items := []Notification{
		ChainCommitted{New: testChain(nil, diff{accountA, 1})},
		ChainCommitted{New: testChain([]uint64{2}, diff{accountA, 1})},
	}
	err := newTestExEx(items, sink, dir).Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingBlock)
	assert.Empty(t, sink.reports, "processing must stop at the failure")
	assert.Empty(t, csvFiles(t, dir))
}

func TestRunSinkErrorIsFatal(t *testing.T) {
	errDisk := errors.New("disk full")
	sink := &recordingSink{failOn: 2, err: errDisk}
	var items []Notification
	for _, n := range []uint64{1, 2, 3} {
		items = append(items, ChainCommitted{New: testChain([]uint64{n})})
	}
	err := newTestExEx(items, sink, t.TempDir()).Run(context.Background())
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, []uint64{1}, sink.blocks())
}

func TestRunMissingAssetsDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "assets")
	items := []Notification{ChainCommitted{New: testChain([]uint64{1}, diff{accountA, 1})}}
	err := newTestExEx(items, newCSVReportWriter(dir), dir).Run(context.Background())
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRunUpstreamError(t *testing.T) {
	errUpstream := errors.New("node went away")
	sink := &recordingSink{}
	src := &failingSource{
		sliceSource: sliceSource{items: []Notification{ChainCommitted{New: testChain([]uint64{1})}}},
		err:         errUpstream,
	}
	x := newStorageHistogramExEx(src, sink, t.TempDir(), discardLogger())
	assert.ErrorIs(t, x.Run(context.Background()), errUpstream)
	assert.Equal(t, []uint64{1}, sink.blocks())
}

func TestRunUnknownNotification(t *testing.T) {
	sink := &recordingSink{}
	err := newTestExEx([]Notification{bogusNotification{}}, sink, t.TempDir()).Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownNotification)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items := []Notification{ChainCommitted{New: testChain([]uint64{1})}}
	err := newTestExEx(items, &recordingSink{}, t.TempDir()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunFromFeed(t *testing.T) {
	dir := t.TempDir()
	var feed event.FeedOf[Notification]
	src := newFeedSource(&feed, 8)

	feed.Send(ChainReverted{Old: testChain([]uint64{1})})
	feed.Send(ChainCommitted{New: testChain([]uint64{2}, diff{accountA, 2}, diff{accountB, 0})})
	src.Close()

	x := newStorageHistogramExEx(src, newCSVReportWriter(dir), dir, discardLogger())
	require.NoError(t, x.Run(context.Background()))

	got, err := readReport(reportFileName(dir, 2))
	require.NoError(t, err)
	assert.Equal(t, Histogram{accountA: 2, accountB: 0}, got)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "committed", kindOf(ChainCommitted{}))
	assert.Equal(t, "reverted", kindOf(ChainReverted{}))
	assert.Equal(t, "reorged", kindOf(ChainReorged{}))
	assert.Equal(t, "unknown", kindOf(bogusNotification{}))
}

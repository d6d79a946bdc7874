package main

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

var (
	reportHeader = []string{"account", "changes"}

	errBadReport = errors.New("malformed storage change report")
)

// reportFileName is the artifact path for a block: <dir>/block_<n>_storage_changes.csv.
func reportFileName(dir string, block uint64) string {
	return filepath.Join(dir, fmt.Sprintf("block_%d_storage_changes.csv", block))
}

// csvReportWriter writes one CSV file per block into dir. The directory must exist.
type csvReportWriter struct {
	dir string
}

func newCSVReportWriter(dir string) *csvReportWriter {
	return &csvReportWriter{dir: dir}
}

// WriteReport creates or truncates the block's file and returns once it is flushed and closed.
func (w *csvReportWriter) WriteReport(ctx context.Context, r Report) error {
	name := reportFileName(w.dir, r.BlockNumber)
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := writeHistogram(f, r.Histogram); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func (w *csvReportWriter) Close() error { return nil }

// writeHistogram emits the header then one row per account. Accounts are
// lowercase hex without 0x; row order follows map iteration.
func writeHistogram(out io.Writer, h Histogram) error {
	wtr := csv.NewWriter(out)
	if err := wtr.Write(reportHeader); err != nil {
		return err
	}
	for account, changes := range h {
		if err := wtr.Write([]string{hex.EncodeToString(account[:]), strconv.Itoa(changes)}); err != nil {
			return err
		}
	}
	wtr.Flush()
	return wtr.Error()
}

// readReport parses a report file back into a histogram.
func readReport(path string) (Histogram, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseHistogram(f)
}

func parseHistogram(in io.Reader) (Histogram, error) {
	rdr := csv.NewReader(in)
	rdr.FieldsPerRecord = len(reportHeader)

	header, err := rdr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: missing header", errBadReport)
		}
		return nil, err
	}
	if header[0] != reportHeader[0] || header[1] != reportHeader[1] {
		return nil, fmt.Errorf("%w: unexpected header %q", errBadReport, header)
	}
	h := make(Histogram)
	for {
		row, err := rdr.Read()
		if err == io.EOF {
			return h, nil
		}
		if err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(row[0])
		if err != nil || len(raw) != common.AddressLength {
			return nil, fmt.Errorf("%w: bad account %q", errBadReport, row[0])
		}
		changes, err := strconv.Atoi(row[1])
		if err != nil || changes < 0 {
			return nil, fmt.Errorf("%w: bad change count %q", errBadReport, row[1])
		}
		account := common.BytesToAddress(raw)
		if _, dup := h[account]; dup {
			return nil, fmt.Errorf("%w: duplicate account %q", errBadReport, row[0])
		}
		h[account] = changes
	}
}

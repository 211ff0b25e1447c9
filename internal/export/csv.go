// Package export serializes alerts for reporting and archival.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"lolbin-sentinel/internal/alertstore"
)

// csvHeader defines the export column order.
var csvHeader = []string{
	"id",
	"first_seen_at",
	"binary",
	"technique_id",
	"severity",
	"status",
	"repeat_count",
	"sample_command_line",
	"host_id",
}

// WriteCSV writes alerts as CSV, newest first by first_seen_at. Synthetic
// alerts are excluded from exports.
func WriteCSV(w io.Writer, alerts []*alertstore.Alert) error {
	sorted := make([]*alertstore.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Synthetic {
			continue
		}
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].FirstSeenAt.Equal(sorted[j].FirstSeenAt) {
			return sorted[i].FirstSeenAt.After(sorted[j].FirstSeenAt)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, a := range sorted {
		record := []string{
			a.ID.String(),
			a.FirstSeenAt.UTC().Format(time.RFC3339Nano),
			a.Binary,
			a.TechniqueID,
			string(a.Severity),
			string(a.Status),
			strconv.Itoa(a.RepeatCount),
			a.SampleCommandLine,
			a.HostID,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv record %s: %w", a.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

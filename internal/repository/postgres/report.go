package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const (
	ReportEntrySummary    = "entry_summary"
	ReportFailureAnalysis = "failure_analysis"
	ReportHourlyBreakdown = "hourly_breakdown"
	ReportRetryAnalysis   = "retry_analysis"
	ReportOwnerBacklog    = "owner_backlog"
)

type ReportOptions struct {
	ReportType string
	Start      time.Time
	End        time.Time
	Format     string
	OutputPath string
}

// Normalize fills defaults: the last 24 hours, CSV, ./reports.
func (o *ReportOptions) Normalize(now time.Time) error {
	if o.ReportType == "" {
		return errors.New("missing required field: report type")
	}
	if o.OutputPath == "" {
		o.OutputPath = "./reports"
	}
	if o.Format == "" {
		o.Format = "csv"
	}
	if o.End.IsZero() {
		o.End = now
	}
	if o.Start.IsZero() {
		o.Start = o.End.Add(-24 * time.Hour)
	}
	if o.Start.After(o.End) {
		return fmt.Errorf("invalid time range: %s is after %s", o.Start.Format(time.RFC3339), o.End.Format(time.RFC3339))
	}
	return nil
}

type ReportGenerator struct {
	db  *sql.DB
	now func() time.Time
}

func NewReportGenerator(db *sql.DB) *ReportGenerator {
	return &ReportGenerator{db: db, now: time.Now}
}

// report is one named query over the history tables. scan turns the current
// row into a line of output matching header.
type report struct {
	header []string
	query  string
	scan   func(rows *sql.Rows) ([]string, error)
}

var reports = map[string]report{
	ReportEntrySummary: {
		header: []string{"Kind", "Total", "Completed", "Failed", "Pending", "Avg Retries", "Max Retries", "Success Rate (%)"},
		query: `
			SELECT
				kind,
				COUNT(*) AS total_entries,
				COUNT(*) FILTER (WHERE status = 'completed') AS completed,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed,
				COUNT(*) FILTER (WHERE status = 'pending') AS pending,
				AVG(retry_count) AS avg_retries,
				MAX(retry_count) AS max_retries,
				ROUND(100.0 * COUNT(*) FILTER (WHERE status = 'completed') / NULLIF(COUNT(*), 0), 2) AS success_rate
			FROM outbox_history
			WHERE created_at BETWEEN $1 AND $2
			GROUP BY kind
			ORDER BY total_entries DESC
		`,
		scan: func(rows *sql.Rows) ([]string, error) {
			var (
				kind                              string
				total, completed, failed, pending int
				avgRetries, successRate           sql.NullFloat64
				maxRetries                        sql.NullInt64
			)
			if err := rows.Scan(&kind, &total, &completed, &failed, &pending, &avgRetries, &maxRetries, &successRate); err != nil {
				return nil, err
			}
			return []string{
				kind, itoa(total), itoa(completed), itoa(failed), itoa(pending),
				formatFloat(avgRetries, 2), formatInt64(maxRetries), formatFloat(successRate, 2),
			}, nil
		},
	},

	ReportFailureAnalysis: {
		header: []string{"Kind", "Error", "Occurrences", "Last Occurrence", "Avg Retry Count"},
		query: `
			SELECT
				kind,
				LEFT(COALESCE(last_error, 'unknown'), 100) AS error_type,
				COUNT(*) AS occurrences,
				MAX(created_at) AS last_occurrence,
				AVG(retry_count) AS avg_retry_count
			FROM outbox_history
			WHERE created_at BETWEEN $1 AND $2
				AND status = 'failed'
			GROUP BY kind, LEFT(COALESCE(last_error, 'unknown'), 100)
			ORDER BY occurrences DESC
			LIMIT 50
		`,
		scan: func(rows *sql.Rows) ([]string, error) {
			var (
				kind, reason string
				occurrences  int
				last         time.Time
				avgRetries   sql.NullFloat64
			)
			if err := rows.Scan(&kind, &reason, &occurrences, &last, &avgRetries); err != nil {
				return nil, err
			}
			return []string{kind, reason, itoa(occurrences), last.Format(time.DateTime), formatFloat(avgRetries, 2)}, nil
		},
	},

	ReportHourlyBreakdown: {
		header: []string{"Hour", "Attempts", "Completed", "Failed", "Avg Duration (ms)"},
		query: `
			SELECT
				DATE_TRUNC('hour', attempted_at) AS hour,
				COUNT(*) AS attempts,
				COUNT(*) FILTER (WHERE status = 'completed') AS completed,
				COUNT(*) FILTER (WHERE status <> 'completed') AS failed,
				AVG(duration_ms) FILTER (WHERE duration_ms IS NOT NULL) AS avg_duration_ms
			FROM outbox_attempt_log
			WHERE attempted_at BETWEEN $1 AND $2
			GROUP BY DATE_TRUNC('hour', attempted_at)
			ORDER BY hour DESC
		`,
		scan: func(rows *sql.Rows) ([]string, error) {
			var (
				hour                        time.Time
				attempts, completed, failed int
				avgDuration                 sql.NullFloat64
			)
			if err := rows.Scan(&hour, &attempts, &completed, &failed, &avgDuration); err != nil {
				return nil, err
			}
			return []string{hour.Format("2006-01-02 15:00"), itoa(attempts), itoa(completed), itoa(failed), formatFloat(avgDuration, 0)}, nil
		},
	},

	ReportRetryAnalysis: {
		header: []string{"Kind", "Retry Count", "Total", "Eventually Succeeded", "Failed"},
		query: `
			SELECT
				kind,
				retry_count,
				COUNT(*) AS entry_count,
				COUNT(*) FILTER (WHERE status = 'completed') AS eventually_succeeded,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM outbox_history
			WHERE created_at BETWEEN $1 AND $2
				AND retry_count > 0
			GROUP BY kind, retry_count
			ORDER BY kind, retry_count
		`,
		scan: func(rows *sql.Rows) ([]string, error) {
			var (
				kind                              string
				retries, total, succeeded, failed int
			)
			if err := rows.Scan(&kind, &retries, &total, &succeeded, &failed); err != nil {
				return nil, err
			}
			return []string{kind, itoa(retries), itoa(total), itoa(succeeded), itoa(failed)}, nil
		},
	},

	ReportOwnerBacklog: {
		header: []string{"Owner", "Pending", "Failed", "Oldest Pending"},
		query: `
			SELECT
				owner_id,
				COUNT(*) FILTER (WHERE status = 'pending') AS pending,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed,
				MIN(created_at) FILTER (WHERE status = 'pending') AS oldest_pending
			FROM outbox_history
			WHERE created_at BETWEEN $1 AND $2
			GROUP BY owner_id
			HAVING COUNT(*) FILTER (WHERE status IN ('pending', 'failed')) > 0
			ORDER BY pending DESC, failed DESC
		`,
		scan: func(rows *sql.Rows) ([]string, error) {
			var (
				owner           string
				pending, failed int
				oldest          sql.NullTime
			)
			if err := rows.Scan(&owner, &pending, &failed, &oldest); err != nil {
				return nil, err
			}
			var since string
			if oldest.Valid {
				since = oldest.Time.Format(time.DateTime)
			}
			return []string{owner, itoa(pending), itoa(failed), since}, nil
		},
	},
}

// ReportTypes lists the supported report names in a stable order.
func ReportTypes() []string {
	names := make([]string, 0, len(reports))
	for name := range reports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run generates the report described by opts and writes it under
// opts.OutputPath, returning the file written.
func (rg *ReportGenerator) Run(ctx context.Context, opts ReportOptions) (string, error) {
	if err := opts.Normalize(rg.now()); err != nil {
		return "", err
	}

	log.Printf("Generating %s report (format: %s, period: %s to %s)",
		opts.ReportType, opts.Format, opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339))

	data, err := rg.Generate(ctx, opts.ReportType, opts.Start, opts.End)
	if err != nil {
		return "", fmt.Errorf("failed to generate report: %w", err)
	}

	path, err := rg.save(opts, data)
	if err != nil {
		return "", fmt.Errorf("failed to save report: %w", err)
	}

	log.Printf("Report generated successfully: %s (%d rows)", path, len(data)-1)
	return path, nil
}

// Generate returns the report as rows, the first row being the header.
func (rg *ReportGenerator) Generate(ctx context.Context, reportType string, start, end time.Time) ([][]string, error) {
	rep, ok := reports[reportType]
	if !ok {
		return nil, fmt.Errorf("unsupported report type: %s (available: %v)", reportType, ReportTypes())
	}

	rows, err := rg.db.QueryContext(ctx, rep.query, start, end)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Printf("failed to close rows: %v", closeErr)
		}
	}()

	data := [][]string{rep.header}
	for rows.Next() {
		line, err := rep.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		data = append(data, line)
	}
	return data, rows.Err()
}

func itoa(n int) string { return strconv.Itoa(n) }

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return strconv.FormatFloat(val.Float64, 'f', precision, 64)
}

func formatInt64(val sql.NullInt64) string {
	if !val.Valid {
		return "0"
	}
	return strconv.FormatInt(val.Int64, 10)
}

// save encodes data in memory first so a failed encoding leaves no file behind.
func (rg *ReportGenerator) save(opts ReportOptions, data [][]string) (string, error) {
	var buf bytes.Buffer
	switch opts.Format {
	case "csv":
		if err := encodeCSV(&buf, data); err != nil {
			return "", err
		}
	case "json":
		if err := encodeJSON(&buf, data, rg.now()); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("unsupported format: %s", opts.Format)
	}

	if err := os.MkdirAll(opts.OutputPath, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("nexsync_%s_%s.%s", opts.ReportType, rg.now().Format("20060102_150405"), opts.Format)
	path := filepath.Join(opts.OutputPath, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func encodeCSV(w io.Writer, data [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(data); err != nil {
		return err
	}
	return cw.Error()
}

// encodeJSON writes one object per row keyed by the header names.
func encodeJSON(w io.Writer, data [][]string, generatedAt time.Time) error {
	if len(data) < 2 {
		return errors.New("insufficient data for JSON export")
	}

	header := data[0]
	records := make([]map[string]string, 0, len(data)-1)
	for _, row := range data[1:] {
		rec := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"generated_at": generatedAt.Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}

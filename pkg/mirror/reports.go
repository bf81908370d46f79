package mirror

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alimk/ecowatch-sync/pkg/classify"
	"github.com/alimk/ecowatch-sync/pkg/models"
)

// ReportSource lists discharge reports.
type ReportSource interface {
	Reports(ctx context.Context) ([]models.Report, error)
}

// ReportFeed is the fetch function behind the reports poller. Reports are
// kept in server order.
type ReportFeed struct {
	Source ReportSource
}

// Fetch returns the current report list.
func (f ReportFeed) Fetch(ctx context.Context) ([]models.Report, error) {
	return f.Source.Reports(ctx)
}

// FilterReports keeps reports matching severity and created on day, both
// evaluated in loc. An empty or "All" severity and a zero day match
// everything. A nil loc means time.Local.
func FilterReports(reports []models.Report, severity string, day time.Time, loc *time.Location) []models.Report {
	if loc == nil {
		loc = time.Local
	}
	wantSev, filterSev := models.Severity(""), false
	if s := strings.TrimSpace(severity); s != "" && !strings.EqualFold(s, "all") {
		filterSev = true
		if known, ok := classify.Severity(s); ok {
			wantSev = known
		} else {
			wantSev = models.Severity(s)
		}
	}
	var y, d int
	var m time.Month
	if !day.IsZero() {
		y, m, d = day.In(loc).Date()
	}

	out := make([]models.Report, 0, len(reports))
	for _, r := range reports {
		if filterSev {
			got, ok := classify.Severity(string(r.Severity))
			if !ok {
				got = r.Severity
			}
			if got != wantSev {
				continue
			}
		}
		if !day.IsZero() {
			ry, rm, rd := r.CreatedAt.In(loc).Date()
			if ry != y || rm != m || rd != d {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// ExportCSV writes reports with a Location, Description, Severity, Date,
// Time header. Dates and times are rendered in loc (time.Local if nil).
func ExportCSV(w io.Writer, reports []models.Report, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Location", "Description", "Severity", "Date", "Time"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range reports {
		at := r.CreatedAt.In(loc)
		row := []string{r.Location, r.Description, string(r.Severity), at.Format("2006-01-02"), at.Format("15:04:05")}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

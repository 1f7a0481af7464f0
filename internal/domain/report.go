package domain

import (
	"strings"
	"time"
)

// ReportTimeLayout formats the report header timestamp.
const ReportTimeLayout = "02/01/2006 15:04"

// ComposeReport renders verdicts into one outbound message: a header line, a
// blank line, then one line per verdict in input order.
func ComposeReport(verdicts []AlertVerdict, at time.Time) string {
	var b strings.Builder
	b.WriteString("🌧 Dam rainfall report ")
	b.WriteString(at.In(SiteZone).Format(ReportTimeLayout))
	b.WriteString("\n")
	for _, v := range verdicts {
		b.WriteString("\n")
		b.WriteString(v.DisplayText)
	}
	return b.String()
}

// ReportLines returns the per-site lines of a composed report.
func ReportLines(report string) []string {
	_, body, found := strings.Cut(report, "\n\n")
	if !found || body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}

// HasAlertsOrFailures reports whether any verdict is an alert or a failed lookup.
func HasAlertsOrFailures(verdicts []AlertVerdict) bool {
	for _, v := range verdicts {
		if v.IsAlert || v.SkyIcon == "" {
			return true
		}
	}
	return false
}

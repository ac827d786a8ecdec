package reporter

import (
	"sync"
	"time"
)

// Interval is the TLS-RPT aggregation cadence a domain's published record
// requests (RFC 8460 doesn't standardize this negotiation; engines commonly
// default to daily and offer hourly for busy destinations).
type Interval int

const (
	IntervalHourly Interval = iota
	IntervalDaily
	IntervalWeekly
	IntervalNever
)

func (i Interval) duration() time.Duration {
	switch i {
	case IntervalHourly:
		return time.Hour
	case IntervalWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

type window struct {
	report *AggregateReport
	due    time.Time
}

// TLSRPTScheduler coalesces per-domain TLS negotiation outcomes into
// RFC 8460 aggregate reports over a configured interval, per spec.md §4.6
// "schedule_report(event)... coalesces within the interval". Delivering the
// finished report to its RUA targets (mailto/https) is the caller's job;
// this type only owns the coalescing window.
type TLSRPTScheduler struct {
	OrgName     string
	ContactInfo string

	mu      sync.Mutex
	windows map[string]*window
}

// NewTLSRPTScheduler returns an empty scheduler identifying itself as org in
// generated reports.
func NewTLSRPTScheduler(org, contact string) *TLSRPTScheduler {
	return &TLSRPTScheduler{
		OrgName:     org,
		ContactInfo: contact,
		windows:     make(map[string]*window),
	}
}

// AddResult records one delivery attempt's TLS outcome against domain's
// current aggregation window, opening a fresh window if none is active or
// the prior one has expired.
func (s *TLSRPTScheduler) AddResult(now time.Time, interval Interval, policyType PolicyType, domain string, mxHosts []string, success bool, failure FailureDetail) {
	if interval == IntervalNever {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[domain]
	if !ok || now.After(w.due) {
		start := now
		end := start.Add(interval.duration())
		w = &window{
			report: NewAggregateReport(s.OrgName, s.ContactInfo, reportID(domain, start), start, end),
			due:    end,
		}
		s.windows[domain] = w
	}

	w.report.AddResult(policyType, domain, mxHosts, success, failure)
}

// DueReports returns and clears every domain's window whose end has passed,
// ready for RUA delivery.
func (s *TLSRPTScheduler) DueReports(now time.Time) []*AggregateReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*AggregateReport
	for domain, w := range s.windows {
		if !now.Before(w.due) {
			due = append(due, w.report)
			delete(s.windows, domain)
		}
	}
	return due
}

func reportID(domain string, start time.Time) string {
	return domain + "-" + start.UTC().Format("20060102T150405")
}

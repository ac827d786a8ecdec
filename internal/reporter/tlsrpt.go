package reporter

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"time"
)

// ResultType is a TLS-RPT result-type string as defined by RFC 8460 §4.3.
type ResultType string

const (
	ResultSuccess           ResultType = "success"
	ResultStartTLSNotSupported ResultType = "starttls-not-supported"
	ResultCertificateExpired  ResultType = "certificate-expired"
	ResultCertificateHostMismatch ResultType = "certificate-host-mismatch"
	ResultValidationFailure ResultType = "validation-failure"
	ResultSTSPolicyFetchError ResultType = "sts-policy-fetch-error"
	ResultSTSPolicyInvalid   ResultType = "sts-policy-invalid"
	ResultSTSWebPKIInvalid   ResultType = "sts-webpki-invalid"
	ResultDANEError          ResultType = "tlsa-invalid"
	ResultDNSSECInvalid      ResultType = "dnssec-invalid"
)

// PolicyType identifies the kind of policy a TLS-RPT result applies to.
type PolicyType string

const (
	PolicyTypeTLSA   PolicyType = "tlsa"
	PolicyTypeSTS    PolicyType = "sts"
	PolicyTypeNone   PolicyType = "no-policy-found"
)

// FailureDetail is one aggregated failure record within a policy result, per
// RFC 8460 §4.3.
type FailureDetail struct {
	ResultType        ResultType `json:"result-type"`
	SendingMTAIP      string     `json:"sending-mta-ip,omitempty"`
	ReceivingMXHost   string     `json:"receiving-mx-hostname,omitempty"`
	ReceivingIP       string     `json:"receiving-ip,omitempty"`
	FailedSessionCount int       `json:"failed-session-count"`
	AdditionalInfo    string     `json:"additional-information,omitempty"`
	FailureReasonCode string     `json:"failure-reason-code,omitempty"`
}

// PolicyResult is one per-domain policy evaluation summary in a TLS-RPT
// aggregate report.
type PolicyResult struct {
	PolicyType   PolicyType      `json:"policy-type"`
	PolicyDomain string          `json:"policy-domain"`
	PolicyString []string        `json:"policy-string,omitempty"`
	MXHost       []string        `json:"mx-host,omitempty"`
	SuccessCount int             `json:"successful-session-count"`
	FailureCount int             `json:"failure-session-count"`
	FailureDetails []FailureDetail `json:"failure-details,omitempty"`
}

type dateRange struct {
	StartDatetime time.Time `json:"start-datetime"`
	EndDatetime   time.Time `json:"end-datetime"`
}

// AggregateReport is the top-level JSON document of RFC 8460 §4.1.
type AggregateReport struct {
	OrganizationName string         `json:"organization-name"`
	DateRange        dateRange      `json:"date-range"`
	ContactInfo      string         `json:"contact-info"`
	ReportID         string         `json:"report-id"`
	Policies         []PolicyResult `json:"policies"`
}

// NewAggregateReport starts an empty report for the [start,end) window.
func NewAggregateReport(org, contact, reportID string, start, end time.Time) *AggregateReport {
	return &AggregateReport{
		OrganizationName: org,
		ContactInfo:      contact,
		ReportID:         reportID,
		DateRange:        dateRange{StartDatetime: start.UTC(), EndDatetime: end.UTC()},
	}
}

// AddResult merges a delivery-attempt outcome into the report, creating or
// updating the PolicyResult for the domain/policy pair and appending a
// FailureDetail when success is false.
func (r *AggregateReport) AddResult(policyType PolicyType, domain string, mxHosts []string, success bool, failure FailureDetail) {
	for i := range r.Policies {
		p := &r.Policies[i]
		if p.PolicyType != policyType || p.PolicyDomain != domain {
			continue
		}
		if success {
			p.SuccessCount++
		} else {
			p.FailureCount++
			failure.FailedSessionCount = 1
			p.FailureDetails = append(p.FailureDetails, failure)
		}
		return
	}

	p := PolicyResult{
		PolicyType:   policyType,
		PolicyDomain: domain,
		MXHost:       mxHosts,
	}
	if success {
		p.SuccessCount = 1
	} else {
		p.FailureCount = 1
		failure.FailedSessionCount = 1
		p.FailureDetails = append(p.FailureDetails, failure)
	}
	r.Policies = append(r.Policies, p)
}

// MarshalGzipJSON renders the report as gzip-compressed JSON, the wire
// format RFC 8460 §4.1 requires for SMTP/HTTPS submission of TLS-RPT
// reports.
func (r *AggregateReport) MarshalGzipJSON() ([]byte, error) {
	plain, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("tlsrpt: marshal report: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(plain); err != nil {
		return nil, fmt.Errorf("tlsrpt: gzip report: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("tlsrpt: gzip report: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename returns the RFC 8460 §4.1 suggested report filename for the
// given policy domain and UTC date range.
func Filename(policyDomain string, start, end time.Time, uniqueID string) string {
	return fmt.Sprintf("%s!%s!%d!%d.json.gz",
		policyDomain, "outboundd", start.UTC().Unix(), end.UTC().Unix())
}

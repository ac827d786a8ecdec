package worker

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/driftmail/outbound/internal/addrutil"
	"github.com/driftmail/outbound/internal/policy"
	"github.com/driftmail/outbound/internal/policy/mtastscache"
	"github.com/driftmail/outbound/internal/queuemodel"
	"github.com/driftmail/outbound/internal/ratelimit"
	"github.com/driftmail/outbound/internal/reporter"
	"github.com/driftmail/outbound/internal/smtpconn"
	"github.com/driftmail/outbound/internal/xerrors"
)

func boundIPs(addrs []net.IPAddr, max int) []net.IPAddr {
	if max <= 0 || len(addrs) <= max {
		return addrs
	}
	return addrs[:max]
}

// perIPLoop tries each remote IP of one host in turn, per spec.md §4.2
// Phase G. "delivered" means a full EHLO..QUIT sequence ran to completion,
// even if individual recipients were rejected at RCPT/DATA — per Phase G.7
// that still counts as the domain being handled and ends the attempt.
func (d *delivery) perIPLoop(ctx context.Context, domainIdx int, host policy.MXHost, ips []net.IPAddr, mtastsPolicy *mtastscache.Policy, dane *daneInfo, strict bool) (queuemodel.DomainStatus, bool, error) {
	var last queuemodel.DomainStatus

	for _, ip := range ips {
		// G.1: remote-IP throttle breaks to the next domain entirely on
		// denial. Concurrency slots acquired here are held for exactly this
		// IP's connection attempt and released once it concludes.
		var acquired []ratelimit.Rule
		var limitedAt time.Time
		limited := false
		for _, rule := range d.worker.Config.RemoteIPRules {
			err := d.worker.RateLimiter.IsAllowed(rule, ip.String(), d.msg.SpanID.String())
			if err == nil {
				acquired = append(acquired, rule)
				continue
			}
			if rl, ok := err.(*xerrors.RateLimitedError); ok {
				limited = true
				limitedAt = time.Unix(rl.RetryAt, 0)
			}
		}
		if limited {
			for _, rule := range acquired {
				d.worker.RateLimiter.Release(rule, ip.String())
			}
			return queuemodel.DomainStatus{}, false, &errRateLimitedDomain{retryAt: limitedAt}
		}

		status, delivered := d.attemptOneConn(ctx, domainIdx, host, ip, mtastsPolicy, dane, strict)
		for _, rule := range acquired {
			d.worker.RateLimiter.Release(rule, ip.String())
		}
		if delivered {
			return status, true, nil
		}
		last = status
	}

	return last, false, nil
}

func (d *delivery) attemptOneConn(ctx context.Context, domainIdx int, host policy.MXHost, ip net.IPAddr, mtastsPolicy *mtastscache.Policy, dane *daneInfo, strict bool) (queuemodel.DomainStatus, bool) {
	conn := d.worker.NewConn()
	conn.CommandTimeout = d.worker.Config.Timeouts.Command
	conn.ConnectTimeout = d.worker.Config.Timeouts.Connect
	conn.SubmissionTimeout = d.worker.Config.Timeouts.Submission
	conn.Hostname = d.worker.Config.Hostname
	conn.Log = d.log

	useInsecure := d.worker.Config.AllowInvalidCerts || (dane != nil && dane.HasEE)
	tlsConfig := &tls.Config{InsecureSkipVerify: useInsecure, ServerName: host.Host}

	implicitTLS := false // RFC 8689 implicit-TLS relays are out of scope for MX delivery on port 25.
	port := "25"
	if d.worker.Config.RelayPort != "" {
		port = d.worker.Config.RelayPort
	}

	if err := conn.Dial(ctx, ip.String(), port, implicitTLS, tlsConfig); err != nil {
		connMXLevel.WithLabelValues(mxLevel(mtastsPolicy, dane)).Inc()
		return temporaryStatus("connect", err), false
	}
	defer conn.DirectClose()

	if err := conn.Ehlo(ctx); err != nil {
		return temporaryStatus("connect", err), false
	}

	tlsLevel := "plaintext"
	if implicitTLS {
		tlsLevel = "implicit"
	} else if conn.SupportsStartTLS() {
		if err := conn.StartTLS(tlsConfig); err != nil {
			d.emitTLSRPT(d.msg.Domains[domainIdx].Name, []string{host.Host}, tlsrptPolicyType(mtastsPolicy, dane), false, reporter.FailureDetail{
				ResultType:      reporter.ResultCertificateHostMismatch,
				ReceivingMXHost: host.Host,
			})
			if strict {
				return permanentStatus("tls", err), false
			}
			// A non-strict STARTTLS failure is downgraded to temporary
			// so it retries. implicitTLS is always false on this path,
			// so there is no implicit-TLS failure case to treat
			// differently.
			return queuemodel.TemporaryStatus[queuemodel.SMTPResponse, queuemodel.FailureDetail](
				queuemodel.FailureDetail{Reason: "tls", Err: err},
			), false
		}
		tlsLevel = "starttls"

		if dane != nil {
			connState, _ := conn.ConnectionState()
			_, err := policy.VerifyDANE(dane.Records, host.Host, connState)
			if err != nil {
				d.emitTLSRPT(d.msg.Domains[domainIdx].Name, []string{host.Host}, reporter.PolicyTypeTLSA, false, reporter.FailureDetail{
					ResultType:      reporter.ResultDANEError,
					ReceivingMXHost: host.Host,
				})
				if strict {
					return permanentStatus("dane", err), false
				}
			} else {
				d.emitTLSRPT(d.msg.Domains[domainIdx].Name, []string{host.Host}, reporter.PolicyTypeTLSA, true, reporter.FailureDetail{})
			}
		} else if mtastsPolicy != nil {
			d.emitTLSRPT(d.msg.Domains[domainIdx].Name, []string{host.Host}, reporter.PolicyTypeSTS, true, reporter.FailureDetail{})
		}
	} else {
		if strict {
			return permanentStatus("tls_unavailable", nil), false
		}
		if err := conn.SkipTLS(); err != nil {
			return temporaryStatus("connect", err), false
		}
	}
	connTLSLevel.WithLabelValues(tlsLevel).Inc()
	connMXLevel.WithLabelValues(mxLevel(mtastsPolicy, dane)).Inc()

	return d.deliverOverConn(ctx, domainIdx, conn, host)
}

func mxLevel(mtastsPolicy *mtastscache.Policy, dane *daneInfo) string {
	switch {
	case dane != nil:
		return "dane"
	case mtastsPolicy != nil:
		return "mta-sts"
	default:
		return "none"
	}
}

func tlsrptPolicyType(mtastsPolicy *mtastscache.Policy, dane *daneInfo) reporter.PolicyType {
	if dane != nil {
		return reporter.PolicyTypeTLSA
	}
	if mtastsPolicy != nil {
		return reporter.PolicyTypeSTS
	}
	return reporter.PolicyTypeNone
}

// deliverOverConn runs MAIL FROM/RCPT TO/DATA/QUIT, per spec.md §4.2 Phase
// G.6-G.7, and returns the best-effort Domain status. Reaching this point
// always counts as "delivered" for the purposes of the per-host/per-IP
// loops, even when individual recipients are rejected.
func (d *delivery) deliverOverConn(ctx context.Context, domainIdx int, conn *smtpconn.Conn, host policy.MXHost) (queuemodel.DomainStatus, bool) {
	rcptIdxs := d.msg.RecipientsOf(domainIdx)
	utf8 := !addrutil.IsASCII(d.msg.ReturnPath)
	for _, ri := range rcptIdxs {
		if !addrutil.IsASCII(d.msg.Recipients[ri].AddressLower) {
			utf8 = true
		}
	}

	requireTLS := d.msg.Flags.Has(queuemodel.FlagRequireTLS)
	if err := conn.MailFrom(ctx, d.msg.ReturnPath, d.msg.Size, requireTLS, utf8); err != nil {
		return temporaryOrPermanent("mail_from", err), true
	}

	var accepted []int
	for _, ri := range rcptIdxs {
		rcpt := &d.msg.Recipients[ri]
		if rcpt.Status.Terminal() {
			continue
		}
		if err := conn.Rcpt(ctx, rcpt.AddressLower); err != nil {
			rcpt.Status = temporaryOrPermanent("rcpt", err)
			continue
		}
		accepted = append(accepted, ri)
	}

	if len(accepted) == 0 {
		_ = conn.Quit()
		return completedStatus(queuemodel.SMTPResponse{Message: "no recipients accepted"}), true
	}

	rec, err := d.worker.Bodies.Load(ctx, d.msg.QueueID)
	if err != nil {
		return temporaryStatus("body_load", err), true
	}
	rc, err := rec.Body.Open()
	if err != nil {
		return temporaryStatus("body_load", err), true
	}
	defer rc.Close()

	dataErr := conn.Data(ctx, rec.Header, rc)
	finalStatus := completedStatus(queuemodel.SMTPResponse{Message: "250 2.0.0 OK", RemoteMTA: host.Host})
	if dataErr != nil {
		finalStatus = temporaryOrPermanent("data", dataErr)
	}
	for _, ri := range accepted {
		d.msg.Recipients[ri].Status = finalStatus
	}

	_ = conn.Quit()
	return completedStatus(queuemodel.SMTPResponse{Message: "250 2.0.0 OK", RemoteMTA: host.Host}), true
}

func temporaryOrPermanent(reason string, err error) queuemodel.DomainStatus {
	if xerrors.IsTemporaryOrUnspec(err) {
		return temporaryStatus(reason, err)
	}
	return permanentStatus(reason, err)
}

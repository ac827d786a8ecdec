package policy

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/miekg/dns"

	"github.com/driftmail/outbound/internal/xerrors"
)

// verifyDANETime overrides the verification clock in tests.
var verifyDANETime time.Time

// VerifyDANE checks whether the TLSA records looked up for a host require
// TLS use and match the certificate and name presented by the peer, per
// RFC 7672. overridePKIX reports whether DANE authenticates the connection
// even though ordinary PKIX/X.509 verification failed or was skipped.
func VerifyDANE(recs []dns.TLSA, host string, connState tls.ConnectionState) (overridePKIX bool, err error) {
	tlsErr := &xerrors.TLSError{
		Host: host,
		Err:  errDaneTLSRequired,
		Temp: false,
	}

	// Absence of records after a DNSSEC-authenticated denial of existence
	// means DANE does not apply to this host at all.
	if len(recs) == 0 {
		return false, nil
	}

	// RFC 7672 §2.2: TLS is mandatory once any TLSA record exists, even if
	// every record turns out to be unusable.
	if !connState.HandshakeComplete {
		return false, tlsErr
	}

	var eeRecs, taRecs []dns.TLSA
	for _, rec := range recs {
		switch rec.MatchingType {
		case 0, 1, 2:
		default:
			continue
		}
		switch rec.Selector {
		case 0, 1:
		default:
			continue
		}
		switch rec.Usage {
		case 2:
			taRecs = append(taRecs, rec)
		case 3:
			eeRecs = append(eeRecs, rec)
		default:
			continue
		}
	}

	// RFC 7672 §2.1.1: authentication is not required if every record is
	// unusable (unsupported usage/selector/matching-type combination).
	if len(eeRecs) == 0 && len(taRecs) == 0 {
		return false, nil
	}

	for _, rec := range eeRecs {
		if rec.Verify(connState.PeerCertificates[0]) == nil {
			// RFC 7672 §3.1.1: SAN/CN and expiry are not considered for
			// DANE-EE matches.
			return true, nil
		}
	}

	if len(taRecs) == 0 {
		return false, &xerrors.DANEError{Host: host, Reason: "no matching TLSA records", Temp: false}
	}

	opts := x509.VerifyOptions{
		DNSName:       connState.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         x509.NewCertPool(),
		CurrentTime:   verifyDANETime,
	}
	for _, cert := range connState.PeerCertificates {
		root := false
		for _, rec := range taRecs {
			if cert.IsCA && rec.Verify(cert) == nil {
				opts.Roots.AddCert(cert)
				root = true
			}
		}
		if !root {
			opts.Intermediates.AddCert(cert)
		}
	}

	if _, err := connState.PeerCertificates[0].Verify(opts); err == nil {
		return true, nil
	}

	return false, &xerrors.DANEError{Host: host, Reason: "no matching TLSA records", Temp: false}
}

var errDaneTLSRequired = daneTLSRequiredErr{}

type daneTLSRequiredErr struct{}

func (daneTLSRequiredErr) Error() string {
	return "TLS is required but unsupported or failed (enforced by DANE)"
}

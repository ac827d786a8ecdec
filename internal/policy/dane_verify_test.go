package policy

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// These certificates are related like this:
//
//	Root A -> Intermediate A -> Leaf A
//	Root B -> Leaf B
var (
	daneRootA = `-----BEGIN CERTIFICATE-----
MIIBMDCB46ADAgECAhRDwag3n5CG90BEO87zEMAPejn6YTAFBgMrZXAwFjEUMBIG
A1UEAxMLVGVzdCBSb290IEEwHhcNMjAxMTI4MjExODA4WhcNMzAxMTI2MjExODA4
WjAWMRQwEgYDVQQDEwtUZXN0IFJvb3QgQTAqMAUGAytlcAMhADXMzcRec5ocluNR
ExnnNT7I5fmcpjf2P4ik5k0DJNbco0MwQTAPBgNVHRMBAf8EBTADAQH/MA8GA1Ud
DwEB/wQFAwMHBAAwHQYDVR0OBBYEFM5b/b1di1vA+YpMZcsF4K7N1LbaMAUGAytl
cANBAAZ0XTxBDjN9VGPqWjXrYqGPUqbjm4JD3PeHUB4YGH+MNTgeVIlU8qCLIXtM
9kmAkCk7+j5G8p0gMjJMNygeuwE=
-----END CERTIFICATE-----`
	daneIntermediateA = `-----BEGIN CERTIFICATE-----
MIIBWjCCAQygAwIBAgIUEOd619/8HC1pWXxaEpQ1vUZOe7wwBQYDK2VwMBYxFDAS
BgNVBAMTC1Rlc3QgUm9vdCBBMB4XDTIwMTEyODIxMTk0M1oXDTMwMTEyNjIxMTk0
M1owHjEcMBoGA1UEAxMTVGVzdCBJbnRlcm1lZGlhdGUgQTAqMAUGAytlcAMhAFgW
aZz5316olEIHn1Q4RTPd2u/EjN2bo+Cn3EmSlFxto2QwYjAPBgNVHRMBAf8EBTAD
AQH/MA8GA1UdDwEB/wQFAwMHBAAwHQYDVR0OBBYEFB0P00Qphygy+KgkI9tjihFD
ELxhMB8GA1UdIwQYMBaAFM5b/b1di1vA+YpMZcsF4K7N1LbaMAUGAytlcANBAJJH
zsS8ahEjdyRCNUlsPalZiKW8N3G0LnwdVKFhVfcCT+RTRcrMP7vjuWsbJyD5e7hu
z2eCI68xreLQlNySdQ0=
-----END CERTIFICATE-----`
	daneLeafA = `-----BEGIN CERTIFICATE-----
MIIBjzCCAUGgAwIBAgIUONvbCs6r9zKFM3IAPRMdrNiJpNgwBQYDK2VwMB4xHDAa
BgNVBAMTE1Rlc3QgSW50ZXJtZWRpYXRlIEEwHhcNMjAxMTI4MjEyMTIyWhcNMzAx
MTI2MjEyMTIyWjAWMRQwEgYDVQQDEwtUZXN0IExlYWYgQTAqMAUGAytlcAMhABIj
W7gwY78RCWHs9eSIdy4x4MXjzdhZwgNSNHHCp5pAo4GYMIGVMAwGA1UdEwEB/wQC
MAAwHQYDVR0lBBYwFAYIKwYBBQUHAwIGCCsGAQUFBwMBMBUGA1UdEQQOMAyCCm1h
ZGR5LnRlc3QwDwYDVR0PAQH/BAUDAweAADAdBgNVHQ4EFgQU9PFQCnG5fNpNPXUT
8rCuylS6tVwwHwYDVR0jBBgwFoAUHQ/TRCmHKDL4qCQj22OKEUMQvGEwBQYDK2Vw
A0EAGdvHA4VLxpUeUu1Vjom2YX3MukPJG0a3/dB3HiAWWpxMgWfU+Ftie7noaNcI
oUW+M8my46dqN6oXSHU47/QjDg==
-----END CERTIFICATE-----`
	daneRootB = `-----BEGIN CERTIFICATE-----
MIIBMDCB46ADAgECAhRXD7xuPkipDyxyCtm8pZaxhuulaDAFBgMrZXAwFjEUMBIG
A1UEAxMLVGVzdCBSb290IEIwHhcNMjAxMTI4MjExODMwWhcNMzAxMTI2MjExODMw
WjAWMRQwEgYDVQQDEwtUZXN0IFJvb3QgQjAqMAUGAytlcAMhAPOIGJJh5jK8N/Vc
lLrFpysV+SiZjT1Cmt7hoFtMrlbTo0MwQTAPBgNVHRMBAf8EBTADAQH/MA8GA1Ud
DwEB/wQFAwMHBAAwHQYDVR0OBBYEFOLGYf4mkhKbZPwZKCv952tfz/KDMAUGAytl
cANBAOX2gb6ud8CAvOsCgw6uaRm0+jMDVZfkAkNuCIO6cJ/WYfdvuXYXu3e88SuI
gri++h118PomIzJ5PHAaCYsFPgQ=
-----END CERTIFICATE-----`
	daneLeafB = `-----BEGIN CERTIFICATE-----
MIIBhzCCATmgAwIBAgIUR2bVQ/Cu4j7Td5TdbWd6Q0LEpOgwBQYDK2VwMBYxFDAS
BgNVBAMTC1Rlc3QgUm9vdCBCMB4XDTIwMTEyODIxMjE0M1oXDTMwMTEyNjIxMjE0
M1owFjEUMBIGA1UEAxMLVGVzdCBMZWFmIEIwKjAFBgMrZXADIQBiHCTUxF3UxPIV
M/o5OkTtmUrI7AInOvMa0dchU4iJXqOBmDCBlTAMBgNVHRMBAf8EAjAAMB0GA1Ud
JQQWMBQGCCsGAQUFBwMCBggrBgEFBQcDATAVBgNVHREEDjAMggptYWRkeS50ZXN0
MA8GA1UdDwEB/wQFAwMHgAAwHQYDVR0OBBYEFPYZPubaAXyr6kXs3khqpMNfdHKK
MB8GA1UdIwQYMBaAFOLGYf4mkhKbZPwZKCv952tfz/KDMAUGAytlcANBABlOwVxE
h7vYmaMYoyOSF1GQiB0ZLsGUjrTNHDnv0+Xp8xG5Td5mGnBi/4Ehq39PdLrj2T7j
3Xy0aiqdDomvwQY=
-----END CERTIFICATE-----`
)

func parseDANETestCert(blob string) *x509.Certificate {
	block, _ := pem.Decode([]byte(blob))
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		panic(err)
	}
	return cert
}

func daneTestTLSA(usage, matchType, selector uint8, cert string) dns.TLSA {
	return dns.TLSA{
		Hdr: dns.RR_Header{
			Name:   "mx.example.test.",
			Class:  dns.ClassINET,
			Rrtype: dns.TypeTLSA,
			Ttl:    9999,
		},
		Usage:        usage,
		MatchingType: matchType,
		Selector:     selector,
		Certificate:  cert,
	}
}

func daneTestKeySHA256(blob string) string {
	cert := parseDANETestCert(blob)
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}

func TestVerifyDANE(t *testing.T) {
	verifyDANETime = time.Unix(1606600100, 0)
	const host = "mx.example.test"

	test := func(name string, recs []dns.TLSA, connState tls.ConnectionState, expectErr bool) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			t.Helper()
			_, err := VerifyDANE(recs, host, connState)
			if (err != nil) != expectErr {
				t.Error("err:", err, "expectErr:", expectErr)
			}
		})
	}

	// RFC 7672 §2.2: an "insecure" TLSA RRset, or a DNSSEC-authenticated
	// denial of existence of the TLSA records, means opportunistic TLS
	// applies and DANE does not override anything.
	test("no TLSA, TLS", []dns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: true,
	}, false)
	test("no TLSA, no TLS", []dns.TLSA{}, tls.ConnectionState{
		HandshakeComplete: false,
	}, false)

	// RFC 7672 §2.2: a "secure" non-empty TLSA RRset where every record is
	// unusable still mandates TLS, but authentication is not required.
	test("unusable TLSA, TLS", []dns.TLSA{
		daneTestTLSA(4, 1, 2, "whatever"),
		daneTestTLSA(4, 5, 2, "whatever"),
		daneTestTLSA(4, 1, 1, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parseDANETestCert(daneLeafA)},
	}, false)
	test("unusable TLSA, no TLS", []dns.TLSA{
		daneTestTLSA(4, 1, 2, "whatever"),
	}, tls.ConnectionState{
		HandshakeComplete: false,
	}, true)

	// RFC 7672 §2.2: a "secure" TLSA RRset with at least one usable record
	// requires TLS and authentication via DANE-EE or DANE-TA matching.
	test("DANE-EE, non-self-signed", []dns.TLSA{
		daneTestTLSA(3, 1, 1, daneTestKeySHA256(daneLeafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parseDANETestCert(daneLeafA)},
	}, false)
	test("DANE-EE, multiple records", []dns.TLSA{
		daneTestTLSA(3, 1, 1, daneTestKeySHA256(daneLeafB)),
		daneTestTLSA(3, 1, 1, daneTestKeySHA256(daneLeafA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parseDANETestCert(daneLeafA)},
	}, false)
	test("DANE-EE, self-signed", []dns.TLSA{
		daneTestTLSA(3, 1, 1, daneTestKeySHA256(daneRootA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parseDANETestCert(daneRootA)},
	}, false)
	test("DANE-TA, intermediate TA", []dns.TLSA{
		daneTestTLSA(2, 1, 1, daneTestKeySHA256(daneIntermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			parseDANETestCert(daneLeafA),
			parseDANETestCert(daneIntermediateA),
			parseDANETestCert(daneRootA),
		},
	}, false)
	test("DANE-TA, intermediate TA, mismatch", []dns.TLSA{
		daneTestTLSA(2, 1, 1, daneTestKeySHA256(daneIntermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			parseDANETestCert(daneLeafB),
			parseDANETestCert(daneRootB),
		},
	}, true)
	test("DANE-TA, intermediate TA, multiple records", []dns.TLSA{
		daneTestTLSA(2, 1, 1, daneTestKeySHA256(daneRootB)),
		daneTestTLSA(2, 1, 1, daneTestKeySHA256(daneIntermediateA)),
		// Added twice to confirm that multiple records matching the same
		// certificate do not break anything.
		daneTestTLSA(2, 1, 1, daneTestKeySHA256(daneIntermediateA)),
	}, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates: []*x509.Certificate{
			parseDANETestCert(daneLeafA),
			parseDANETestCert(daneIntermediateA),
			parseDANETestCert(daneRootA),
		},
	}, false)
}

func TestVerifyDANEEERecordMismatch(t *testing.T) {
	verifyDANETime = time.Unix(1606600100, 0)
	const host = "mx.example.test"

	overridePKIX, err := VerifyDANE([]dns.TLSA{
		daneTestTLSA(3, 1, 1, daneTestKeySHA256(daneLeafB)),
	}, host, tls.ConnectionState{
		HandshakeComplete: true,
		PeerCertificates:  []*x509.Certificate{parseDANETestCert(daneLeafA)},
	})
	if err == nil {
		t.Fatal("expected an error when the only DANE-EE record does not match the presented leaf certificate")
	}
	if overridePKIX {
		t.Fatal("overridePKIX should be false when DANE verification failed")
	}
}

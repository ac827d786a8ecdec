// Package config holds the Delivery Worker's tunables. Configuration
// loading itself is out of scope per spec.md §1 ("so are configuration
// loading ... treated as external collaborators"); unlike the teacher's
// framework/config DSL, this is a plain struct the caller populates
// (flags, environment, whatever cmd/outboundd chooses), not a parser.
package config

import (
	"time"

	"github.com/driftmail/outbound/internal/ratelimit"
	"github.com/driftmail/outbound/internal/reporter"
	"github.com/driftmail/outbound/internal/retry"
)

// TLSRequirement is one axis of a TlsStrategy triple, per spec.md §4.2
// Phase E.5.
type TLSRequirement int

const (
	TLSDisabled TLSRequirement = iota
	TLSOptional
	TLSRequired
)

func (r TLSRequirement) Required() bool { return r == TLSRequired }

// RelayProtocolSMTP is Config.RelayProtocol's default: the relay host is
// dialed like any other MX, per spec.md §4.2 Phase E.2. Any other value
// names a protocol the Worker's LocalDeliverer collaborator understands
// (e.g. "lmtp", "maildir") and is never dialed over SMTP. The empty string
// (Config{}'s zero value) is treated the same as RelayProtocolSMTP.
const RelayProtocolSMTP = "smtp"

// TLSStrategy is the (mta_sts, dane, tls) triple computed per domain.
type TLSStrategy struct {
	MTASTS TLSRequirement
	DANE   TLSRequirement
	TLS    TLSRequirement
}

// IsTLSRequired reports whether any axis of the strategy mandates TLS,
// feeding the is_strict_tls derivation in Phase G.
func (s TLSStrategy) IsTLSRequired() bool {
	return s.MTASTS == TLSRequired || s.DANE == TLSRequired || s.TLS == TLSRequired
}

// Timeouts bundles the per-phase timeouts §4.4 says are "mutable between
// phases" on the FSM.
type Timeouts struct {
	Connect    time.Duration
	Greeting   time.Duration
	TLS        time.Duration
	Command    time.Duration
	Submission time.Duration
}

// Config is the Delivery Worker's full set of tunables for one deployment.
type Config struct {
	// Hostname is sent as the EHLO argument and as Reporting-MTA in DSNs.
	Hostname string

	// Schedule is the Retry Scheduler's configured duration vector, §4.7.
	Schedule retry.Schedule

	Timeouts Timeouts

	// MaxMX bounds the remote-host list per domain, §4.2 Phase E.4.
	MaxMX int
	// MaxMultihomed bounds the per-host IP list, §4.2 Phase F.
	MaxMultihomed int

	// DefaultTLSStrategy is applied to every domain; there is no
	// per-domain override. A message with FlagRequireTLS has the TLS axis
	// raised to TLSRequired for its attempt.
	DefaultTLSStrategy TLSStrategy

	// TryMTASTS and TryTLSRPT gate Phase E.5/E.6's policy/TXT fetches.
	TryMTASTS bool
	TryTLSRPT bool
	// TLSRPTInterval is the aggregation cadence passed to the Reporter.
	// reporter.IntervalNever turns off TLS-RPT recording and the Phase E.6
	// TXT record fetch.
	TLSRPTInterval reporter.Interval

	// AllowInvalidCerts disables PKI verification across the board,
	// §4.2 Phase G.3.
	AllowInvalidCerts bool

	// RelayHost, if non-empty, overrides MX resolution for every domain,
	// §4.2 Phase E.2.
	RelayHost string
	RelayPort string

	// RelayProtocol says how to reach RelayHost: RelayProtocolSMTP (the
	// zero value) dials it like any other remote host through Phase F/G;
	// any other value is handed to the Worker's LocalDeliverer instead of
	// ever being dialed.
	RelayProtocol string

	// SenderRules / RecipientDomainRules / RemoteIPRules are the three
	// rate-limiter scopes Phase D/E.1/G.1 evaluate.
	SenderRules          []ratelimit.Rule
	RecipientDomainRules []ratelimit.Rule
	RemoteIPRules        []ratelimit.Rule

	// TLSRPTOrgName / TLSRPTContact identify this engine in aggregate
	// reports.
	TLSRPTOrgName  string
	TLSRPTContact  string

	// MaxRecipientsPerDomain is not read by the Worker: every pending
	// recipient of a domain is sent over a single connection, whatever
	// this value is.
	MaxRecipientsPerDomain int
}

// Default returns a Config with the values spec.md names as defaults:
// max_mx=5, max_multihomed=2, and a schedule resembling the teacher's own
// exponential backoff envelope but expressed as an explicit vector per
// §4.7.
func Default() Config {
	return Config{
		Hostname: "localhost.localdomain",
		Schedule: retry.Schedule{
			2 * time.Minute,
			10 * time.Minute,
			time.Hour,
			6 * time.Hour,
			24 * time.Hour,
		},
		Timeouts: Timeouts{
			Connect:    5 * time.Minute,
			Greeting:   5 * time.Minute,
			TLS:        2 * time.Minute,
			Command:    5 * time.Minute,
			Submission: 12 * time.Minute,
		},
		MaxMX:         5,
		MaxMultihomed: 2,
		DefaultTLSStrategy: TLSStrategy{
			MTASTS: TLSOptional,
			DANE:   TLSOptional,
			TLS:    TLSOptional,
		},
		TryMTASTS:      true,
		TryTLSRPT:      true,
		TLSRPTInterval: reporter.IntervalDaily,
		TLSRPTOrgName:  "outboundd",
	}
}

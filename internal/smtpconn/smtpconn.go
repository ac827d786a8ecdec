// Package smtpconn implements the outbound SMTP client state machine: an
// explicit sequence of phases (Fresh, Greeted, Ehlo, StartTLS,
// EhloAfterTLS, MailFrom, Rcpt, Data, Quit) built on top of
// github.com/emersion/go-smtp's Client.
//
// Unlike a single monolithic Connect() call, each phase is exposed as its
// own method so the delivery worker can run policy checks (MTA-STS, DANE,
// REQUIRETLS) between the TCP handshake and STARTTLS, and again between
// STARTTLS and MAIL FROM.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/driftmail/outbound/internal/addrutil"
	"github.com/driftmail/outbound/internal/log"
	"github.com/driftmail/outbound/internal/xerrors"
)

// State identifies where in the session lifecycle a Conn currently sits.
// Methods on Conn check the current State and reject calls made out of
// order, so a worker that gets the phase sequence wrong fails fast instead
// of sending a command the remote server doesn't expect.
type State int

const (
	Fresh State = iota
	Greeted
	EhloDone
	TLSDone
	EhloAfterTLSDone
	MailFromDone
	RcptDone
	DataDone
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Greeted:
		return "greeted"
	case EhloDone:
		return "ehlo"
	case TLSDone:
		return "starttls"
	case EhloAfterTLSDone:
		return "ehlo-after-tls"
	case MailFromDone:
		return "mail-from"
	case RcptDone:
		return "rcpt"
	case DataDone:
		return "data"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var errWrongState = errors.New("smtpconn: method called out of phase sequence")

// Conn is one outbound SMTP session. It is not safe for concurrent use and
// is not reusable once Close/DirectClose has run.
type Conn struct {
	// Dialer establishes the raw network connection. Defaults to
	// net.Dialer.DialContext.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// CommandTimeout bounds EHLO/MAIL/RCPT/DATA/STARTTLS round-trips.
	CommandTimeout time.Duration
	// ConnectTimeout bounds the initial TCP/TLS handshake.
	ConnectTimeout time.Duration
	// SubmissionTimeout bounds the final dot of DATA.
	SubmissionTimeout time.Duration

	// Hostname is sent as the EHLO argument. Expected in A-label form.
	Hostname string

	Log log.Logger

	// AddrInSMTPMsg includes the remote server address in wrapped SMTP
	// status messages, in the form "ADDRESS said: ...".
	AddrInSMTPMsg bool

	state      State
	host       string
	port       string
	conn       net.Conn
	cl         *smtp.Client
	usedTLS    bool
	rcpts      []string
}

// New returns a Conn with the field defaults the teacher's wrapper used.
func New() *Conn {
	return &Conn{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		Hostname:          "localhost.localdomain",
		state:             Fresh,
	}
}

// State returns the current phase.
func (c *Conn) State() State { return c.state }

func (c *Conn) requireState(want State) error {
	if c.state != want {
		return fmt.Errorf("%w: have %s, want %s", errWrongState, c.state, want)
	}
	return nil
}

// Dial opens the TCP connection to host:port. If implicitTLS is true the
// connection is wrapped in TLS immediately (the "Implicit TLS"/SMTPS case);
// otherwise the session starts in cleartext and StartTLS may be called
// later.
func (c *Conn) Dial(ctx context.Context, host, port string, implicitTLS bool, tlsConfig *tls.Config) error {
	if err := c.requireState(Fresh); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, "tcp", net.JoinHostPort(host, port))
	cancel()
	if err != nil {
		return c.wrapClientErr(err, host)
	}

	if implicitTLS {
		cfg := tlsConfig.Clone()
		cfg.ServerName = host
		conn = tls.Client(conn, cfg)
		c.usedTLS = true
	}

	c.conn = conn
	c.host = host
	c.port = port
	c.state = Greeted
	return nil
}

// Ehlo sends EHLO (falling back to HELO internally via go-smtp) and
// advances to EhloDone.
func (c *Conn) Ehlo(ctx context.Context) error {
	if err := c.requireState(Greeted); err != nil {
		return err
	}

	cl, err := smtp.NewClient(c.conn, c.host)
	if err != nil {
		c.conn.Close()
		return c.wrapClientErr(err, c.host)
	}
	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return c.wrapClientErr(err, c.host)
	}

	c.cl = cl
	c.state = EhloDone
	return nil
}

// SupportsStartTLS reports whether the remote peer advertised STARTTLS in
// its EHLO response.
func (c *Conn) SupportsStartTLS() bool {
	if c.cl == nil {
		return false
	}
	ok, _ := c.cl.Extension("STARTTLS")
	return ok
}

// StartTLS issues STARTTLS and, on success, re-issues EHLO over the
// encrypted channel as RFC 3207 requires.
func (c *Conn) StartTLS(tlsConfig *tls.Config) error {
	if err := c.requireState(EhloDone); err != nil {
		return err
	}

	cfg := tlsConfig.Clone()
	cfg.ServerName = c.host
	if err := c.cl.StartTLS(cfg); err != nil {
		// The handshake may have failed after modifying the connection
		// state; try a clean QUIT but don't surface its error, the
		// STARTTLS failure is the one that matters.
		if qerr := c.cl.Quit(); qerr != nil {
			c.cl.Close()
		}
		return &xerrors.TLSError{Host: c.host, Err: err, Temp: true}
	}

	c.usedTLS = true
	c.state = TLSDone
	return c.ehloAfterTLS()
}

func (c *Conn) ehloAfterTLS() error {
	if err := c.cl.Hello(c.Hostname); err != nil {
		return c.wrapClientErr(err, c.host)
	}
	c.state = EhloAfterTLSDone
	return nil
}

// SkipTLS advances straight from EhloDone to the post-TLS-phase state
// without negotiating STARTTLS, for policies that tolerate cleartext.
func (c *Conn) SkipTLS() error {
	if err := c.requireState(EhloDone); err != nil {
		return err
	}
	c.state = EhloAfterTLSDone
	return nil
}

// UsedTLS reports whether the session is now running over TLS (implicit or
// via STARTTLS).
func (c *Conn) UsedTLS() bool { return c.usedTLS }

// ConnectionState exposes the underlying tls.ConnectionState for DANE/MTA-STS
// certificate checks. Only valid once UsedTLS() is true.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	if c.cl != nil {
		return c.cl.TLSConnectionState()
	}
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}

// MailFrom sends MAIL FROM. SIZE and REQUIRETLS are forwarded as-is; if the
// remote server lacks SMTPUTF8 support and utf8 is requested, the sender
// address is converted to ASCII or the call fails.
func (c *Conn) MailFrom(ctx context.Context, from string, size int64, requireTLS, utf8 bool) error {
	if c.state != EhloAfterTLSDone && c.state != EhloDone {
		return fmt.Errorf("%w: have %s, want %s or %s", errWrongState, c.state, EhloAfterTLSDone, EhloDone)
	}

	opts := smtp.MailOptions{Size: size, RequireTLS: requireTLS}

	if utf8 {
		if ok, _ := c.cl.Extension("SMTPUTF8"); ok {
			opts.UTF8 = true
		} else {
			converted, err := addrutil.ToASCII(from)
			if err != nil {
				return &xerrors.SMTPProtocolError{
					Code: 550, Enhanced: [3]int{5, 6, 7},
					Message: "SMTPUTF8 is unsupported, cannot convert sender address",
					RemoteMTA: c.host,
				}
			}
			from = converted
		}
	}

	if err := c.cl.Mail(from, &opts); err != nil {
		return c.wrapClientErr(err, c.host)
	}

	c.state = MailFromDone
	return nil
}

// Rcpt sends RCPT TO for one recipient. Accepted recipients accumulate and
// are retrievable via Rcpts.
func (c *Conn) Rcpt(ctx context.Context, to string) error {
	if c.state != MailFromDone && c.state != RcptDone {
		return fmt.Errorf("%w: have %s, want %s", errWrongState, c.state, MailFromDone)
	}

	if ok, _ := c.cl.Extension("SMTPUTF8"); !ok && !addrutil.IsASCII(to) {
		converted, err := addrutil.ToASCII(to)
		if err != nil {
			return &xerrors.SMTPProtocolError{
				Code: 553, Enhanced: [3]int{5, 6, 7},
				Message: "SMTPUTF8 is unsupported, cannot convert recipient address",
				RemoteMTA: c.host,
			}
		}
		to = converted
	}

	if err := c.cl.Rcpt(to); err != nil {
		return c.wrapClientErr(err, c.host)
	}

	c.rcpts = append(c.rcpts, to)
	c.state = RcptDone
	return nil
}

// Rcpts returns the recipients accepted so far.
func (c *Conn) Rcpts() []string { return c.rcpts }

// Host returns the remote hostname this Conn is talking to.
func (c *Conn) Host() string { return c.host }

// Data sends the DATA command followed by the header and body, terminating
// with the final dot. If it fails, the connection is left in an unclean
// state and must not be reused.
func (c *Conn) Data(ctx context.Context, hdr textproto.Header, body io.Reader) error {
	if err := c.requireState(RcptDone); err != nil {
		return err
	}

	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err, c.host)
	}
	if err := textproto.WriteHeader(wc, hdr); err != nil {
		return c.wrapClientErr(err, c.host)
	}
	if _, err := io.Copy(wc, body); err != nil {
		return c.wrapClientErr(err, c.host)
	}
	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err, c.host)
	}

	c.state = DataDone
	return nil
}

// Quit sends QUIT and closes the connection; on error it closes the raw
// connection directly instead.
func (c *Conn) Quit() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, c.host))
		c.cl.Close()
	}
	c.cl = nil
	c.state = Closed
	return nil
}

// DirectClose closes the underlying connection without attempting QUIT, for
// use after a protocol error has left the session unrecoverable.
func (c *Conn) DirectClose() {
	if c.cl != nil {
		c.cl.Close()
		c.cl = nil
	} else if c.conn != nil {
		c.conn.Close()
	}
	c.state = Closed
}

func (c *Conn) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	switch e := err.(type) {
	case *xerrors.TLSError:
		return e
	case *xerrors.SMTPProtocolError:
		return e
	case *smtp.SMTPError:
		msg := e.Message
		if c.AddrInSMTPMsg {
			msg = serverName + " said: " + e.Message
		}
		code := e.Code
		enh := e.EnhancedCode
		if code == 552 {
			// RFC 5321 §4.5.3.1.10: a size-exceeded 552 on RCPT/DATA is
			// better treated as a transient 452 by the retry scheduler.
			code = 452
			enh[0] = 4
		}
		return &xerrors.SMTPProtocolError{
			Code:      code,
			Enhanced:  [3]int{enh[0], enh[1], enh[2]},
			Message:   msg,
			RemoteMTA: serverName,
		}
	case *net.OpError:
		if dnsErr, ok := e.Err.(*net.DNSError); ok {
			return &xerrors.DNSError{
				Op:   e.Op,
				Name: dnsErr.Name,
				Err:  dnsErr,
				Temp: dnsErr.IsTimeout || dnsErr.IsTemporary,
			}
		}
		return &xerrors.ConnectionError{Host: serverName, Port: c.port, Err: e}
	default:
		return xerrors.WithFields(err, map[string]interface{}{"remote_server": serverName})
	}
}

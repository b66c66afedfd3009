// Package directory implements the LDAP endpoint and the LDAP change-feed
// subscriber.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-ldap/ldap/v3"

	"github.com/INLOpen/nexussync/core"
)

// Conn is the part of *ldap.Conn the endpoint uses.
type Conn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchAsync(ctx context.Context, req *ldap.SearchRequest, bufferSize int) ldap.Response
	Add(req *ldap.AddRequest) error
	Modify(req *ldap.ModifyRequest) error
	Del(req *ldap.DelRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Close() error
}

type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// DialOptions describes how to reach and authenticate to a server.
type DialOptions struct {
	URL      string
	BindDN   string
	Password string
	StartTLS bool
}

// Dial connects, optionally upgrades with StartTLS, and binds.
func Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Host == "" {
		return nil, core.NewConfigurationError("directory", "invalid ldap url %q", opts.URL)
	}

	conn, err := ldap.DialURL(opts.URL)
	if err != nil {
		return nil, unavailable(opts.URL, "dial", err)
	}
	if opts.StartTLS {
		if err := conn.StartTLS(&tls.Config{ServerName: u.Hostname()}); err != nil {
			conn.Close()
			return nil, unavailable(opts.URL, "starttls", err)
		}
	}
	if opts.BindDN != "" {
		if err := conn.Bind(opts.BindDN, opts.Password); err != nil {
			conn.Close()
			return nil, unavailable(opts.URL, "bind", err)
		}
	}
	return ldapConn{conn}, nil
}

// isUnavailable reports errors that mean the server cannot be used right
// now, as opposed to an answer about the data.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ldap.IsErrorAnyOf(err,
		ldap.ErrorNetwork,
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultTimeLimitExceeded,
	)
}

func unavailable(endpoint, op string, err error) error {
	return &core.BackendUnavailableError{Endpoint: endpoint, Op: op, Err: err}
}

// classify wraps err as a BackendUnavailableError when it is one.
func classify(endpoint, op string, err error) error {
	if isUnavailable(err) {
		return unavailable(endpoint, op, err)
	}
	return fmt.Errorf("ldap %s: %w", op, err)
}

func isNoSuchObject(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject)
}

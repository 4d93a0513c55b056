package postbox

import (
	"errors"
	"io"
	"net"
)

type (
	// Conn is the connection surface a [Session] needs. *net.TCPConn
	// implements it; tests use a scripted mock.
	Conn interface {
		io.ReadWriteCloser
		RemoteAddr() net.Addr
	}

	// Authorizer validates credentials against an identity backend.
	//
	// The backend's own protocol (directory lookup, TLS, caching) is
	// entirely its business: the session only asks whether the pair
	// is valid.
	Authorizer interface {
		Authenticate(user, pass string) bool
	}

	// AuthorizerFunc adapts a plain function to an [Authorizer].
	AuthorizerFunc func(user, pass string) bool
)

func (f AuthorizerFunc) Authenticate(user, pass string) bool {
	return f(user, pass)
}

var (
	ErrNoSuchMessage = errors.New("no such message")
	ErrEmptyMailbox  = errors.New("mailbox is empty")
	ErrLineTooLong   = errors.New("input line too long")
	ErrBodyTooLong   = errors.New("message body too long")
)

var (
	// sanity check if intefaces are properly implemented
	_ Authorizer = (*AllowAllAuthorizer)(nil)
	_ Authorizer = (*DenyAllAuthorizer)(nil)
	_ Authorizer = (AuthorizerFunc)(nil)
)

// AllowAllAuthorizer is a trivial implementation of [Authorizer]
// which allows any user with any credentials.
type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authenticate(user, pass string) bool {
	return true
}

// DenyAllAuthorizer is a trivial implementation of [Authorizer]
// which rejects every credential pair.
type DenyAllAuthorizer struct{}

func (DenyAllAuthorizer) Authenticate(user, pass string) bool {
	return false
}

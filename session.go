package postbox

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
)

const (
	welcomeBanner = "Welcome! Please enter your commands...\n"

	okResponse  = "OK\n"
	errResponse = "ERR\n"

	maxUsernameLen = 8
	maxPasswordLen = 80

	// maxLineLength bounds buffered-but-incomplete input so a peer
	// that never sends a newline cannot grow the session's memory.
	maxLineLength = 4096

	// maxBodyLines bounds a SEND body that never reaches its "."
	// terminator.
	maxBodyLines = 10000

	bodyTerminator = "."
)

type (
	// Session serves one client connection: it reassembles newline
	// delimited input, walks the authentication state machine and
	// routes commands to the store and the access control layer.
	//
	// It is used internally by [Server] but you can use it for
	// building your own server.
	Session struct {
		conn   Conn
		store  *Store
		locks  *LockRegistry
		access *AccessControl
		auth   Authorizer

		r      *bufio.Reader
		origin string
		state  sessionState
		user   string
	}
)

func NewSession(c Conn, store *Store, locks *LockRegistry, access *AccessControl, auth Authorizer) *Session {
	return &Session{
		conn:   c,
		store:  store,
		locks:  locks,
		access: access,
		auth:   auth,
		r:      bufio.NewReader(c),
		origin: originAddr(c),
		state:  unauthenticatedState,
	}
}

// originAddr reduces the peer address to the host part, which is the
// unit of ban tracking.
func originAddr(c Conn) string {
	addr := c.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Serve is the main loop which reads commands and writes responses.
//
// It returns a non-nil error only for transport-level failures
// (including [ErrLineTooLong]); store and authorization failures are
// reported to the client as ERR and the session continues. A clean
// QUIT returns nil. Serve does not close the connection, that is the
// caller's job.
func (s *Session) Serve() error {
	if err := s.write(welcomeBanner); err != nil {
		return err
	}

	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				s.writeResponse(false)
			}
			return err
		}
		log.Printf("%s: command %q", s.origin, line)

		if line == quitCmd {
			// Closing the socket is the acknowledgment.
			return nil
		}
		if !commandValidInState(line, s.state) {
			if err := s.writeResponse(false); err != nil {
				return err
			}
			continue
		}

		switch line {
		case loginCmd:
			err = s.handleLogin()
		case sendCmd:
			err = s.handleSend()
		case listCmd:
			err = s.handleList()
		case readCmd:
			err = s.handleRead()
		case delCmd:
			err = s.handleDel()
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleLogin() error {
	user, err := s.readArg()
	if err != nil {
		return err
	}
	pass, err := s.readArg()
	if err != nil {
		return err
	}

	// Oversized or malformed credentials are refused before any
	// backend is consulted; the session keeps its previous state.
	if !validMailboxName(user) || len(user) > maxUsernameLen ||
		pass == "" || len(pass) > maxPasswordLen {
		return s.writeResponse(false)
	}

	// Banned origins are rejected before credential verification so
	// the response does not leak whether the credentials were valid.
	if s.access.CheckBanned(s.origin) {
		log.Printf("%s: login refused, origin is banned", s.origin)
		s.logout()
		return s.writeResponse(false)
	}

	if !s.auth.Authenticate(user, pass) {
		if err := s.access.RecordFailure(s.origin); err != nil {
			log.Printf("%s: recording login failure: %v", s.origin, err)
		}
		s.logout()
		return s.writeResponse(false)
	}
	s.access.RecordSuccess(s.origin)

	if err := s.store.EnsureMailbox(user); err != nil {
		log.Printf("%s: %v", s.origin, err)
		s.logout()
		return s.writeResponse(false)
	}

	// A repeated LOGIN simply rebinds the session to the new user.
	s.user = user
	s.state = authenticatedState
	return s.writeResponse(true)
}

// logout drops the session back to the unauthenticated state. A
// completed but failed re-login does not keep the old identity.
func (s *Session) logout() {
	s.user = ""
	s.state = unauthenticatedState
}

func (s *Session) handleSend() error {
	receiver, err := s.readArg()
	if err != nil {
		return err
	}
	subject, err := s.readArg()
	if err != nil {
		return err
	}

	var body []string
	for {
		line, err := s.readArg()
		if err != nil {
			return err
		}
		if line == bodyTerminator {
			break
		}
		if len(body) >= maxBodyLines {
			s.writeResponse(false)
			return ErrBodyTooLong
		}
		body = append(body, line)
	}

	if !validMailboxName(receiver) || subject == "" || len(body) == 0 {
		return s.writeResponse(false)
	}

	if err := s.store.EnsureMailbox(receiver); err != nil {
		log.Printf("%s: %v", s.origin, err)
		return s.writeResponse(false)
	}

	mu := s.locks.Acquire(receiver)
	mu.Lock()
	err = s.store.Append(receiver, s.user, subject, body)
	mu.Unlock()
	if err != nil {
		log.Printf("%s: %v", s.origin, err)
		return s.writeResponse(false)
	}
	return s.writeResponse(true)
}

func (s *Session) handleList() error {
	mu := s.locks.Acquire(s.user)
	mu.Lock()
	subjects, err := s.store.List(s.user)
	mu.Unlock()
	if err != nil {
		log.Printf("%s: %v", s.origin, err)
		return s.writeResponse(false)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Number of emails: %d\n", len(subjects))
	for i, subject := range subjects {
		fmt.Fprintf(&b, "%d: %s\n", i+1, subject)
	}
	return s.write(b.String())
}

func (s *Session) handleRead() error {
	arg, err := s.readArg()
	if err != nil {
		return err
	}
	index, ok := parseIndex(arg)
	if !ok {
		return s.writeResponse(false)
	}

	mu := s.locks.Acquire(s.user)
	mu.Lock()
	text, err := s.store.Read(s.user, index)
	mu.Unlock()
	if err != nil {
		log.Printf("%s: %v", s.origin, err)
		return s.writeResponse(false)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return s.write(text)
}

func (s *Session) handleDel() error {
	arg, err := s.readArg()
	if err != nil {
		return err
	}
	index, ok := parseIndex(arg)
	if !ok {
		return s.writeResponse(false)
	}

	mu := s.locks.Acquire(s.user)
	mu.Lock()
	err = s.store.Delete(s.user, index)
	mu.Unlock()
	if err != nil {
		log.Printf("%s: %v", s.origin, err)
		return s.writeResponse(false)
	}
	return s.writeResponse(true)
}

// readLine reassembles one newline-terminated line, buffering across
// however many reads the transport needs. The trailing newline (and
// an optional carriage return) is stripped.
func (s *Session) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := s.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineLength {
			return "", ErrLineTooLong
		}
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// readArg reads one argument line of a command. A missing line aborts
// the command: the client gets an ERR (best effort) and the transport
// error ends the session.
func (s *Session) readArg() (string, error) {
	line, err := s.readLine()
	if err != nil {
		s.writeResponse(false)
		return "", err
	}
	return line, nil
}

func (s *Session) write(text string) error {
	_, err := s.conn.Write([]byte(text))
	return err
}

func (s *Session) writeResponse(ok bool) error {
	if ok {
		return s.write(okResponse)
	}
	return s.write(errResponse)
}

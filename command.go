package postbox

import (
	"strconv"
	"strings"
)

// Command keywords. Each keyword arrives on its own line; any
// arguments follow on the next lines. Keywords are case sensitive.
const (
	loginCmd = "LOGIN"
	sendCmd  = "SEND"
	listCmd  = "LIST"
	readCmd  = "READ"
	delCmd   = "DEL"
	quitCmd  = "QUIT"
)

var (
	validWhenUnauthenticated = map[string]bool{
		loginCmd: true,
		quitCmd:  true,
	}

	validWhenAuthenticated = map[string]bool{
		loginCmd: true,
		sendCmd:  true,
		listCmd:  true,
		readCmd:  true,
		delCmd:   true,
		quitCmd:  true,
	}
)

type sessionState int

const (
	unauthenticatedState sessionState = iota
	authenticatedState
)

func commandValidInState(name string, state sessionState) bool {
	switch state {
	case unauthenticatedState:
		return validWhenUnauthenticated[name]
	case authenticatedState:
		return validWhenAuthenticated[name]
	}
	return false
}

// parseIndex parses a 1-based message number argument.
func parseIndex(line string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// validMailboxName reports whether name is safe to use as a mailbox
// directory name. Usernames double as path components, so anything
// that could escape the spool directory is refused.
func validMailboxName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return false
	}
	return true
}

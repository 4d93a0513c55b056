package postbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	senderPrefix  = "Sender: "
	subjectPrefix = "Subject: "
	messageMarker = "Message:"
)

// Store is a file-backed message store. Every mailbox is a directory
// under the spool root, every message a file named by a random UUID.
//
// Store does not serialize access to individual mailboxes: callers
// hold the mailbox's lock from a [LockRegistry] around every call for
// that mailbox. Mailbox creation has its own internal lock so that
// concurrent first deliveries to one user cannot race.
type Store struct {
	root  string
	dirMu sync.Mutex
}

// NewStore opens (and if needed creates) the spool directory.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &Store{root: root}, nil
}

// EnsureMailbox creates the mailbox directory for user if it does not
// exist. Calling it for an existing mailbox is a no-op.
func (st *Store) EnsureMailbox(user string) error {
	if !validMailboxName(user) {
		return fmt.Errorf("invalid mailbox name %q", user)
	}
	st.dirMu.Lock()
	defer st.dirMu.Unlock()
	if err := os.MkdirAll(st.mailboxPath(user), 0o700); err != nil {
		return fmt.Errorf("create mailbox %q: %w", user, err)
	}
	return nil
}

// Append stores a new message in user's mailbox. The message is
// written to a hidden temporary file first and renamed into place, so
// readers never observe a partial message. On failure no file remains.
func (st *Store) Append(user, sender, subject string, body []string) error {
	dir := st.mailboxPath(user)

	f, err := os.CreateTemp(dir, ".msg-*")
	if err != nil {
		return fmt.Errorf("create message file: %w", err)
	}
	tmp := f.Name()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s%s\n", senderPrefix, sender)
	fmt.Fprintf(w, "%s%s\n", subjectPrefix, subject)
	fmt.Fprintln(w, messageMarker)
	for _, line := range body {
		fmt.Fprintln(w, line)
	}

	err = w.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(dir, uuid.NewString()))
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// List enumerates user's mailbox and returns the stored subject lines
// in enumeration order. Index i+1 addresses subjects[i] in a
// subsequent Read or Delete, as long as the mailbox is unchanged in
// between. An empty mailbox yields an empty list, not an error.
func (st *Store) List(user string) ([]string, error) {
	names, err := st.enumerate(user)
	if err != nil {
		return nil, err
	}

	subjects := make([]string, 0, len(names))
	for _, name := range names {
		subject, err := readSubject(filepath.Join(st.mailboxPath(user), name))
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

// Read returns the stored text of message number index (1-based).
func (st *Store) Read(user string, index int) (string, error) {
	path, err := st.resolve(user, index)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	return string(data), nil
}

// Delete removes message number index (1-based) from user's mailbox.
func (st *Store) Delete(user string, index int) error {
	path, err := st.resolve(user, index)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (st *Store) mailboxPath(user string) string {
	return filepath.Join(st.root, user)
}

// enumerate returns the message file names of user's mailbox sorted
// by name. Directory order is not a stable contract, so indices are
// always assigned against the sorted listing: they only move when the
// mailbox itself changes, not with filesystem internals.
func (st *Store) enumerate(user string) ([]string, error) {
	entries, err := os.ReadDir(st.mailboxPath(user))
	if err != nil {
		return nil, fmt.Errorf("list mailbox %q: %w", user, err)
	}

	// os.ReadDir sorts by filename already; keep regular,
	// non-hidden entries (temp files are dot-prefixed).
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (st *Store) resolve(user string, index int) (string, error) {
	names, err := st.enumerate(user)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrEmptyMailbox
	}
	if index < 1 || index > len(names) {
		return "", ErrNoSuchMessage
	}
	return filepath.Join(st.mailboxPath(user), names[index-1]), nil
}

// readSubject extracts the subject from a stored message, which keeps
// it on the second line after the "Subject: " prefix.
func readSubject(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open message: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var line string
	for i := 0; i < 2 && scanner.Scan(); i++ {
		line = scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read message: %w", err)
	}
	if subject, ok := strings.CutPrefix(line, subjectPrefix); ok {
		return subject, nil
	}
	return line, nil
}

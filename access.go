package postbox

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
)

// banThreshold is the number of consecutive failed logins from one
// origin before it is banned.
const banThreshold = 3

// AccessControl tracks failed logins per origin address and keeps a
// persisted ban list.
//
// Failure counters live in memory only and reset on restart; the ban
// list is an append-only file, one origin per line, loaded once at
// construction and kept in sync with every ban.
type AccessControl struct {
	mu       sync.Mutex
	path     string
	banned   map[string]struct{}
	failures map[string]int
}

// NewAccessControl loads the ban list from path, creating the file
// if it does not exist yet.
func NewAccessControl(path string) (*AccessControl, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ban list: %w", err)
	}
	defer f.Close()

	banned := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		origin := strings.TrimSpace(scanner.Text())
		if origin != "" {
			banned[origin] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ban list: %w", err)
	}

	return &AccessControl{
		path:     path,
		banned:   banned,
		failures: make(map[string]int),
	}, nil
}

// CheckBanned reports whether origin is on the ban list.
func (a *AccessControl) CheckBanned(origin string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.banned[origin]
	return ok
}

// RecordFailure counts one failed login for origin. Reaching the
// threshold appends origin to the ban file, adds it to the in-memory
// set and drops its counter.
func (a *AccessControl) RecordFailure(origin string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.failures[origin]++
	if a.failures[origin] < banThreshold {
		return nil
	}

	delete(a.failures, origin)
	if err := a.appendLocked(origin); err != nil {
		return err
	}
	a.banned[origin] = struct{}{}
	return nil
}

// RecordSuccess clears the failure counter for origin.
func (a *AccessControl) RecordSuccess(origin string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, origin)
}

func (a *AccessControl) appendLocked(origin string) error {
	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open ban list: %w", err)
	}
	_, werr := fmt.Fprintln(f, origin)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append ban list: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("append ban list: %w", cerr)
	}
	return nil
}

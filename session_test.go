package postbox_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"postbox"
	"postbox/internal/mocks"
)

type SessionTestSuite struct {
	suite.Suite

	spool   string
	banFile string
	store   *postbox.Store
	locks   *postbox.LockRegistry
	access  *postbox.AccessControl

	authCalls int
}

func (suite *SessionTestSuite) SetupTest() {
	dir := suite.T().TempDir()
	suite.spool = filepath.Join(dir, "spool")
	suite.banFile = filepath.Join(dir, "banned.txt")

	var err error
	suite.store, err = postbox.NewStore(suite.spool)
	require.NoError(suite.T(), err)
	suite.access, err = postbox.NewAccessControl(suite.banFile)
	require.NoError(suite.T(), err)
	suite.locks = postbox.NewLockRegistry()
	suite.authCalls = 0
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

// run serves one scripted session against the suite's shared store
// and access control. Each chunk is delivered by a separate Read, so
// a chunk may hold a fragment of a line or several whole lines.
func (suite *SessionTestSuite) run(chunks ...string) (*mocks.ConnMock, error) {
	auth := postbox.AuthorizerFunc(func(user, pass string) bool {
		suite.authCalls++
		return pass == "secret"
	})
	conn := mocks.NewConnMock(chunks...)
	session := postbox.NewSession(conn, suite.store, suite.locks, suite.access, auth)
	err := session.Serve()

	// skip the welcome banner, tests care about responses
	suite.Require().Equal("Welcome! Please enter your commands...\n", conn.NextWrittenLine())
	return conn, err
}

func (suite *SessionTestSuite) TestQuit() {
	conn, err := suite.run("QUIT\n")

	assert.NoError(suite.T(), err)
	assert.Empty(suite.T(), conn.NextWrittenLine())
}

func (suite *SessionTestSuite) TestCommandBeforeLoginRejected() {
	conn, err := suite.run("LIST\n", "QUIT\n")

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())

	// nothing was mutated
	entries, readErr := os.ReadDir(suite.spool)
	require.NoError(suite.T(), readErr)
	assert.Empty(suite.T(), entries)
}

func (suite *SessionTestSuite) TestUnknownCommand() {
	conn, err := suite.run("NOOP\n", "QUIT\n")

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
}

func (suite *SessionTestSuite) TestLoginSuccess() {
	conn, err := suite.run("LOGIN\nalice\nsecret\nQUIT\n")

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.DirExists(suite.T(), filepath.Join(suite.spool, "alice"))
}

func (suite *SessionTestSuite) TestLoginSplitAcrossReads() {
	conn, err := suite.run("LOG", "IN\nali", "ce\nsec", "ret\nQUI", "T\n")

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
}

func (suite *SessionTestSuite) TestLoginWrongPassword() {
	conn, err := suite.run("LOGIN\nalice\nwrong\nQUIT\n")

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.False(suite.T(), suite.access.CheckBanned("192.0.2.1"))
}

func (suite *SessionTestSuite) TestLoginMissingPassword() {
	conn, err := suite.run("LOGIN\nalice\n")

	assert.ErrorIs(suite.T(), err, io.EOF)
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
}

func (suite *SessionTestSuite) TestLoginOversizedUsername() {
	conn, err := suite.run("LOGIN\nalexander9\nsecret\nQUIT\n")

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.Zero(suite.T(), suite.authCalls)
}

func (suite *SessionTestSuite) TestBanAfterThreeFailures() {
	for i := 0; i < 3; i++ {
		conn, err := suite.run("LOGIN\nalice\nwrong\nQUIT\n")
		assert.NoError(suite.T(), err)
		assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	}
	assert.True(suite.T(), suite.access.CheckBanned("192.0.2.1"))
	assert.Equal(suite.T(), 3, suite.authCalls)

	// correct credentials are refused before they are even checked
	conn, err := suite.run("LOGIN\nalice\nsecret\nQUIT\n")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), 3, suite.authCalls)

	data, readErr := os.ReadFile(suite.banFile)
	require.NoError(suite.T(), readErr)
	assert.Contains(suite.T(), string(data), "192.0.2.1\n")
}

func (suite *SessionTestSuite) TestFailedReloginDropsIdentity() {
	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"LOGIN\nbob\nwrong\n",
		"LIST\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine()) // no longer logged in
}

func (suite *SessionTestSuite) TestSendDeliversMessage() {
	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"SEND\nbob\nHello\nline one\nline two\n.\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())

	entries, readErr := os.ReadDir(filepath.Join(suite.spool, "bob"))
	require.NoError(suite.T(), readErr)
	require.Len(suite.T(), entries, 1)

	data, readErr := os.ReadFile(filepath.Join(suite.spool, "bob", entries[0].Name()))
	require.NoError(suite.T(), readErr)
	assert.Equal(suite.T(),
		"Sender: alice\nSubject: Hello\nMessage:\nline one\nline two\n",
		string(data))
}

func (suite *SessionTestSuite) TestSendEmptyBody() {
	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"SEND\nbob\nHello\n.\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.NoDirExists(suite.T(), filepath.Join(suite.spool, "bob"))
}

func (suite *SessionTestSuite) TestSendEmptySubject() {
	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"SEND\nbob\n\nbody\n.\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.NoDirExists(suite.T(), filepath.Join(suite.spool, "bob"))
}

func (suite *SessionTestSuite) TestSendUnterminatedBody() {
	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"SEND\nbob\nHello\nline one\n",
	)

	assert.ErrorIs(suite.T(), err, io.EOF)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.NoDirExists(suite.T(), filepath.Join(suite.spool, "bob"))
}

func (suite *SessionTestSuite) TestListReadDelete() {
	require.NoError(suite.T(), suite.store.EnsureMailbox("bob"))
	require.NoError(suite.T(), suite.store.Append("bob", "alice", "First", []string{"one"}))
	require.NoError(suite.T(), suite.store.Append("bob", "carol", "Second", []string{"two"}))

	conn, err := suite.run(
		"LOGIN\nbob\nsecret\n",
		"READ\n1\n",
		"DEL\n1\n",
		"LIST\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())

	// READ returns the stored text of the first listed message
	assert.True(suite.T(), strings.HasPrefix(conn.NextWrittenLine(), "Sender: "))
	firstSubject := strings.TrimPrefix(strings.TrimSuffix(conn.NextWrittenLine(), "\n"), "Subject: ")
	conn.NextWrittenLine() // Message:
	conn.NextWrittenLine() // body line

	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine()) // DEL

	assert.Equal(suite.T(), "Number of emails: 1\n", conn.NextWrittenLine())
	remaining := conn.NextWrittenLine()
	assert.True(suite.T(), remaining == "1: First\n" || remaining == "1: Second\n")
	assert.NotEqual(suite.T(), "1: "+firstSubject+"\n", remaining)
}

func (suite *SessionTestSuite) TestListEmptyMailbox() {
	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"LIST\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "Number of emails: 0\n", conn.NextWrittenLine())
	assert.Empty(suite.T(), conn.NextWrittenLine())
}

func (suite *SessionTestSuite) TestReadOutOfRange() {
	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"READ\n5\n",
		"READ\n0\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
}

func (suite *SessionTestSuite) TestDeleteOutOfRangeLeavesMailbox() {
	require.NoError(suite.T(), suite.store.EnsureMailbox("alice"))
	require.NoError(suite.T(), suite.store.Append("alice", "bob", "Hi", []string{"x"}))

	conn, err := suite.run(
		"LOGIN\nalice\nsecret\n",
		"DEL\n2\n",
		"LIST\n",
		"QUIT\n",
	)

	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "OK\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "ERR\n", conn.NextWrittenLine())
	assert.Equal(suite.T(), "Number of emails: 1\n", conn.NextWrittenLine())
}

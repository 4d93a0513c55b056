package mocks

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
)

// ConnMock is a scripted connection: Read serves the entries of
// ChunksToRead one by one (an entry may be a fragment of a line, or
// several lines, to exercise reassembly across reads), Write collects
// everything the session sends.
type ConnMock struct {
	w  *bytes.Buffer
	bw *bufio.Reader

	ChunksToRead []string
	Closed       bool
	Err          error
	Addr         net.Addr
}

func NewConnMock(chunks ...string) *ConnMock {
	writeBuffer := bytes.NewBuffer(nil)
	return &ConnMock{
		w:            writeBuffer,
		bw:           bufio.NewReader(writeBuffer),
		ChunksToRead: chunks,
		Err:          io.EOF,
		Addr:         &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000},
	}
}

func (m *ConnMock) Read(p []byte) (n int, err error) {
	if m.Closed {
		return 0, io.EOF
	}
	if len(m.ChunksToRead) == 0 {
		return 0, m.Err
	}
	n = copy(p, m.ChunksToRead[0])
	if n == len(m.ChunksToRead[0]) {
		m.ChunksToRead = m.ChunksToRead[1:]
	} else {
		m.ChunksToRead[0] = m.ChunksToRead[0][n:]
	}
	return n, nil
}

func (m *ConnMock) Write(p []byte) (n int, err error) {
	return m.w.Write(p)
}

func (m *ConnMock) Close() error {
	if m.Closed {
		return fmt.Errorf("already closed")
	}
	m.Closed = true
	return nil
}

func (m *ConnMock) RemoteAddr() net.Addr {
	return m.Addr
}

func (m *ConnMock) NextWrittenLine() string {
	line := &strings.Builder{}
	for {
		lineFragment, err := m.bw.ReadString('\n')
		line.WriteString(lineFragment)
		if len(lineFragment) > 0 && lineFragment[len(lineFragment)-1] == '\n' {
			break
		}
		if err != nil || err != bufio.ErrBufferFull {
			break
		}
	}
	return line.String()
}

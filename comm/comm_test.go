package comm_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/octsync/comm"
)

// upperServer replies to every \r terminated line with its upper case
func upperServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				rd := bufio.NewReader(conn)
				for {
					line, err := rd.ReadString('\r')
					if err != nil {
						return
					}
					conn.Write([]byte(strings.ToUpper(line)))
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestLinkTCP(t *testing.T) {
	addr := upperServer(t)
	l := comm.NewLink(addr, comm.TCPDialer(addr, time.Second))
	if err := l.Open(); err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	for _, cmd := range []string{"run", "halt"} {
		resp, err := l.SendRecv([]byte(cmd))
		if err != nil {
			t.Fatal(err)
		}
		if string(resp) != strings.ToUpper(cmd) {
			t.Errorf("expected %q, got %q", strings.ToUpper(cmd), resp)
		}
	}
}

func TestLinkClosed(t *testing.T) {
	l := comm.NewLink("nowhere", nil)
	if _, err := l.SendRecv([]byte("RUN")); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("closing a closed link should succeed, got %v", err)
	}
}

func TestLinkOpenRetries(t *testing.T) {
	tries := 0
	client, server := net.Pipe()
	defer server.Close()
	dial := func() (io.ReadWriteCloser, error) {
		tries++
		if tries < 3 {
			return nil, errors.New("port busy")
		}
		return client, nil
	}
	l := comm.NewLink("pipe", dial)
	if err := l.Open(); err != nil {
		t.Fatal(err)
	}
	if tries != 3 {
		t.Errorf("expected 3 attempts, got %d", tries)
	}
	if !l.Connected() {
		t.Error("link not connected")
	}
	l.Close()
}

func TestLinkOpenGivesUp(t *testing.T) {
	dial := func() (io.ReadWriteCloser, error) {
		return nil, errors.New("no such port")
	}
	l := comm.NewLink("/dev/ttyUSB9", dial)
	l.Patience = 100 * time.Millisecond
	err := l.Open()
	if err == nil || !strings.Contains(err.Error(), "/dev/ttyUSB9") {
		t.Errorf("expected a connect error naming the port, got %v", err)
	}
}

func TestLinkTruncatedReply(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		rd := bufio.NewReader(server)
		rd.ReadString('\r')
		server.Write([]byte("O"))
		server.Close()
	}()
	l := comm.NewLink("pipe", func() (io.ReadWriteCloser, error) { return client, nil })
	l.Open()
	if _, err := l.SendRecv([]byte("RUN")); !errors.Is(err, comm.ErrTerminatorNotFound) {
		t.Errorf("expected ErrTerminatorNotFound, got %v", err)
	}
}

package driver

import (
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"goflare.io/asyncpg/config"
	"goflare.io/asyncpg/reactor"
)

// fakeServer drives the backend half of a net.Pipe connection using
// pgproto3.Backend, so driver tests exercise the real wire framing without
// a live PostgreSQL instance.
type fakeServer struct {
	t       *testing.T
	backend *pgproto3.Backend
	conn    net.Conn
}

func newFakeServer(t *testing.T, serverConn net.Conn) *fakeServer {
	backend := pgproto3.NewBackend(serverConn, serverConn)
	return &fakeServer{t: t, backend: backend, conn: serverConn}
}

// handshake consumes the StartupMessage and answers with AuthenticationOk,
// one ParameterStatus line, BackendKeyData, and ReadyForQuery.
func (s *fakeServer) handshake() {
	t := s.t
	t.Helper()
	_, err := s.backend.ReceiveStartupMessage()
	if err != nil {
		t.Fatalf("receive startup: %v", err)
	}
	s.backend.Send(&pgproto3.AuthenticationOk{})
	s.backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"})
	s.backend.Send(&pgproto3.BackendKeyData{ProcessID: 1, SecretKey: 2})
	s.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := s.backend.Flush(); err != nil {
		t.Fatalf("flush startup response: %v", err)
	}
}

// receive reads one frontend message, failing the test on error.
func (s *fakeServer) receive() pgproto3.FrontendMessage {
	s.t.Helper()
	msg, err := s.backend.Receive()
	if err != nil {
		s.t.Fatalf("receive: %v", err)
	}
	return msg
}

// answerRow answers a simple Parse/Bind/Describe/Execute[/Sync]
// sequence with a one-column, one-row result equal to value, ending with
// CommandComplete and, if sync, ReadyForQuery.
func (s *fakeServer) answerRow(colName string, value string, sync bool) {
	s.t.Helper()
	s.expectExtendedQuery()
	s.backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: []byte(colName), DataTypeOID: 25, TypeModifier: -1, DataTypeSize: -1},
	}})
	s.backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte(value)}})
	s.backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
	if sync {
		s.expectSyncAndRespond()
	}
	if err := s.backend.Flush(); err != nil {
		s.t.Fatalf("flush: %v", err)
	}
}

// expectExtendedQuery drains Parse, Bind, Describe, Execute and answers the
// handshake-y ParseComplete/BindComplete pair.
func (s *fakeServer) expectExtendedQuery() {
	s.t.Helper()
	for {
		msg := s.receive()
		switch msg.(type) {
		case *pgproto3.Parse:
			s.backend.Send(&pgproto3.ParseComplete{})
		case *pgproto3.Bind:
			s.backend.Send(&pgproto3.BindComplete{})
		case *pgproto3.Describe:
			// answered alongside the row description the caller sends next
		case *pgproto3.Execute:
			return
		default:
			s.t.Fatalf("unexpected message in extended query: %T", msg)
		}
	}
}

func (s *fakeServer) expectSyncAndRespond() {
	s.t.Helper()
	msg := s.receive()
	if _, ok := msg.(*pgproto3.Sync); !ok {
		s.t.Fatalf("expected Sync, got %T", msg)
	}
	s.backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

func (s *fakeServer) answerError(message string, sync bool) {
	s.t.Helper()
	s.expectExtendedQuery()
	s.backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42601", Message: message})
	if sync {
		s.expectSyncAndRespond()
	}
	if err := s.backend.Flush(); err != nil {
		s.t.Fatalf("flush: %v", err)
	}
}

// newConnectedDriver dials a net.Pipe, starts the driver against the
// client half, and runs the handshake against the server half returning
// both once the driver reports Connected.
func newConnectedDriver(t *testing.T) (*Driver, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	server := newFakeServer(t, serverConn)

	dialed := make(chan struct{})
	drv := New(Options{
		Dial: func() (net.Conn, error) {
			close(dialed)
			return clientConn, nil
		},
		Config:  config.Config{User: "test", Database: "test"},
		Reactor: reactor.NewLoop(64),
	})

	go server.handshake()

	connected := make(chan struct{})
	drv.OnStateChanged(nil, func(s State, msg string) {
		if s == Connected {
			select {
			case <-connected:
			default:
				close(connected)
			}
		}
	})
	drv.Open()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Connected")
	}
	return drv, server
}

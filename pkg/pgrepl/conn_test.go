package pgrepl

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

// serverSendAuthOkAndReady reads the client's StartupMessage and then writes
// the minimal startup response sequence a trust-authenticated backend
// sends: AuthenticationOk, a ParameterStatus message, BackendKeyData,
// ReadyForQuery.
func serverSendAuthOkAndReady(t *testing.T, conn net.Conn, serverVersion string) {
	t.Helper()
	if _, err := pgproto.ReadStartupFrame(pgproto.NewReadBuffer(conn)); err != nil {
		return
	}
	wb := pgproto.NewWriteBuffer(conn)

	var authBody pgproto.WriteBuffer
	authBody.WriteU32BE(0)
	pgproto.WriteFrame(wb, pgproto.TagAuthentication, authBody.Bytes())

	var paramBody pgproto.WriteBuffer
	paramBody.WriteCString("server_version")
	paramBody.WriteCString(serverVersion)
	pgproto.WriteFrame(wb, pgproto.TagParameterStatus, paramBody.Bytes())

	var keyBody pgproto.WriteBuffer
	keyBody.WriteU32BE(1234)
	keyBody.WriteU32BE(5678)
	pgproto.WriteFrame(wb, pgproto.TagBackendKeyData, keyBody.Bytes())

	pgproto.WriteFrame(wb, pgproto.TagReadyForQuery, []byte{'I'})
	_ = wb.Flush()
}

func dialPipe(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	client, server = net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestConnectTrustAuth(t *testing.T) {
	client, server := dialPipe(t)

	go func() {
		serverSendAuthOkAndReady(t, server, "16.3")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, client, StartupParams{"user": "postgres", "replication": "database"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.Params["server_version"] != "16.3" {
		t.Fatalf("server_version = %q", conn.Params["server_version"])
	}
	if conn.Params.ServerVersion() != 16 {
		t.Fatalf("ServerVersion() = %d, want 16", conn.Params.ServerVersion())
	}
	if conn.BackendPID != 1234 {
		t.Fatalf("BackendPID = %d, want 1234", conn.BackendPID)
	}
}

func TestServerParamsServerVersion(t *testing.T) {
	tests := map[string]int{
		"16.3":       16,
		"9.6.24":     9,
		"":           0,
		"12beta1":    12,
		"14devel":    14,
	}
	for in, want := range tests {
		p := ServerParams{"server_version": in}
		if got := p.ServerVersion(); got != want {
			t.Fatalf("ServerVersion(%q) = %d, want %d", in, got, want)
		}
	}
}

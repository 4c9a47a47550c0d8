package pgrepl

import (
	"fmt"

	"github.com/jfoltran/pgmigrator/pkg/pgproto"
)

// Authenticator answers an AuthenticationRequest during startup (C3).
// SCRAM-SHA-256 and MD5 challenge/response are out of scope: pgrepl targets
// clusters reachable over trust, peer, or an already-terminated TLS tunnel,
// matching how the rest of this tool's pooled connections are configured.
type Authenticator interface {
	// Respond is called once the server's AuthenticationRequest sub-type is
	// known. For AuthenticationOk (authType 0) Respond is not called at all.
	Respond(authType int32, body []byte) (response []byte, err error)
}

// TrustAuthenticator satisfies AuthenticationCleartextPassword by sending a
// fixed password, and rejects anything else. It is the default
// Authenticator used when none is supplied.
type TrustAuthenticator struct {
	Password string
}

const authTypeCleartextPassword = int32(3)

// Respond implements Authenticator.
func (a TrustAuthenticator) Respond(authType int32, _ []byte) ([]byte, error) {
	if authType != authTypeCleartextPassword {
		return nil, &UnsupportedByServerVersion{
			Operation: fmt.Sprintf("authentication method %d", authType),
		}
	}
	var w pgproto.WriteBuffer
	w.WriteCString(a.Password)
	return w.Bytes(), nil
}

// Package wire wraps pgx's pgproto3 frontend framing with the startup and
// authentication sequence the driver needs before it can enter steady-state
// query processing. The wire-level message encoding itself is pgproto3's
// job; this package only sequences it.
package wire

import (
	"crypto/md5"
	"encoding/hex"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/pkg/errors"
)

// BackendInfo is what the startup handshake learns about the server.
type BackendInfo struct {
	PID               uint32
	SecretKey         uint32
	ParameterStatuses map[string]string
}

// Startup runs StartupMessage -> AuthenticationX -> ParameterStatus* ->
// BackendKeyData -> ReadyForQuery against rw, using frontend for framing.
// It returns once the connection is ready to accept queries.
func Startup(frontend *pgproto3.Frontend, rw io.Writer, user, password, database string, runtimeParams map[string]string) (BackendInfo, error) {
	info := BackendInfo{ParameterStatuses: map[string]string{}}

	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{},
	}
	for k, v := range runtimeParams {
		startup.Parameters[k] = v
	}
	startup.Parameters["user"] = user
	if database != "" {
		startup.Parameters["database"] = database
	}

	buf, err := startup.Encode(nil)
	if err != nil {
		return info, errors.Wrap(err, "wire: encode startup message")
	}
	if _, err := rw.Write(buf); err != nil {
		return info, errors.Wrap(err, "wire: write startup message")
	}

	for {
		msg, err := frontend.Receive()
		if err != nil {
			return info, errors.Wrap(err, "wire: receive during startup")
		}

		switch m := msg.(type) {
		case *pgproto3.BackendKeyData:
			info.PID = m.ProcessID
			info.SecretKey = m.SecretKey

		case *pgproto3.ParameterStatus:
			info.ParameterStatuses[m.Name] = m.Value

		case *pgproto3.AuthenticationOk:
			// nothing further to send

		case *pgproto3.AuthenticationCleartextPassword:
			frontend.Send(&pgproto3.PasswordMessage{Password: password})
			if err := frontend.Flush(); err != nil {
				return info, errors.Wrap(err, "wire: send cleartext password")
			}

		case *pgproto3.AuthenticationMD5Password:
			digest := "md5" + md5Hex(md5Hex(password+user)+string(m.Salt[:]))
			frontend.Send(&pgproto3.PasswordMessage{Password: digest})
			if err := frontend.Flush(); err != nil {
				return info, errors.Wrap(err, "wire: send md5 password")
			}

		case *pgproto3.ReadyForQuery:
			return info, nil

		case *pgproto3.ErrorResponse:
			return info, errors.Errorf("wire: startup rejected: %s", m.Message)

		default:
			return info, errors.Errorf("wire: unexpected startup message %T", m)
		}
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

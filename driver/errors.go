package driver

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"goflare.io/asyncpg/result"
)

func errResultFromResponse(m *pgproto3.ErrorResponse) result.Result {
	return result.FromError(m.Message)
}

func errResultFromString(msg string) result.Result {
	return result.FromError(msg)
}

func unexpectedMessageErr(msg pgproto3.BackendMessage) error {
	return fmt.Errorf("driver: unexpected message %T", msg)
}

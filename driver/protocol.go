package driver

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5/pgproto3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// dispatchQuery writes q to the socket using the extended query protocol
// (Parse on first use of a prepared query, then Bind/Describe/Execute),
// appending a Sync unless pipeline mode is on. Must run on the reactor
// goroutine.
func (d *Driver) dispatchQuery(q *pendingQuery) {
	_, span := tracer.Start(context.Background(), "asyncpg.exec",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.statement", q.statementLabel())))
	q.span = span

	statementName := ""
	if q.isPrepared() {
		statementName = q.prepared.statementName()
		if !d.preparedIssued[q.prepared.ID()] {
			d.frontend.Send(&pgproto3.Parse{
				Name:  statementName,
				Query: q.prepared.SQL(),
			})
			d.preparedIssued[q.prepared.ID()] = true
		}
	} else {
		// Every ad-hoc statement, even with zero params, goes through the
		// extended query protocol: the simple query protocol always ends
		// its own round trip in ReadyForQuery, which would double up with
		// the Sync this driver appends below and desynchronize pipeline
		// accounting.
		d.frontend.Send(&pgproto3.Parse{Name: "", Query: q.sql})
	}

	values := make([][]byte, len(q.params))
	formats := make([]int16, len(q.params))
	for i, p := range q.params {
		values[i] = encodeParam(p)
	}

	d.frontend.Send(&pgproto3.Bind{
		DestinationPortal:    "",
		PreparedStatement:    statementName,
		ParameterFormatCodes: formats,
		Parameters:           values,
		ResultFormatCodes:    []int16{0},
	})
	d.frontend.Send(&pgproto3.Describe{ObjectType: 'P', Name: ""})
	d.frontend.Send(&pgproto3.Execute{})
	d.flushAfterDispatch(q)
}

// flushAfterDispatch appends Sync when not pipelining, marks q dispatched,
// and flushes the write buffer.
func (d *Driver) flushAfterDispatch(q *pendingQuery) {
	q.dispatched = true
	if d.pipelineStatus != PipelineOn {
		d.frontend.Send(&pgproto3.Sync{})
	} else {
		d.dispatchedSinceSync++
		if d.dispatchedSinceSync >= d.pipelineAutoSyncCount {
			d.frontend.Send(&pgproto3.Sync{})
			d.dispatchedSinceSync = 0
		}
	}
	if err := d.frontend.Flush(); err != nil {
		d.fail(err)
	}
}

func (q *pendingQuery) statementLabel() string {
	if q.isPrepared() {
		return q.prepared.ID()
	}
	return q.sql
}

// encodeParam renders a parameter as a text-format wire value. Binary
// encoding is left to pgtype.Map on the decode side only; the spec treats
// exact wire encoding as an external concern (§1).
func encodeParam(p any) []byte {
	if p == nil {
		return nil
	}
	switch v := p.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case bool:
		if v {
			return []byte("t")
		}
		return []byte("f")
	case int:
		return []byte(strconv.Itoa(v))
	case int32:
		return []byte(strconv.FormatInt(int64(v), 10))
	case int64:
		return []byte(strconv.FormatInt(v, 10))
	case float32:
		return []byte(strconv.FormatFloat(float64(v), 'f', -1, 32))
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64))
	case fmtStringer:
		return []byte(v.String())
	default:
		return []byte(toString(p))
	}
}

type fmtStringer interface{ String() string }

func toString(p any) string {
	type stringer interface{ String() string }
	if s, ok := p.(stringer); ok {
		return s.String()
	}
	return "" // unsupported types encode as NULL-ish empty; callers should pass wire-friendly types
}

// handleMessage processes one decoded backend message. Must run on the
// reactor goroutine.
func (d *Driver) handleMessage(msg pgproto3.BackendMessage) {
	switch m := msg.(type) {
	case *pgproto3.ParseComplete, *pgproto3.BindComplete, *pgproto3.ParameterDescription, *pgproto3.NoData, *pgproto3.CloseComplete:
		// consumed, nothing to do before the terminal message for this
		// query arrives.

	case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData, *pgproto3.NotificationResponse:
		// session metadata / LISTEN notifications; not modeled by this
		// spec's single-result-per-query contract.

	case *pgproto3.RowDescription:
		if q := d.headQuery(); q != nil {
			q.builder.SetDescription(m.Fields)
		}

	case *pgproto3.DataRow:
		if q := d.headQuery(); q != nil {
			q.builder.AddRow(m.Values)
		}

	case *pgproto3.EmptyQueryResponse:
		if q := d.popHead(); q != nil {
			q.complete(q.builder.Build(""))
		}

	case *pgproto3.CommandComplete:
		if q := d.popHead(); q != nil {
			q.complete(q.builder.Build(string(m.CommandTag)))
		}

	case *pgproto3.ErrorResponse:
		if q := d.popHead(); q != nil {
			q.complete(errResultFromResponse(m))
		}
		d.onPipelineError()

	case *pgproto3.ReadyForQuery:
		d.onReadyForQuery()

	default:
		d.fail(unexpectedMessageErr(m))
	}
}

// headQuery returns the first dispatched-and-not-yet-completed query
// without removing it.
func (d *Driver) headQuery() *pendingQuery {
	for _, q := range d.queue {
		if q.dispatched {
			return q
		}
	}
	return nil
}

// popHead removes and returns the first dispatched query — the one whose
// response is currently being decoded.
func (d *Driver) popHead() *pendingQuery {
	for i, q := range d.queue {
		if q.dispatched {
			d.removeQueued(i)
			return q
		}
	}
	return nil
}

// onPipelineError enters Aborted when a query errors while pipelining, and
// synthesizes a pipeline-aborted completion for every other already
// dispatched query — the server silently drops them until the next Sync,
// so no wire response will ever arrive for them.
func (d *Driver) onPipelineError() {
	if d.pipelineStatus != PipelineOn {
		return
	}
	d.pipelineStatus = PipelineAborted
	for i := 0; i < len(d.queue); {
		q := d.queue[i]
		if !q.dispatched {
			i++
			continue
		}
		d.removeQueued(i)
		q.complete(errResultFromString(pipelineAbortedMsg))
	}
}

// onReadyForQuery clears Aborted back to On, and finalizes ExitPipelineMode
// if one was requested — whether the Sync that triggered this ReadyForQuery
// closed a normal pipeline or an aborted one — then resumes dispatching any
// buffered queries.
func (d *Driver) onReadyForQuery() {
	if d.pendingExit {
		d.pipelineStatus = PipelineOff
		d.pendingExit = false
		d.stopSyncTimer()
	} else if d.pipelineStatus == PipelineAborted {
		d.pipelineStatus = PipelineOn
	}
	d.dispatchedSinceSync = 0
	d.pump()
}

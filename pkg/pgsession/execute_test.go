package pgsession

import (
	"context"
	"testing"

	"github.com/lib/pq/oid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/sllt/pgsession/pkg/pgsession/pgerror"
	"github.com/sllt/pgsession/pkg/pgsession/typecast"
	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

func newAutocommitConn(fc *fakeClient) *Conn {
	return New(fc, WithIsolation(IsolationNone))
}

func TestExecuteSelect(t *testing.T) {
	fc := newFakeClient()
	fc.respond("SELECT id, name FROM users", tuplesResult(
		[]fakeCol{
			{name: "id", typ: oid.T_int4, size: 4, mod: -1},
			{name: "name", typ: oid.T_varchar, size: -1, mod: 36},
		},
		[][][]byte{
			{[]byte("1"), []byte("ada")},
			{[]byte("2"), nil},
		},
		"SELECT 2"))

	conn := newAutocommitConn(fc)
	curs := conn.Cursor()

	require.NoError(t, conn.Execute(context.Background(), curs, "SELECT id, name FROM users", false))

	assert.Equal(t, "SELECT 2", curs.Status)
	assert.Equal(t, int64(2), curs.Rowcount)
	require.Len(t, curs.Description, 2)
	assert.Equal(t, "id", curs.Description[0].Name)
	assert.Equal(t, oid.T_int4, curs.Description[0].Type)
	assert.Equal(t, 4, curs.Description[0].InternalSize)
	// varchar(32): the modifier carries the length header
	assert.Equal(t, 32, curs.Description[1].InternalSize)
	assert.Nil(t, curs.Description[1].Precision)

	v, err := curs.Value(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = curs.Value(0, 1)
	require.NoError(t, err)
	assert.Equal(t, "ada", v)

	// SQL NULL decodes to nil regardless of the column cast
	v, err = curs.Value(1, 1)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestExecuteCommandTag(t *testing.T) {
	tests := []struct {
		name     string
		tag      string
		oidValue uint32
		rowcount int64
		lastOID  uint32
	}{
		{name: "insert reports count and oid", tag: "INSERT 17 1", oidValue: 17, rowcount: 1, lastOID: 17},
		{name: "update reports count", tag: "UPDATE 3", rowcount: 3},
		{name: "utility command has no count", tag: "CREATE TABLE", rowcount: -1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeClient()
			fc.respond("STMT", &fakeResult{status: wire.CommandOK, tag: tc.tag, oidValue: tc.oidValue})

			conn := newAutocommitConn(fc)
			curs := conn.Cursor()

			require.NoError(t, conn.Execute(context.Background(), curs, "STMT", false))

			assert.Equal(t, tc.tag, curs.Status)
			assert.Equal(t, tc.rowcount, curs.Rowcount)
			assert.Equal(t, tc.lastOID, curs.LastOID)
			assert.False(t, curs.HasResult())
		})
	}
}

func TestExecuteServerError(t *testing.T) {
	tests := []struct {
		name     string
		sqlState string
		message  string
		extended bool
		kind     pgerror.Kind
	}{
		{
			name:     "syntax error",
			sqlState: "42601",
			message:  `ERROR:  syntax error at or near "SELEC"`,
			extended: true,
			kind:     pgerror.KindProgramming,
		},
		{
			name:     "unique violation",
			sqlState: "23505",
			message:  "ERROR:  duplicate key value violates unique constraint",
			extended: true,
			kind:     pgerror.KindIntegrity,
		},
		{
			name:     "cancel with extended taxonomy",
			sqlState: "57014",
			message:  "ERROR:  canceling statement due to user request",
			extended: true,
			kind:     pgerror.KindQueryCanceled,
		},
		{
			name:     "cancel without extended taxonomy",
			sqlState: "57014",
			message:  "ERROR:  canceling statement due to user request",
			extended: false,
			kind:     pgerror.KindOperational,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fc := newFakeClient()
			fc.respond("STMT", fatalResult(tc.sqlState, tc.message))

			conn := New(fc, WithIsolation(IsolationNone), WithExtendedErrors(tc.extended))

			err := conn.Execute(context.Background(), conn.Cursor(), "STMT", false)
			require.Error(t, err)

			var perr *pgerror.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.kind, perr.Kind)
			assert.Equal(t, tc.sqlState, perr.Code)
			assert.Equal(t, pgerror.StripSeverity(tc.message), perr.Message)
		})
	}
}

func TestExecuteNilResultIsOperational(t *testing.T) {
	fc := newFakeClient()
	fc.nilFor["STMT"] = true
	fc.errMsg = "server closed the connection unexpectedly"

	conn := newAutocommitConn(fc)

	err := conn.Execute(context.Background(), conn.Cursor(), "STMT", false)
	require.Error(t, err)

	var perr *pgerror.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pgerror.KindOperational, perr.Kind)
	assert.Equal(t, "server closed the connection unexpectedly", perr.Message)
}

func TestExecuteForeignCursorIsRejected(t *testing.T) {
	conn := newAutocommitConn(newFakeClient())
	other := newAutocommitConn(newFakeClient())

	err := conn.Execute(context.Background(), other.Cursor(), "SELECT 1", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, pgerror.New(pgerror.KindProgramming, "", ""))
}

func TestExecuteOnClosedConnection(t *testing.T) {
	conn := newAutocommitConn(newFakeClient())
	curs := conn.Cursor()
	require.NoError(t, conn.Close())

	err := conn.Execute(context.Background(), curs, "SELECT 1", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, pgerror.New(pgerror.KindOperational, "", ""))
}

func TestExecuteAsyncLifecycle(t *testing.T) {
	fc := newFakeClient()
	conn := newAutocommitConn(fc)
	curs := conn.Cursor()
	ctx := context.Background()

	require.NoError(t, conn.Execute(ctx, curs, "SELECT 1", true))

	async, state := conn.Async()
	assert.Same(t, curs, async)
	assert.Equal(t, AsyncRead, state)
	assert.Equal(t, []string{"SELECT 1"}, fc.sent)
	assert.Empty(t, fc.executed)

	// a second submission while one is outstanding is a caller error
	err := conn.Execute(ctx, conn.Cursor(), "SELECT 2", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, pgerror.New(pgerror.KindProgramming, "", ""))

	fc.busy = false
	busy, err := conn.IsBusy(ctx)
	require.NoError(t, err)
	assert.False(t, busy)

	fc.queue = []wire.Result{tuplesResult(
		[]fakeCol{{name: "n", typ: oid.T_int4, size: 4, mod: -1}},
		[][][]byte{{[]byte("7")}},
		"SELECT 1")}

	outcome, err := conn.CompleteAsync(ctx)
	require.NoError(t, err)
	assert.Equal(t, FetchRows, outcome)
	assert.Equal(t, int64(1), curs.Rowcount)

	v, err := curs.Value(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, state = conn.Async()
	assert.Equal(t, AsyncIdle, state)
}

func TestCompleteAsyncKeepsOnlyLastResult(t *testing.T) {
	fc := newFakeClient()
	conn := newAutocommitConn(fc)
	curs := conn.Cursor()
	ctx := context.Background()

	require.NoError(t, conn.Execute(ctx, curs, "SELECT 1; SELECT 2", true))

	first := commandOK("SELECT 1")
	last := tuplesResult(
		[]fakeCol{{name: "n", typ: oid.T_int4, size: 4, mod: -1}},
		[][][]byte{{[]byte("2")}},
		"SELECT 1")
	fc.queue = []wire.Result{first, last}

	outcome, err := conn.CompleteAsync(ctx)
	require.NoError(t, err)
	assert.Equal(t, FetchRows, outcome)

	// earlier results of a multi-statement submission are discarded
	assert.True(t, first.cleared)
	v, err := curs.Value(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestCompleteAsyncWithoutSubmission(t *testing.T) {
	conn := newAutocommitConn(newFakeClient())

	_, err := conn.CompleteAsync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pgerror.New(pgerror.KindProgramming, "", ""))
}

func TestExecuteRecordsMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockMetrics := NewMockMetrics(ctrl)

	fc := newFakeClient()
	conn := newAutocommitConn(fc)
	conn.UseMetrics(mockMetrics)

	mockMetrics.EXPECT().RecordHistogram(gomock.Any(), "app_pgsession_stats",
		gomock.Any(), "type", "SELECT")

	require.NoError(t, conn.Execute(context.Background(), conn.Cursor(), "select 1", false))
}

func TestCursorCastPrecedence(t *testing.T) {
	fc := newFakeClient()
	fc.respond("SELECT flag", tuplesResult(
		[]fakeCol{{name: "flag", typ: oid.T_bool, size: 1, mod: -1}},
		[][][]byte{{[]byte("t")}},
		"SELECT 1"))

	conn := newAutocommitConn(fc)
	curs := conn.Cursor()

	// the cursor table wins over the builtin boolean cast
	cursTable := typecast.NewTable(nil)
	cursTable.Register(func(data []byte) (any, error) {
		if data == nil {
			return nil, nil
		}
		return "cursor:" + string(data), nil
	}, oid.T_bool)
	curs.UseCastTable(cursTable)

	require.NoError(t, conn.Execute(context.Background(), curs, "SELECT flag", false))

	v, err := curs.Value(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "cursor:t", v)
}

func TestConnectionCastTable(t *testing.T) {
	fc := newFakeClient()
	fc.respond("SELECT flag", tuplesResult(
		[]fakeCol{{name: "flag", typ: oid.T_bool, size: 1, mod: -1}},
		[][][]byte{{[]byte("t")}},
		"SELECT 1"))

	conn := newAutocommitConn(fc)
	conn.CastTable().Register(func(data []byte) (any, error) {
		if data == nil {
			return nil, nil
		}
		return "conn:" + string(data), nil
	}, oid.T_bool)

	curs := conn.Cursor()
	require.NoError(t, conn.Execute(context.Background(), curs, "SELECT flag", false))

	v, err := curs.Value(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "conn:t", v)
}

func TestExecHookInterceptsStatements(t *testing.T) {
	fc := newFakeClient()

	var hooked []string

	conn := New(fc, WithExecHook(func(ctx context.Context, client wire.Client, query string) wire.Result {
		hooked = append(hooked, query)
		return client.Exec(ctx, query)
	}))

	require.NoError(t, conn.Execute(context.Background(), conn.Cursor(), "SELECT 1", false))

	// both the implicit BEGIN and the statement go through the hook
	assert.Equal(t, []string{beginReadCommitted, "SELECT 1"}, hooked)
}

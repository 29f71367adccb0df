package pgsession

import (
	"context"
	"strings"

	"github.com/lib/pq/oid"

	"github.com/sllt/pgsession/pkg/pgsession/wire"
)

// fakeCol describes one column of a scripted result.
type fakeCol struct {
	name string
	typ  oid.Oid
	size int
	mod  int
}

// fakeResult is a scriptable wire.Result.
type fakeResult struct {
	status   wire.ResultStatus
	tag      string
	errMsg   string
	sqlState string
	oidValue uint32
	cols     []fakeCol
	rows     [][][]byte
	cleared  bool
}

func commandOK(tag string) *fakeResult {
	return &fakeResult{status: wire.CommandOK, tag: tag}
}

func fatalResult(sqlState, message string) *fakeResult {
	return &fakeResult{status: wire.FatalError, sqlState: sqlState, errMsg: message}
}

func tuplesResult(cols []fakeCol, rows [][][]byte, tag string) *fakeResult {
	return &fakeResult{status: wire.TuplesOK, tag: tag, cols: cols, rows: rows}
}

func (r *fakeResult) Status() wire.ResultStatus { return r.status }
func (r *fakeResult) ErrorMessage() string      { return r.errMsg }
func (r *fakeResult) SQLState() string          { return r.sqlState }
func (r *fakeResult) CmdStatus() string         { return r.tag }
func (r *fakeResult) OidValue() uint32          { return r.oidValue }
func (r *fakeResult) NTuples() int              { return len(r.rows) }
func (r *fakeResult) NFields() int              { return len(r.cols) }
func (r *fakeResult) FieldName(col int) string  { return r.cols[col].name }
func (r *fakeResult) FieldType(col int) oid.Oid { return r.cols[col].typ }
func (r *fakeResult) FieldSize(col int) int     { return r.cols[col].size }
func (r *fakeResult) FieldMod(col int) int      { return r.cols[col].mod }
func (r *fakeResult) Clear()                    { r.cleared = true }

func (r *fakeResult) CmdTuples() string {
	parts := strings.Fields(r.tag)

	switch {
	case len(parts) == 3 && parts[0] == "INSERT":
		return parts[2]
	case len(parts) == 2:
		switch parts[0] {
		case "SELECT", "UPDATE", "DELETE", "COPY":
			return parts[1]
		}
	}

	return ""
}

func (r *fakeResult) Value(row, col int) []byte { return r.rows[row][col] }

func (r *fakeResult) ValueLength(row, col int) int { return len(r.rows[row][col]) }

// fakeLine is one scripted GetLine response.
type fakeLine struct {
	data string
	code int
}

// fakeClient is a scriptable wire.Client. Responses to Exec are looked up by
// exact query text; unscripted statements succeed with an empty command tag.
type fakeClient struct {
	protocol int
	status   wire.ConnStatus
	errMsg   string

	// responses maps query text to the result Exec returns. A scripted nil
	// simulates a client-level failure.
	responses map[string]wire.Result
	nilFor    map[string]bool

	// queued results returned one by one from GetResult
	queue []wire.Result

	executed []string
	sent     []string
	sendErr  error
	flushRet int
	busy     bool

	notices  []string
	notifies []wire.Notification

	// copy scripting
	copyOutChunks  [][]byte
	copyOutCode    int
	putCopyData    [][]byte
	putCopyDataRet int
	putCopyEndMsg  string
	putCopyEndRet  int
	copyEnded      bool

	putLines   []string
	getLines   []fakeLine
	endCopies  int
	putLineErr error

	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		protocol:       3,
		status:         wire.StatusOK,
		responses:      make(map[string]wire.Result),
		nilFor:         make(map[string]bool),
		copyOutCode:    wire.CopyDone,
		putCopyDataRet: 1,
		putCopyEndRet:  1,
	}
}

func (f *fakeClient) respond(query string, res wire.Result) {
	f.responses[query] = res
}

func (f *fakeClient) Status() wire.ConnStatus { return f.status }
func (f *fakeClient) ProtocolVersion() int    { return f.protocol }
func (f *fakeClient) ErrorMessage() string    { return f.errMsg }

func (f *fakeClient) Exec(_ context.Context, query string) wire.Result {
	f.executed = append(f.executed, query)

	if f.nilFor[query] {
		return nil
	}

	if res, ok := f.responses[query]; ok {
		return res
	}

	return commandOK("")
}

func (f *fakeClient) SendQuery(query string) error {
	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, query)

	return nil
}

func (f *fakeClient) ConsumeInput() error { return nil }
func (f *fakeClient) IsBusy() bool        { return f.busy }
func (f *fakeClient) Flush() int          { return f.flushRet }

func (f *fakeClient) GetResult(context.Context) wire.Result {
	if len(f.queue) == 0 {
		return nil
	}

	res := f.queue[0]
	f.queue = f.queue[1:]

	return res
}

func (f *fakeClient) SetNonBlocking(bool) error { return nil }

func (f *fakeClient) PutCopyData(_ context.Context, data []byte) int {
	if f.putCopyDataRet == 1 {
		f.putCopyData = append(f.putCopyData, append([]byte(nil), data...))
	}

	return f.putCopyDataRet
}

func (f *fakeClient) PutCopyEnd(_ context.Context, errMsg string) int {
	f.putCopyEndMsg = errMsg
	f.copyEnded = true

	return f.putCopyEndRet
}

func (f *fakeClient) GetCopyData(context.Context) ([]byte, int) {
	if len(f.copyOutChunks) == 0 {
		return nil, f.copyOutCode
	}

	data := f.copyOutChunks[0]
	f.copyOutChunks = f.copyOutChunks[1:]

	return data, len(data)
}

func (f *fakeClient) PutLine(_ context.Context, line string) error {
	if f.putLineErr != nil {
		return f.putLineErr
	}

	f.putLines = append(f.putLines, line)

	return nil
}

func (f *fakeClient) GetLine(_ context.Context, buf []byte) (int, int) {
	if len(f.getLines) == 0 {
		return 0, wire.LineEnd
	}

	line := f.getLines[0]
	f.getLines = f.getLines[1:]

	n := copy(buf, line.data)

	return n, line.code
}

func (f *fakeClient) EndCopy(context.Context) error {
	f.endCopies++
	return nil
}

func (f *fakeClient) Notices() []string {
	out := f.notices
	f.notices = nil

	return out
}

func (f *fakeClient) Notifies() []wire.Notification {
	out := f.notifies
	f.notifies = nil

	return out
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

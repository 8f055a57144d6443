package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockSink(t *testing.T) (*PostgresSink, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.ExpectPing()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	sink, err := NewPostgresSink(context.Background(), mock, "puppet_records", zaptest.NewLogger(t))
	require.NoError(t, err)
	return sink, mock
}

func TestPostgresSink_CopiesBatch(t *testing.T) {
	sink, mock := newMockSink(t)
	mock.ExpectCopyFrom(pgx.Identifier{"puppet_records"}, recordColumns).WillReturnResult(2)

	recs := []Record{
		{ID: "6f1c7d0e-0000-4000-8000-000000000001", TabID: "T1", SessionID: "CTX1", Event: "load", Timestamp: time.Now(), Payload: []byte(`{"frameId":"F"}`)},
		{ID: "6f1c7d0e-0000-4000-8000-000000000002", Event: "proxy-exchange", Timestamp: time.Now()},
	}
	require.NoError(t, sink.Write(context.Background(), recs))

	mock.ExpectClose()
	require.NoError(t, sink.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_CountMismatch(t *testing.T) {
	sink, mock := newMockSink(t)
	mock.ExpectCopyFrom(pgx.Identifier{"puppet_records"}, recordColumns).WillReturnResult(1)

	err := sink.Write(context.Background(), []Record{{ID: "a"}, {ID: "b"}})
	assert.ErrorContains(t, err, "mismatch in copied records count")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_CopyError(t *testing.T) {
	sink, mock := newMockSink(t)
	mock.ExpectCopyFrom(pgx.Identifier{"puppet_records"}, recordColumns).WillReturnError(errors.New("connection reset"))

	err := sink.Write(context.Background(), []Record{{ID: "a"}})
	assert.ErrorContains(t, err, "failed to copy records")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresSink_PingFails(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing().WillReturnError(errors.New("refused"))

	_, err = NewPostgresSink(context.Background(), mock, "puppet_records", zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "failed to ping database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_WithPostgresSink(t *testing.T) {
	sink, mock := newMockSink(t)
	mock.ExpectCopyFrom(pgx.Identifier{"puppet_records"}, recordColumns).WillReturnResult(1)
	mock.ExpectClose()

	r := New(sink, Options{Logger: zaptest.NewLogger(t), BatchSize: 10})
	r.Record("T1", "CTX1", pinged{URL: "https://a.test/"})
	require.NoError(t, r.Close(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

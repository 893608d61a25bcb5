package step

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kafkarows/internal/drain"
	"kafkarows/internal/row"
	"kafkarows/source/kafka"
	"kafkarows/source/kafka/mocks"
)

type capture struct {
	mu      sync.Mutex
	rows    []row.Row
	errRows []row.Row
	causes  []error
	reject  func(row.Row) error
}

func (c *capture) PutRow(_ row.Meta, r row.Row) error {
	if c.reject != nil {
		if err := c.reject(r); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.rows = append(c.rows, r)
	c.mu.Unlock()
	return nil
}

func (c *capture) PutError(_ row.Meta, r row.Row, cause error) error {
	c.mu.Lock()
	c.errRows = append(c.errRows, r)
	c.causes = append(c.causes, cause)
	c.mu.Unlock()
	return nil
}

func rejectValue(v string) func(row.Row) error {
	return func(r row.Row) error {
		if b, ok := r[len(r)-2].([]byte); ok && string(b) == v {
			return fmt.Errorf("cannot store %q", v)
		}
		return nil
	}
}

func memTopic(t *testing.T, values ...string) (*kafka.MemTopic, kafka.Config) {
	t.Helper()
	topic := kafka.MemoryTopic(t.Name())
	for i, v := range values {
		topic.Append([]byte(fmt.Sprintf("k%d", i)), []byte(v))
	}
	return topic, kafka.Config{
		Driver:      "memory",
		Topic:       t.Name(),
		StopOnEmpty: true,
		Properties: map[string]string{
			kafka.PropAutoOffsetReset: "smallest",
			kafka.PropConsumerTimeout: "20",
		},
	}
}

var idMeta = row.Meta{Fields: []row.Field{{Name: "id", Type: row.Integer}}}

func TestStep_AppendsValueAndKey(t *testing.T) {
	topic, cfg := memTopic(t, "a", "b", "c")
	s := New("consume", cfg)
	out := &capture{}
	require.NoError(t, s.Init(context.Background(), idMeta, out))
	defer s.Dispose()

	assert.Equal(t, []string{"id", "message", "key"}, s.OutputMeta().Names())

	res, err := s.ProcessRow(context.Background(), row.Row{int64(7)})
	require.NoError(t, err)
	assert.Equal(t, drain.Completed, res)
	require.Len(t, out.rows, 3)
	assert.Equal(t, row.Row{int64(7), []byte("a"), []byte("k0")}, out.rows[0])
	assert.Equal(t, row.Row{int64(7), []byte("c"), []byte("k2")}, out.rows[2])
	assert.EqualValues(t, 3, topic.Committed(kafka.DefaultGroupID))
}

func TestStep_LimitSplitsAcrossRows(t *testing.T) {
	topic, cfg := memTopic(t, "a", "b", "c", "d")
	cfg.Limit = "${BATCH}"
	env := func(k string) (string, bool) {
		if k == "BATCH" {
			return "2", true
		}
		return "", false
	}
	s := New("consume", cfg, WithLookup(env))
	out := &capture{}
	require.NoError(t, s.Init(context.Background(), idMeta, out))
	defer s.Dispose()

	for i := 1; i <= 2; i++ {
		_, err := s.ProcessRow(context.Background(), row.Row{int64(i)})
		require.NoError(t, err)
		assert.EqualValues(t, 2*i, topic.Committed(kafka.DefaultGroupID))
	}
	require.Len(t, out.rows, 4)
	assert.Equal(t, int64(2), out.rows[3][0])
	assert.Equal(t, []byte("d"), out.rows[3][1])
}

func TestStep_InitRejectsInvalidConfig(t *testing.T) {
	_, cfg := memTopic(t)

	dup := idMeta.Clone()
	require.NoError(t, dup.Add(row.Field{Name: "message"}))
	err := New("consume", cfg).Init(context.Background(), dup, &capture{})
	assert.ErrorContains(t, err, `"message" already exists`)

	bad := cfg
	bad.Limit = "lots"
	err = New("consume", bad).Init(context.Background(), idMeta, &capture{})
	assert.ErrorContains(t, err, "limit")

	noTopic := cfg
	noTopic.Topic = ""
	assert.Error(t, New("consume", noTopic).Init(context.Background(), idMeta, &capture{}))
}

func TestStep_InitResolvesBeforeConnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConnector(ctrl)
	cur := mocks.NewMockCursor(ctrl)

	var got kafka.Config
	conn.EXPECT().Connect(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg kafka.Config) (kafka.Cursor, kafka.CommitFunc, error) {
			got = cfg
			return cur, nil, nil
		})

	env := map[string]string{"TOPIC": "orders", "BROKERS": "k1:9092"}
	s := New("consume", kafka.Config{
		Topic:       "${TOPIC}",
		StopOnEmpty: true,
		Properties:  map[string]string{kafka.PropBootstrapServers: "${BROKERS}"},
	},
		WithLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok }),
		WithConnectorFactory(func(name string) (kafka.Connector, error) {
			assert.Equal(t, kafka.DefaultDriver, name)
			return conn, nil
		}))

	require.NoError(t, s.Init(context.Background(), row.Meta{}, &capture{}))
	assert.Equal(t, "orders", got.Topic)
	assert.Equal(t, "k1:9092", got.Properties[kafka.PropBootstrapServers])
	assert.Equal(t, kafka.DefaultIdleTimeout, got.Properties[kafka.PropConsumerTimeout])
	assert.Equal(t, kafka.DefaultGroupID, got.Properties[kafka.PropGroupID])
}

func TestStep_DisposeWaitsForTimedOutCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConnector(ctrl)
	cur := mocks.NewMockCursor(ctrl)
	cur.EXPECT().HasNext(gomock.Any()).Return(true).MaxTimes(1)
	cur.EXPECT().Next().Return(kafka.Message{Topic: "t", Value: []byte("a")}).MaxTimes(1)
	conn.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(cur, nil, nil)

	release := make(chan struct{})
	var released bool
	conn.EXPECT().Close().DoAndReturn(func() error {
		select {
		case <-release:
			released = true
		default:
		}
		return nil
	})

	out := &capture{reject: func(row.Row) error { <-release; return nil }}
	s := New("consume", kafka.Config{Topic: "t", Timeout: "20"},
		WithConnectorFactory(func(string) (kafka.Connector, error) { return conn, nil }))
	require.NoError(t, s.Init(context.Background(), row.Meta{}, out))

	got, err := s.ProcessRow(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, drain.TimedOut, got)

	done := make(chan error, 1)
	go func() { done <- s.Dispose() }()
	select {
	case <-done:
		t.Fatal("Dispose returned while the cycle was still writing")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Dispose never returned")
	}
	assert.True(t, released, "connection closed before the cycle unwound")
}

func TestStep_ConnectFailureClosesConnector(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConnector(ctrl)
	refused := errors.New("connection refused")
	conn.EXPECT().Connect(gomock.Any(), gomock.Any()).Return(nil, nil, refused)
	conn.EXPECT().Close().Return(nil)

	s := New("consume", kafka.Config{Topic: "t"},
		WithConnectorFactory(func(string) (kafka.Connector, error) { return conn, nil }))
	err := s.Init(context.Background(), row.Meta{}, &capture{})
	assert.ErrorIs(t, err, refused)
}

func TestStep_ErrorModes(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		topic, cfg := memTopic(t, "a", "bad", "c")
		s := New("consume", cfg)
		out := &capture{reject: rejectValue("bad")}
		require.NoError(t, s.Init(context.Background(), idMeta, out))
		defer s.Dispose()

		res, err := s.ProcessRow(context.Background(), row.Row{int64(1)})
		assert.Equal(t, drain.Failed, res)
		assert.ErrorContains(t, err, `cannot store "bad"`)
		assert.EqualValues(t, -1, topic.Committed(kafka.DefaultGroupID))
	})

	t.Run("row", func(t *testing.T) {
		topic, cfg := memTopic(t, "a", "bad", "c")
		s := New("consume", cfg, WithErrorMode(RouteRow))
		out := &capture{reject: rejectValue("bad")}
		require.NoError(t, s.Init(context.Background(), idMeta, out))
		defer s.Dispose()

		res, err := s.ProcessRow(context.Background(), row.Row{int64(1)})
		require.NoError(t, err)
		assert.Equal(t, drain.Failed, res)
		require.Len(t, out.errRows, 1)
		assert.Equal(t, row.Row{int64(1)}, out.errRows[0])
		assert.EqualValues(t, -1, topic.Committed(kafka.DefaultGroupID))
	})

	t.Run("record", func(t *testing.T) {
		topic, cfg := memTopic(t, "a", "bad", "c")
		s := New("consume", cfg, WithErrorMode(RouteRecord))
		out := &capture{reject: rejectValue("bad")}
		require.NoError(t, s.Init(context.Background(), idMeta, out))
		defer s.Dispose()

		res, err := s.ProcessRow(context.Background(), row.Row{int64(1)})
		require.NoError(t, err)
		assert.Equal(t, drain.Completed, res)
		assert.Len(t, out.rows, 2)
		require.Len(t, out.errRows, 1)
		assert.Equal(t, []byte("bad"), out.errRows[0][1])
		assert.EqualValues(t, -1, topic.Committed(kafka.DefaultGroupID))
	})
}

func TestStep_ProcessRowBeforeInit(t *testing.T) {
	_, err := New("consume", kafka.Config{Topic: "t"}).ProcessRow(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestStep_StopCancelsLaterCycles(t *testing.T) {
	_, cfg := memTopic(t, "a")
	s := New("consume", cfg)
	out := &capture{}
	require.NoError(t, s.Init(context.Background(), idMeta, out))

	s.Stop()
	assert.True(t, s.Stopped())
	res, err := s.ProcessRow(context.Background(), row.Row{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, drain.Canceled, res)
	assert.Empty(t, out.rows)

	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())
}

func TestParseErrorMode(t *testing.T) {
	m, err := ParseErrorMode("Record")
	require.NoError(t, err)
	assert.Equal(t, RouteRecord, m)

	m, err = ParseErrorMode("")
	require.NoError(t, err)
	assert.Equal(t, StopOnError, m)

	_, err = ParseErrorMode("ignore")
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	rs := Check(kafka.Config{}, row.Meta{}, nil)
	assert.True(t, HasErrors(rs))
	assert.Len(t, rs, 3)

	cfg := kafka.Config{Topic: "t", Field: "v", KeyField: "v"}
	assert.True(t, HasErrors(Check(cfg, row.Meta{}, nil)))

	cfg = kafka.Config{
		Topic: "t", Field: "v", KeyField: "k",
		Properties: map[string]string{kafka.PropConsumerTimeout: "500"},
	}
	rs = Check(cfg, row.Meta{}, nil)
	require.Len(t, rs, 1)
	assert.Equal(t, Warning, rs[0].Level)

	cfg.Properties[kafka.PropConsumerTimeout] = "never"
	assert.True(t, HasErrors(Check(cfg, row.Meta{}, nil)))

	cfg.StopOnEmpty = true
	cfg.Properties = map[string]string{kafka.PropConsumerTimeout: "500", "fetch.speed": "fast"}
	rs = Check(cfg, row.Meta{}, nil)
	require.Len(t, rs, 1)
	assert.Equal(t, Warning, rs[0].Level)
	assert.Contains(t, rs[0].Text, "fetch.speed")
	cfg.StopOnEmpty = false

	cfg.Properties = nil
	rs = Check(cfg, row.Meta{}, nil)
	require.Len(t, rs, 1)
	assert.Equal(t, OK, rs[0].Level)
}

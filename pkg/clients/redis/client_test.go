package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// ===========================================================================
// Mock Implementation
// ===========================================================================

type mockCmdable struct {
	mock.Mock
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return args.Get(0).(*redis.StringCmd)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.StatusCmd)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*redis.IntCmd)
}

func (m *mockCmdable) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return args.Get(0).(*redis.StatusCmd)
}

func (m *mockCmdable) Close() error {
	return m.Called().Error(0)
}

func newStatusCmd(val string, err error) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

func newStringCmd(val string, err error) *redis.StringCmd {
	cmd := redis.NewStringCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

func newIntCmd(val int64, err error) *redis.IntCmd {
	cmd := redis.NewIntCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// ===========================================================================
// Commands
// ===========================================================================

func TestNewFromClient_NilConfig(t *testing.T) {
	t.Parallel()
	client := NewFromClient(new(mockCmdable), nil)
	require.NotNil(t, client.config)
	assert.Equal(t, 0, client.dbIndex)

	client = NewFromClient(new(mockCmdable), &Config{DB: 4})
	assert.Equal(t, 4, client.dbIndex)
}

func TestClient_Get(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Get", mock.Anything, "authgate:grants:abc").Return(newStringCmd(`{"resources":["a"]}`, nil))

	val, err := NewFromClient(m, nil).Get(context.Background(), "authgate:grants:abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"resources":["a"]}`, string(val))
	m.AssertExpectations(t)
}

func TestClient_Get_MissingKey(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Get", mock.Anything, "missing").Return(newStringCmd("", redis.Nil))

	_, err := NewFromClient(m, nil).Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNil(err))
}

func TestClient_Get_TimeoutClassified(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Get", mock.Anything, "k").Return(newStringCmd("", context.DeadlineExceeded))

	_, err := NewFromClient(m, nil).Get(context.Background(), "k")
	assert.True(t, sserr.HasCode(err, sserr.CodeTimeoutStore))
	assert.True(t, sserr.IsRetryable(err))
	assert.False(t, IsNil(err))
}

func TestClient_Set(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Set", mock.Anything, "k", []byte("v"), 5*time.Minute).Return(newStatusCmd("OK", nil))

	require.NoError(t, NewFromClient(m, nil).Set(context.Background(), "k", []byte("v"), 5*time.Minute))
	m.AssertExpectations(t)
}

func TestClient_Set_Error(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Set", mock.Anything, "k", []byte("v"), time.Minute).Return(newStatusCmd("", errors.New("READONLY")))

	err := NewFromClient(m, nil).Set(context.Background(), "k", []byte("v"), time.Minute)
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalStore))
}

func TestClient_Del(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Del", mock.Anything, []string{"a", "b"}).Return(newIntCmd(1, nil))

	n, err := NewFromClient(m, nil).Del(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_Del_CanceledIsNotRetryable(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Del", mock.Anything, []string{"a"}).Return(newIntCmd(0, context.Canceled))

	_, err := NewFromClient(m, nil).Del(context.Background(), "a")
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalStore))
	assert.False(t, sserr.IsRetryable(err))
}

func TestClient_Health(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Ping", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})).Return(newStatusCmd("PONG", nil)).Once()
	m.On("Ping", mock.Anything).Return(newStatusCmd("", errors.New("connection refused")))

	client := NewFromClient(m, nil)
	require.NoError(t, client.Health(context.Background()))

	err := client.Health(context.Background())
	assert.True(t, sserr.HasCode(err, sserr.CodeUnavailable))
}

func TestClient_Close(t *testing.T) {
	t.Parallel()
	m := new(mockCmdable)
	m.On("Close").Return(nil)
	require.NoError(t, NewFromClient(m, nil).Close())
	m.AssertExpectations(t)
}

func TestNewClient_NotConfigured(t *testing.T) {
	t.Parallel()
	_, err := NewClient(context.Background(), Config{})
	assert.True(t, sserr.HasCode(err, sserr.CodeValidation))
}

func TestNewClient_InvalidScheme(t *testing.T) {
	t.Parallel()
	_, err := NewClient(context.Background(), Config{URI: "http://localhost:6379"})
	assert.True(t, sserr.HasCode(err, sserr.CodeValidation))
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/turnstile-solver/internal/solver"
)

func encode(t *testing.T, r solver.Result) string {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return string(data)
}

func TestOpenDropsPendingEntries(t *testing.T) {
	t.Parallel()
	rdb, mock := redismock.NewClientMock()

	mock.ExpectHGetAll(DefaultKey).SetVal(map[string]string{
		"a": encode(t, solver.Pending()),
		"b": encode(t, solver.Success("tok", time.Second)),
		"c": `"CAPTCHA_NOT_READY"`,
		"d": "{not json",
	})
	mock.ExpectHDel(DefaultKey, "a", "c", "d").SetVal(3)

	s, err := Open(context.Background(), rdb, "", zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenLoadErrorStartsEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	mock.ExpectHGetAll(DefaultKey).SetErr(errors.New("connection reset"))

	s, err := Open(ctx, rdb, "", nil)
	require.NoError(t, err)
	require.Zero(t, s.Len())

	mock.ExpectHGet(DefaultKey, "a").RedisNil()
	mock.ExpectHSet(DefaultKey, "a", encode(t, solver.Pending())).SetVal(1)
	require.NoError(t, s.SetPending(ctx, "a"))
	require.Equal(t, 1, s.Len())
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = Open(ctx, nil, "", nil)
	require.Error(t, err)
}

func TestOpenKeepsLoadedEntriesWhenCleanupFails(t *testing.T) {
	t.Parallel()
	rdb, mock := redismock.NewClientMock()
	mock.ExpectHGetAll(DefaultKey).SetVal(map[string]string{
		"a": encode(t, solver.Pending()),
		"b": encode(t, solver.Success("tok", time.Second)),
	})
	mock.ExpectHDel(DefaultKey, "a").SetErr(errors.New("read only replica"))

	s, err := Open(context.Background(), rdb, "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingThenResult(t *testing.T) {
	t.Parallel()
	rdb, mock := redismock.NewClientMock()
	mock.ExpectHGetAll(DefaultKey).SetVal(map[string]string{})

	s, err := Open(context.Background(), rdb, "", nil)
	require.NoError(t, err)

	pending := encode(t, solver.Pending())
	mock.ExpectHGet(DefaultKey, "t1").RedisNil()
	mock.ExpectHSet(DefaultKey, "t1", pending).SetVal(1)
	require.NoError(t, s.SetPending(context.Background(), "t1"))
	require.Equal(t, 1, s.Len())

	done := solver.Success("0.tok", 1500*time.Millisecond)
	mock.ExpectHGet(DefaultKey, "t1").SetVal(pending)
	mock.ExpectHSet(DefaultKey, "t1", encode(t, done)).SetVal(0)
	require.NoError(t, s.SetResult(context.Background(), "t1", done))
	require.Equal(t, 1, s.Len())

	mock.ExpectHGet(DefaultKey, "t1").SetVal(encode(t, done))
	got, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, done, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetResultIsWriteOnce(t *testing.T) {
	t.Parallel()
	rdb, mock := redismock.NewClientMock()
	mock.ExpectHGetAll(DefaultKey).SetVal(map[string]string{})
	s, err := Open(context.Background(), rdb, "", nil)
	require.NoError(t, err)

	first := encode(t, solver.Failure(solver.ReasonError, time.Second))
	mock.ExpectHGet(DefaultKey, "t1").SetVal(first)
	err = s.SetResult(context.Background(), "t1", solver.Success("late", time.Second))
	require.ErrorIs(t, err, solver.ErrAlreadyResolved)

	mock.ExpectHGet(DefaultKey, "t1").SetVal(first)
	err = s.SetPending(context.Background(), "t1")
	require.ErrorIs(t, err, solver.ErrAlreadyResolved)

	require.ErrorIs(t, s.SetResult(context.Background(), "t1", solver.Pending()), solver.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnknownAndIOErrors(t *testing.T) {
	t.Parallel()
	rdb, mock := redismock.NewClientMock()
	mock.ExpectHGetAll(DefaultKey).SetVal(map[string]string{})
	s, err := Open(context.Background(), rdb, "", nil)
	require.NoError(t, err)

	mock.ExpectHGet(DefaultKey, "missing").RedisNil()
	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, solver.ErrUnknownTask)

	mock.ExpectHGet(DefaultKey, "t2").RedisNil()
	mock.ExpectHSet(DefaultKey, "t2", encode(t, solver.Pending())).SetErr(errors.New("OOM"))
	err = s.SetPending(context.Background(), "t2")
	require.ErrorIs(t, err, solver.ErrStoreIO)
	require.Zero(t, s.Len())

	require.NoError(t, mock.ExpectationsWereMet())
}

package datastore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func testBackends(t *testing.T) map[string]Store {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	redisStore, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisStore.Close(context.Background()) })

	return map[string]Store{
		"memory": NewMemory(),
		"redis":  redisStore,
	}
}

func TestSetResolveNewest(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			require.NoError(t, store.Set(ctx, "clients/C1", "ping", []byte("1"), base, false))
			require.NoError(t, store.Set(ctx, "clients/C1", "ping", []byte("2"), base.Add(time.Second), false))

			attr, err := store.Resolve(ctx, "clients/C1", "ping")
			require.NoError(t, err)
			require.Equal(t, []byte("2"), attr.Value)

			_, err = store.Resolve(ctx, "clients/C1", "missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestResolveRegexModes(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			require.NoError(t, store.Set(ctx, "flows/F1", "task:response_1_1", []byte("a"), base, false))
			require.NoError(t, store.Set(ctx, "flows/F1", "task:response_1_2", []byte("b"), base.Add(time.Second), false))
			require.NoError(t, store.Set(ctx, "flows/F1", "task:state", []byte("RUNNING"), base, false))

			newest, err := store.ResolveRegex(ctx, "flows/F1", `^task:response_1_`, Newest, time.Time{}, time.Time{}, 0)
			require.NoError(t, err)
			require.Len(t, newest, 2)

			ranged, err := store.ResolveRegex(ctx, "flows/F1", `^task:response_1_`, Range, base.Add(-time.Minute), base.Add(500*time.Millisecond), 0)
			require.NoError(t, err)
			require.Len(t, ranged, 1)
		})
	}
}

func TestMultiSetReplace(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "hunts/H1", "counter", []byte("1"), time.Now().UTC(), false))
			require.NoError(t, store.MultiSet(ctx, "hunts/H1", []ValueWrite{
				{Predicate: "counter", Value: []byte("2"), Replace: true},
			}, nil))
			all, err := store.ResolveRegex(ctx, "hunts/H1", "^counter$", All, time.Time{}, time.Time{}, 0)
			require.NoError(t, err)
			require.Len(t, all, 1)
			require.Equal(t, []byte("2"), all[0].Value)
		})
	}
}

func TestTransactionConflict(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "flows/F2", "task:state", []byte("RUNNING"), time.Now().UTC(), true))

			txn1, err := store.Transaction(ctx, "flows/F2")
			require.NoError(t, err)
			txn2, err := store.Transaction(ctx, "flows/F2")
			require.NoError(t, err)

			txn1.Set(ctx, "task:state", []byte("TERMINATED"), time.Now().UTC(), true)
			require.NoError(t, txn1.Commit(ctx))

			txn2.Set(ctx, "task:state", []byte("ERROR"), time.Now().UTC(), true)
			err = txn2.Commit(ctx)
			require.ErrorIs(t, err, ErrTransactionConflict)

			attr, err := store.Resolve(ctx, "flows/F2", "task:state")
			require.NoError(t, err)
			require.Equal(t, []byte("TERMINATED"), attr.Value)
		})
	}
}

func TestDeleteSubject(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "clients/C9", "os", []byte("linux"), time.Now().UTC(), true))
			require.NoError(t, store.DeleteSubject(ctx, "clients/C9"))
			_, err := store.Resolve(ctx, "clients/C9", "os")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestQueryFilters(t *testing.T) {
	for name, store := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "clients/C1", "os", []byte("linux"), time.Now().UTC(), true))
			require.NoError(t, store.Set(ctx, "clients/C2", "os", []byte("windows"), time.Now().UTC(), true))

			matches, err := store.Query(ctx, "clients/", []Filter{
				PredicateMatches{Predicate: "os", Pattern: "linux"},
			}, 0)
			require.NoError(t, err)
			require.Equal(t, []string{"clients/C1"}, matches)
		})
	}
}

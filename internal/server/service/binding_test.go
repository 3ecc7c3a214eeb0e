package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hermes/internal/server/database"
)

const missingID = "6b0e2c1a-6f55-4a3c-9d0e-2f0a9d1c8b11"

func TestBindingService_AddFilesToEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("binds existing files and skips missing ones", func(t *testing.T) {
		svc, binding, _ := newTestServices(t)
		a := createFile(t, svc, "a", "alice")
		b := createFile(t, svc, "b", "alice")

		ok, err := binding.AddFilesToEvent(ctx, "ev1", []string{a, missingID, b, a}, AnyOwner())
		require.NoError(t, err)
		assert.True(t, ok)

		ids, err := binding.ListFilesForEvent(ctx, "ev1", AnyOwner())
		require.NoError(t, err)
		want := []string{a, b}
		sort.Strings(want)
		assert.Equal(t, want, ids)
	})

	t.Run("is idempotent", func(t *testing.T) {
		svc, binding, _ := newTestServices(t)
		a := createFile(t, svc, "a", "alice")

		for i := 0; i < 3; i++ {
			_, err := binding.AddFilesToEvent(ctx, "ev1", []string{a}, AnyOwner())
			require.NoError(t, err)
		}

		events, err := binding.ListEventsForFile(ctx, a, AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{"ev1"}, events)
	})

	t.Run("owner filter skips foreign files", func(t *testing.T) {
		svc, binding, _ := newTestServices(t)
		a := createFile(t, svc, "a", "alice")
		b := createFile(t, svc, "b", "bob")

		ok, err := binding.AddFilesToEvent(ctx, "ev1", []string{a, b}, OwnedBy("alice"))
		require.NoError(t, err)
		assert.True(t, ok)

		ids, err := binding.ListFilesForEvent(ctx, "ev1", AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{a}, ids)
	})

	t.Run("rejects malformed ids without writing", func(t *testing.T) {
		svc, binding, _ := newTestServices(t)
		a := createFile(t, svc, "a", "alice")

		_, err := binding.AddFilesToEvent(ctx, "ev1", []string{a, "nope"}, AnyOwner())
		assert.ErrorIs(t, err, ErrInvalidArgument)

		ids, err := binding.ListFilesForEvent(ctx, "ev1", AnyOwner())
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("requires event id", func(t *testing.T) {
		_, binding, _ := newTestServices(t)
		_, err := binding.AddFilesToEvent(ctx, "", nil, AnyOwner())
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestBindingService_ConcurrentAddsConverge(t *testing.T) {
	ctx := context.Background()
	svc, binding, _ := newTestServices(t)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, createFile(t, svc, fmt.Sprintf("f%d", i), "alice"))
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			subset := ids[offset%5 : offset%5+5]
			if _, err := binding.AddFilesToEvent(ctx, "ev1", subset, AnyOwner()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := binding.ListFilesForEvent(ctx, "ev1", AnyOwner())
	require.NoError(t, err)
	want := append([]string(nil), ids[:9]...)
	sort.Strings(want)
	assert.Equal(t, want, got)

	for _, id := range ids[:9] {
		events, err := binding.ListEventsForFile(ctx, id, AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{"ev1"}, events)
	}
}

func TestBindingService_AddEventsToFile(t *testing.T) {
	ctx := context.Background()
	svc, binding, _ := newTestServices(t)
	a := createFile(t, svc, "a", "alice")

	tests := []struct {
		name    string
		fileID  string
		events  []string
		owner   OwnerFilter
		wantErr error
	}{
		{"binds events", a, []string{"ev2", "ev1", "ev2"}, AnyOwner(), nil},
		{"owner matches", a, []string{"ev3"}, OwnedBy("alice"), nil},
		{"owner mismatch", a, []string{"ev4"}, OwnedBy("bob"), ErrForbidden},
		{"missing file", missingID, []string{"ev1"}, AnyOwner(), ErrNotFound},
		{"malformed file id", "x", []string{"ev1"}, AnyOwner(), ErrInvalidArgument},
		{"empty event id", a, []string{""}, AnyOwner(), ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := binding.AddEventsToFile(ctx, tt.fileID, tt.events, tt.owner)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}

	events, err := binding.ListEventsForFile(ctx, a, AnyOwner())
	require.NoError(t, err)
	assert.Equal(t, []string{"ev1", "ev2", "ev3"}, events)
}

func TestBindingService_Remove(t *testing.T) {
	ctx := context.Background()
	svc, binding, _ := newTestServices(t)
	a := createFile(t, svc, "a", "alice")
	b := createFile(t, svc, "b", "bob")
	_, err := binding.AddFilesToEvent(ctx, "ev1", []string{a, b}, AnyOwner())
	require.NoError(t, err)
	_, err = binding.AddEventsToFile(ctx, a, []string{"ev2"}, AnyOwner())
	require.NoError(t, err)

	t.Run("removing absent bindings changes nothing", func(t *testing.T) {
		ok, err := binding.RemoveEventsFromFile(ctx, a, []string{"ev9"}, AnyOwner())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = binding.RemoveFilesFromEvent(ctx, "ev9", []string{a, missingID}, AnyOwner())
		require.NoError(t, err)
		assert.True(t, ok)

		events, err := binding.ListEventsForFile(ctx, a, AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{"ev1", "ev2"}, events)
	})

	t.Run("by event respects owner filter silently", func(t *testing.T) {
		ok, err := binding.RemoveFilesFromEvent(ctx, "ev1", []string{a, b}, OwnedBy("bob"))
		require.NoError(t, err)
		assert.True(t, ok)

		ids, err := binding.ListFilesForEvent(ctx, "ev1", AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{a}, ids)
	})

	t.Run("by file reports forbidden", func(t *testing.T) {
		_, err := binding.RemoveEventsFromFile(ctx, a, []string{"ev2"}, OwnedBy("bob"))
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("by file reports not found", func(t *testing.T) {
		_, err := binding.RemoveEventsFromFile(ctx, missingID, []string{"ev2"}, AnyOwner())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("by file removes", func(t *testing.T) {
		ok, err := binding.RemoveEventsFromFile(ctx, a, []string{"ev2"}, OwnedBy("alice"))
		require.NoError(t, err)
		assert.True(t, ok)

		events, err := binding.ListEventsForFile(ctx, a, AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{"ev1"}, events)
	})
}

func TestBindingService_Replace(t *testing.T) {
	ctx := context.Background()

	t.Run("events for file discards prior bindings", func(t *testing.T) {
		svc, binding, _ := newTestServices(t)
		f := createFile(t, svc, "f", "alice")
		_, err := binding.AddEventsToFile(ctx, f, []string{"old1", "old2"}, AnyOwner())
		require.NoError(t, err)

		ok, err := binding.ReplaceEventsForFile(ctx, f, []string{"b", "a", "b"}, AnyOwner())
		require.NoError(t, err)
		assert.True(t, ok)

		events, err := binding.ListEventsForFile(ctx, f, AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, events)

		_, err = binding.ReplaceEventsForFile(ctx, f, []string{"c"}, OwnedBy("bob"))
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("files for event", func(t *testing.T) {
		svc, binding, _ := newTestServices(t)
		a := createFile(t, svc, "a", "alice")
		b := createFile(t, svc, "b", "alice")
		c := createFile(t, svc, "c", "alice")
		_, err := binding.AddFilesToEvent(ctx, "ev1", []string{a, b}, AnyOwner())
		require.NoError(t, err)
		_, err = binding.AddEventsToFile(ctx, a, []string{"ev2"}, AnyOwner())
		require.NoError(t, err)

		ok, err := binding.ReplaceFilesForEvent(ctx, "ev1", []string{c}, AnyOwner())
		require.NoError(t, err)
		assert.True(t, ok)

		ids, err := binding.ListFilesForEvent(ctx, "ev1", AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{c}, ids)

		events, err := binding.ListEventsForFile(ctx, a, AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{"ev2"}, events)
	})

	t.Run("files for event keeps foreign bindings under owner filter", func(t *testing.T) {
		svc, binding, _ := newTestServices(t)
		a := createFile(t, svc, "a", "alice")
		b := createFile(t, svc, "b", "bob")
		_, err := binding.AddFilesToEvent(ctx, "ev1", []string{a, b}, AnyOwner())
		require.NoError(t, err)

		_, err = binding.ReplaceFilesForEvent(ctx, "ev1", nil, OwnedBy("alice"))
		require.NoError(t, err)

		ids, err := binding.ListFilesForEvent(ctx, "ev1", AnyOwner())
		require.NoError(t, err)
		assert.Equal(t, []string{b}, ids)
	})
}

func TestBindingService_List(t *testing.T) {
	ctx := context.Background()
	svc, binding, _ := newTestServices(t)
	a := createFile(t, svc, "a", "alice")
	b := createFile(t, svc, "b", "bob")
	_, err := binding.AddFilesToEvent(ctx, "ev1", []string{a, b}, AnyOwner())
	require.NoError(t, err)

	ids, err := binding.ListFilesForEvent(ctx, "ev1", OwnedBy("bob"))
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids)

	ids, err = binding.ListFilesForEvent(ctx, "unbound", AnyOwner())
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)

	_, err = binding.ListEventsForFile(ctx, a, OwnedBy("bob"))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = binding.ListEventsForFile(ctx, missingID, AnyOwner())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = binding.ListFilesForEvent(ctx, "", AnyOwner())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	svc, binding, _ := newTestServices(t)

	res, err := svc.Create(ctx, database.NewFile{Name: "report", Filename: "report.pdf", Size: 1000, Owner: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, res.UploadURL)

	ok, err := binding.AddEventsToFile(ctx, res.ID, []string{"ev1"}, AnyOwner())
	require.NoError(t, err)
	assert.True(t, ok)

	files, err := svc.Query(ctx, database.Query{ID: res.ID})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0].Events, "ev1")

	ok, err = binding.RemoveEventsFromFile(ctx, res.ID, []string{"ev1"}, AnyOwner())
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := binding.ListEventsForFile(ctx, res.ID, AnyOwner())
	require.NoError(t, err)
	assert.Equal(t, []string{}, events)
}

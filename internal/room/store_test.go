package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreEnsureInitializesDefaults(t *testing.T) {
	req := require.New(t)
	store := NewStore("python3")

	st, created := store.Ensure("r1")

	req.True(created)
	req.Equal("r1", st.ID)
	req.Empty(st.Code)
	req.Equal("python3", st.Language)
	req.Empty(st.Output)

	_, created = store.Ensure("r1")
	req.False(created, "second ensure must reuse existing state")
	req.Equal(1, store.Len())
}

func TestStoreFallsBackToDefaultLanguage(t *testing.T) {
	store := NewStore("cobol")
	st, _ := store.Ensure("r1")
	require.Equal(t, DefaultLanguage, st.Language)
}

func TestStoreLastWriteWins(t *testing.T) {
	req := require.New(t)
	store := NewStore(DefaultLanguage)
	store.Ensure("r1")

	req.True(store.SetCode("r1", "print(1)"))
	req.True(store.SetCode("r1", "print(2)"))

	st, ok := store.Get("r1")
	req.True(ok)
	req.Equal("print(2)", st.Code)
}

func TestStoreUpdatesIgnoreUnknownRooms(t *testing.T) {
	req := require.New(t)
	store := NewStore(DefaultLanguage)

	req.False(store.SetCode("ghost", "x"))
	req.False(store.SetOutput("ghost", "x"))
	req.NoError(store.SetLanguage("ghost", "go"))

	_, ok := store.Get("ghost")
	req.False(ok, "updates must not create rooms")
}

func TestStoreSetLanguageRejectsUnsupported(t *testing.T) {
	req := require.New(t)
	store := NewStore(DefaultLanguage)
	store.Ensure("r1")

	req.ErrorIs(store.SetLanguage("r1", "cobol"), ErrUnsupportedLanguage)
	req.NoError(store.SetLanguage("r1", "rust"))

	st, _ := store.Get("r1")
	req.Equal("rust", st.Language)
}

func TestStoreTracksUpdatedAt(t *testing.T) {
	req := require.New(t)
	store := NewStore(DefaultLanguage)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	store.Ensure("r1")
	clock = clock.Add(time.Minute)
	store.SetOutput("r1", "ok")

	st, _ := store.Get("r1")
	req.Equal(clock, st.UpdatedAt)
	req.Equal(clock.Add(-time.Minute), st.CreatedAt)
}

func TestStoreEvict(t *testing.T) {
	store := NewStore(DefaultLanguage)
	store.Ensure("r1")
	store.Evict("r1")
	require.Zero(t, store.Len())
}

func TestStoreConcurrency(t *testing.T) {
	store := NewStore(DefaultLanguage)
	store.Ensure("r1")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.SetCode("r1", string(rune('a'+i%26)))
			store.Snapshot()
		}(i)
	}
	wg.Wait()

	st, _ := store.Get("r1")
	require.Len(t, st.Code, 1)
}

func TestLanguages(t *testing.T) {
	req := require.New(t)
	langs := Languages()

	req.Len(langs, 16)
	req.True(IsSupported("python3"))
	req.False(IsSupported("cobol"))

	v, err := VersionIndex("pascal")
	req.NoError(err)
	req.Equal("2", v)

	_, err = VersionIndex("cobol")
	req.ErrorIs(err, ErrUnsupportedLanguage)
}

package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, s.All())
}

func TestStore_SetGetDeleteRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "profile.json"))
	require.NoError(t, err)

	require.NoError(t, s.Set("name", "ghost"))
	v, ok := s.Get("name")
	require.True(t, ok)
	require.Equal(t, "ghost", v)

	require.NoError(t, s.Delete("name"))
	_, ok = s.Get("name")
	require.False(t, ok)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profile.json")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set("tz", "UTC"))

	s2, err := Open(path)
	require.NoError(t, err)
	v, ok := s2.Get("tz")
	require.True(t, ok)
	require.Equal(t, "UTC", v)
}

func TestStore_AllReturnsIndependentCopy(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "profile.json"))
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v1"))

	snapshot := s.All()
	snapshot["k"] = "mutated"

	v, _ := s.Get("k")
	require.Equal(t, "v1", v, "mutating the All() copy must not affect the store")
}

func TestOpenPlaybook_MissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	pb, err := OpenPlaybook(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Empty(t, pb.Recent(10))
}

func TestPlaybook_AddPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "playbook.json")
	pb1, err := OpenPlaybook(path)
	require.NoError(t, err)
	require.NoError(t, pb1.Add("tests failed silently", "always check exit code"))

	pb2, err := OpenPlaybook(path)
	require.NoError(t, err)
	lessons := pb2.Recent(10)
	require.Len(t, lessons, 1)
	require.Equal(t, "always check exit code", lessons[0].Lesson)
	require.False(t, lessons[0].Timestamp.IsZero())
}

func TestPlaybook_RecentClampsToAvailableCount(t *testing.T) {
	t.Parallel()

	pb, err := OpenPlaybook(filepath.Join(t.TempDir(), "playbook.json"))
	require.NoError(t, err)
	require.NoError(t, pb.Add("s1", "l1"))
	require.NoError(t, pb.Add("s2", "l2"))

	require.Len(t, pb.Recent(100), 2)
	require.Len(t, pb.Recent(0), 2)
	require.Len(t, pb.Recent(-5), 2)
}

func TestPlaybook_RecentReturnsNewestLast(t *testing.T) {
	t.Parallel()

	pb, err := OpenPlaybook(filepath.Join(t.TempDir(), "playbook.json"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, pb.Add("s", "l"+string(rune('0'+i))))
	}

	lessons := pb.Recent(2)
	require.Len(t, lessons, 2)
	require.Equal(t, "l3", lessons[0].Lesson)
	require.Equal(t, "l4", lessons[1].Lesson)
}

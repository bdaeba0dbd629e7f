package trace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evan-idocoding/taskmgr/rt/eventlog"
)

type fakeSubject struct{ id int64 }

func (f fakeSubject) TraceInfo() eventlog.TaskInfo {
	return eventlog.TaskInfo{ID: f.id, State: "running"}
}

func subjects(ids ...int64) func() []Subject {
	return func() []Subject {
		out := make([]Subject, 0, len(ids))
		for _, id := range ids {
			out = append(out, fakeSubject{id: id})
		}
		return out
	}
}

func TestLocal_SnapshotInOrder(t *testing.T) {
	t.Parallel()

	l, err := NewLocal(subjects(3, 1, 2), 1<<20, 64<<10)
	require.NoError(t, err)
	require.Equal(t, 16, l.MaxSubjects())

	got := l.Snapshot()
	require.Len(t, got, 3)
	require.Equal(t, []int64{3, 1, 2}, []int64{got[0].ID, got[1].ID, got[2].ID})
	require.Zero(t, l.Dropped())
}

func TestLocal_EnforcesSubjectLimit(t *testing.T) {
	t.Parallel()

	l, err := NewLocal(subjects(1, 2, 3, 4, 5), 256, 100)
	require.NoError(t, err)
	require.Equal(t, 2, l.MaxSubjects())

	got := l.Snapshot()
	require.Len(t, got, 2)
	require.Equal(t, int64(1), got[0].ID)
	require.Equal(t, uint64(3), l.Dropped())
}

func TestLocal_Empty(t *testing.T) {
	t.Parallel()

	l, err := NewLocal(subjects(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, -1, l.MaxSubjects())
	require.Empty(t, l.Snapshot())
}

func TestNewLocal_BufferLargerThanQuota(t *testing.T) {
	t.Parallel()

	_, err := NewLocal(subjects(), 10, 11)
	require.ErrorIs(t, err, ErrInvalidBudget)
}

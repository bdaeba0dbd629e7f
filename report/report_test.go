package report

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evan-idocoding/taskmgr/rt/eventlog"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

type parsedProfile struct {
	XMLName xml.Name `xml:"profile"`
	Descs   []struct {
		ID            string `xml:"id,attr"`
		ExecutionTime string `xml:"execution-time,attr"`
		CriticalTime  string `xml:"critical-time,attr"`
		Priority      string `xml:"priority,attr"`
		Period        string `xml:"period,attr"`
		Offset        string `xml:"offset,attr"`
		Quota         string `xml:"quota,attr"`
		Binary        string `xml:"binary,attr"`
	} `xml:"task-descriptions>task"`
	Events []struct {
		Type      string `xml:"type,attr"`
		TaskID    string `xml:"task-id,attr"`
		TimeStamp string `xml:"time-stamp,attr"`
		Tasks     []struct {
			ID            string `xml:"id,attr"`
			Session       string `xml:"session,attr"`
			State         string `xml:"state,attr"`
			Managed       string `xml:"managed,attr"`
			ExecutionTime string `xml:"execution-time,attr"`
			ManagedTask   *struct {
				Quota     string `xml:"quota,attr"`
				Used      string `xml:"used,attr"`
				Iteration string `xml:"iteration,attr"`
			} `xml:"managed-task"`
		} `xml:"task"`
	} `xml:"events>event"`
}

func sampleDoc() Document {
	return Document{
		Manager: Self{Name: "task-manager", Quota: 1 << 20},
		Tasks: []task.Descriptor{
			{ID: 1, ExecutionTime: 10 * time.Millisecond, CriticalTime: 20 * time.Millisecond, Priority: 3, Period: 100 * time.Millisecond, Offset: 5 * time.Millisecond, Quota: 4096, Binary: "a"},
			{ID: 2, Period: time.Second, Binary: "b"},
		},
		Events: []eventlog.Event{
			{Type: eventlog.EventStart, TaskID: 1, TimeStamp: 1500 * time.Microsecond},
			{
				Type:      eventlog.EventExternal,
				TaskID:    eventlog.SystemTaskID,
				TimeStamp: 42 * time.Millisecond,
				TaskInfos: []eventlog.TaskInfo{
					{ID: 1, Session: "a", Thread: "a", State: "running", ExecutionTime: 2500 * time.Microsecond,
						Managed: &eventlog.ManagedInfo{ID: 1, Quota: 4096, Used: 64, Iteration: 7}},
					{ID: 2, Session: "b", Thread: "b", State: "idle"},
				},
			},
		},
	}
}

func TestRender_Document(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(64 << 10)
	require.NoError(t, Render(buf, sampleDoc()))

	var p parsedProfile
	require.NoError(t, xml.Unmarshal(buf.Report().Bytes(), &p))

	require.Len(t, p.Descs, 3)
	require.Equal(t, "0", p.Descs[0].ID)
	require.Equal(t, "0", p.Descs[0].Period)
	require.Equal(t, "1048576", p.Descs[0].Quota)
	require.Equal(t, "task-manager", p.Descs[0].Binary)
	require.Equal(t, "1", p.Descs[1].ID)
	require.Equal(t, "10", p.Descs[1].ExecutionTime)
	require.Equal(t, "20", p.Descs[1].CriticalTime)
	require.Equal(t, "3", p.Descs[1].Priority)
	require.Equal(t, "100", p.Descs[1].Period)
	require.Equal(t, "5", p.Descs[1].Offset)
	require.Equal(t, "4096", p.Descs[1].Quota)
	require.Equal(t, "2", p.Descs[2].ID)

	require.Len(t, p.Events, 2)
	require.Equal(t, "START", p.Events[0].Type)
	require.Equal(t, "1", p.Events[0].TimeStamp)
	require.Empty(t, p.Events[0].Tasks)

	ext := p.Events[1]
	require.Equal(t, "EXTERNAL", ext.Type)
	require.Equal(t, "-1", ext.TaskID)
	require.Equal(t, "42", ext.TimeStamp)
	require.Len(t, ext.Tasks, 2)
	require.Equal(t, "yes", ext.Tasks[0].Managed)
	require.Equal(t, "2500", ext.Tasks[0].ExecutionTime)
	require.NotNil(t, ext.Tasks[0].ManagedTask)
	require.Equal(t, "64", ext.Tasks[0].ManagedTask.Used)
	require.Equal(t, "7", ext.Tasks[0].ManagedTask.Iteration)
	require.Equal(t, "no", ext.Tasks[1].Managed)
	require.Nil(t, ext.Tasks[1].ManagedTask)
}

func TestRender_EmptyDocument(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(1024)
	require.NoError(t, Render(buf, Document{Manager: Self{Name: "tm"}}))

	var p parsedProfile
	require.NoError(t, xml.Unmarshal(buf.Report().Bytes(), &p))
	require.Len(t, p.Descs, 1)
	require.Empty(t, p.Events)
}

func TestRender_EscapesAttributes(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(1024)
	require.NoError(t, Render(buf, Document{Manager: Self{Name: `a"<b>&`}}))

	var p parsedProfile
	require.NoError(t, xml.Unmarshal(buf.Report().Bytes(), &p))
	require.Equal(t, `a"<b>&`, p.Descs[0].Binary)
}

func TestRender_OverflowLeavesBufferEmpty(t *testing.T) {
	t.Parallel()

	full := NewBuffer(64 << 10)
	require.NoError(t, Render(full, sampleDoc()))
	size := full.Len()

	small := NewBuffer(size - 1)
	_, err := small.Write([]byte("stale"))
	require.NoError(t, err)
	err = Render(small, sampleDoc())
	require.ErrorIs(t, err, ErrOverflow)
	require.Zero(t, small.Len())

	exact := NewBuffer(size)
	require.NoError(t, Render(exact, sampleDoc()))
	require.Equal(t, size, exact.Len())
	require.LessOrEqual(t, exact.Len(), exact.Cap())
}

func TestRender_ManyEventsNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	doc := Document{Manager: Self{Name: "tm"}}
	for i := 0; i < 2000; i++ {
		doc.Events = append(doc.Events, eventlog.Event{Type: eventlog.EventTask, TaskID: int64(i % 5)})
	}
	for _, capacity := range []int{128, 4096, 16 << 10, 1 << 20} {
		buf := NewBuffer(capacity)
		err := Render(buf, doc)
		require.LessOrEqual(t, buf.Len(), buf.Cap())
		if err != nil {
			require.ErrorIs(t, err, ErrOverflow)
			require.Zero(t, buf.Len())
			continue
		}
		require.True(t, strings.HasSuffix(buf.Report().String(), "</profile>"))
	}
}

func TestBuffer_WriteAllOrNothing(t *testing.T) {
	t.Parallel()

	b := NewBuffer(4)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = b.Write([]byte("de"))
	require.ErrorIs(t, err, ErrOverflow)
	require.Zero(t, n)
	require.Equal(t, "abc", b.Report().String())

	r := b.Report()
	raw := r.Bytes()
	raw[0] = 'x'
	require.Equal(t, "abc", r.String(), "Bytes returns a copy")

	var out bytes.Buffer
	written, err := r.WriteTo(&out)
	require.NoError(t, err)
	require.EqualValues(t, 3, written)

	b.Reset()
	require.Zero(t, b.Len())
	require.Equal(t, 4, b.Cap())
}

func TestNewBuffer_PanicsOnNonPositive(t *testing.T) {
	t.Parallel()
	require.Panics(t, func() { NewBuffer(0) })
}

// Package report renders task descriptors and drained events into a bounded XML document.
//
// Document layout:
//
//	<profile>
//	  <task-descriptions>
//	    <task id execution-time critical-time priority period offset quota binary/>
//	  </task-descriptions>
//	  <events>
//	    <event type task-id time-stamp>
//	      <task id session thread state managed execution-time>
//	        <managed-task id quota used iteration/>
//	      </task>
//	    </event>
//	  </events>
//	</profile>
//
// The first task description is always the manager itself (id 0, zero timing, the
// manager's RAM quota and name). Descriptor timing attributes are milliseconds, snapshot
// execution times are microseconds and event time stamps are milliseconds since the
// event log epoch. managed-task is present only for managed snapshots.
//
// Rendering is all-or-nothing: a document that does not fit the Buffer fails with
// ErrOverflow and leaves the Buffer empty.
package report

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/evan-idocoding/taskmgr/rt/eventlog"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

// Self describes the manager's own synthetic task entry.
type Self struct {
	Name  string
	Quota uint64
}

// Document is the input of Render.
type Document struct {
	Manager Self
	Tasks   []task.Descriptor
	Events  []eventlog.Event
}

type xmlTaskDescription struct {
	ID            string `xml:"id,attr"`
	ExecutionTime string `xml:"execution-time,attr"`
	CriticalTime  string `xml:"critical-time,attr"`
	Priority      string `xml:"priority,attr"`
	Period        string `xml:"period,attr"`
	Offset        string `xml:"offset,attr"`
	Quota         string `xml:"quota,attr"`
	Binary        string `xml:"binary,attr"`
}

type xmlManagedTask struct {
	ID        string `xml:"id,attr"`
	Quota     string `xml:"quota,attr"`
	Used      string `xml:"used,attr"`
	Iteration string `xml:"iteration,attr"`
}

type xmlTaskInfo struct {
	ID            string          `xml:"id,attr"`
	Session       string          `xml:"session,attr"`
	Thread        string          `xml:"thread,attr"`
	State         string          `xml:"state,attr"`
	Managed       string          `xml:"managed,attr"`
	ExecutionTime string          `xml:"execution-time,attr"`
	ManagedTask   *xmlManagedTask `xml:"managed-task,omitempty"`
}

type xmlEvent struct {
	Type      string        `xml:"type,attr"`
	TaskID    string        `xml:"task-id,attr"`
	TimeStamp string        `xml:"time-stamp,attr"`
	Tasks     []xmlTaskInfo `xml:"task"`
}

type xmlTaskDescriptions struct {
	Tasks []xmlTaskDescription `xml:"task"`
}

var (
	profileStart = xml.StartElement{Name: xml.Name{Local: "profile"}}
	eventsStart  = xml.StartElement{Name: xml.Name{Local: "events"}}
	eventStart   = xml.StartElement{Name: xml.Name{Local: "event"}}
	descsStart   = xml.StartElement{Name: xml.Name{Local: "task-descriptions"}}
)

// Render writes doc into b, replacing its previous contents.
func Render(b *Buffer, doc Document) error {
	if b == nil {
		panic("report: Render called with nil Buffer")
	}
	b.Reset()
	if err := encode(b, doc); err != nil {
		overflow := b.overflow
		b.Reset()
		if overflow {
			return fmt.Errorf("%w (capacity %d bytes)", ErrOverflow, b.Cap())
		}
		return fmt.Errorf("report: encode: %w", err)
	}
	return nil
}

func encode(b *Buffer, doc Document) error {
	enc := xml.NewEncoder(b)

	if err := enc.EncodeToken(profileStart); err != nil {
		return err
	}

	descs := xmlTaskDescriptions{Tasks: make([]xmlTaskDescription, 0, len(doc.Tasks)+1)}
	descs.Tasks = append(descs.Tasks, xmlTaskDescription{
		ID:            "0",
		ExecutionTime: "0",
		CriticalTime:  "0",
		Priority:      "0",
		Period:        "0",
		Offset:        "0",
		Quota:         strconv.FormatUint(doc.Manager.Quota, 10),
		Binary:        doc.Manager.Name,
	})
	for _, d := range doc.Tasks {
		descs.Tasks = append(descs.Tasks, xmlTaskDescription{
			ID:            strconv.FormatInt(d.ID, 10),
			ExecutionTime: strconv.FormatInt(d.ExecutionTime.Milliseconds(), 10),
			CriticalTime:  strconv.FormatInt(d.CriticalTime.Milliseconds(), 10),
			Priority:      strconv.Itoa(d.Priority),
			Period:        strconv.FormatInt(d.Period.Milliseconds(), 10),
			Offset:        strconv.FormatInt(d.Offset.Milliseconds(), 10),
			Quota:         strconv.FormatUint(d.Quota, 10),
			Binary:        d.Binary,
		})
	}
	if err := enc.EncodeElement(descs, descsStart); err != nil {
		return err
	}

	// Events are streamed one by one so an overflow stops early.
	if err := enc.EncodeToken(eventsStart); err != nil {
		return err
	}
	for _, ev := range doc.Events {
		if err := enc.EncodeElement(toXMLEvent(ev), eventStart); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(eventsStart.End()); err != nil {
		return err
	}
	if err := enc.EncodeToken(profileStart.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func toXMLEvent(ev eventlog.Event) xmlEvent {
	out := xmlEvent{
		Type:      ev.Type.String(),
		TaskID:    strconv.FormatInt(ev.TaskID, 10),
		TimeStamp: strconv.FormatInt(ev.TimeStamp.Milliseconds(), 10),
	}
	if len(ev.TaskInfos) == 0 {
		return out
	}
	out.Tasks = make([]xmlTaskInfo, 0, len(ev.TaskInfos))
	for _, ti := range ev.TaskInfos {
		x := xmlTaskInfo{
			ID:            strconv.FormatInt(ti.ID, 10),
			Session:       ti.Session,
			Thread:        ti.Thread,
			State:         ti.State,
			Managed:       "no",
			ExecutionTime: strconv.FormatInt(ti.ExecutionTime.Microseconds(), 10),
		}
		if mi := ti.Managed; mi != nil {
			x.Managed = "yes"
			x.ManagedTask = &xmlManagedTask{
				ID:        strconv.FormatInt(mi.ID, 10),
				Quota:     strconv.FormatUint(mi.Quota, 10),
				Used:      strconv.FormatUint(mi.Used, 10),
				Iteration: strconv.FormatUint(mi.Iteration, 10),
			}
		}
		out.Tasks = append(out.Tasks, x)
	}
	return out
}

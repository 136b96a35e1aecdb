package notify

import (
	"testing"

	"github.com/comhuhuan/agentize/internal/model"
)

type recordingSubscriber struct {
	lines  []WidgetLines
	metas  []WidgetMeta
	fields []SessionFields
}

func (r *recordingSubscriber) OnWidgetLines(d WidgetLines)     { r.lines = append(r.lines, d) }
func (r *recordingSubscriber) OnWidgetMeta(d WidgetMeta)       { r.metas = append(r.metas, d) }
func (r *recordingSubscriber) OnSessionFields(d SessionFields) { r.fields = append(r.fields, d) }

func TestHubFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub()
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Subscribe(a)
	hub.Subscribe(b)

	hub.PublishWidgetLines(WidgetLines{SessionID: "s1", WidgetID: "w1", Lines: []string{"x"}})
	hub.PublishWidgetMeta(WidgetMeta{SessionID: "s1", WidgetID: "w1"})
	hub.PublishSessionFields(SessionFields{Session: model.Session{SessionID: "s1"}})

	for _, sub := range []*recordingSubscriber{a, b} {
		if len(sub.lines) != 1 || len(sub.metas) != 1 || len(sub.fields) != 1 {
			t.Fatalf("subscriber deltas = %d/%d/%d", len(sub.lines), len(sub.metas), len(sub.fields))
		}
	}
	if a.lines[0].Lines[0] != "x" || a.fields[0].Session.SessionID != "s1" {
		t.Fatalf("delta payloads = %+v %+v", a.lines[0], a.fields[0])
	}
}

func TestHubWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub()
	hub.PublishWidgetLines(WidgetLines{SessionID: "s1"})
	hub.PublishSessionFields(SessionFields{})
}

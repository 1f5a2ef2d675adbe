// Package audit records every engine event as an append-only trail in the
// graph. The recorder subscribes globally to the event bus; entries carry a
// per-instance monotonic sequence number alongside the wall-clock timestamp
// so ordering within an instance lane is stable even when timestamps tie.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/hooks"
	"github.com/spear-engine/spear/engine/vocab"
)

type (
	// Entry is one decoded audit record.
	Entry struct {
		URI       string
		Instance  string
		EventType string
		Node      string
		Seq       int64
		At        time.Time
		Details   map[string]any
		User      string
	}

	// Recorder persists bus events as audit entries. Register it globally:
	//
	//	rec := audit.NewRecorder(st, ns)
	//	bus.Subscribe(rec)
	Recorder struct {
		st graph.Store
		ns graph.Namespaces

		mu  sync.Mutex
		seq map[string]int64
	}
)

// NewRecorder returns a recorder over the given store. Sequence counters
// resume from the highest recorded entry per instance, so re-creating the
// recorder over a restored graph keeps the trail monotone.
func NewRecorder(st graph.Store, ns graph.Namespaces) *Recorder {
	return &Recorder{st: st, ns: ns.Normalized(), seq: make(map[string]int64)}
}

// HandleEvent implements hooks.Subscriber. Events raised outside any
// instance are skipped; everything else is appended. Failures to encode the
// detail map drop the details, never the entry.
func (r *Recorder) HandleEvent(_ context.Context, event hooks.Event) error {
	instanceURI := event.Instance()
	if instanceURI == "" {
		return nil
	}
	uri := r.ns.Audit + uuid.NewString()
	r.st.Add(uri, graph.RDFType, r.ns.Class(vocab.ClassAuditEntry))
	r.st.Add(uri, r.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	r.st.Add(uri, r.ns.Pred(vocab.EventType), graph.String(string(event.Type())))
	r.st.Add(uri, r.ns.Pred(vocab.Seq), graph.Int(r.nextSeq(instanceURI)))
	r.st.Add(uri, r.ns.Pred(vocab.At), graph.Time(time.UnixMilli(event.Timestamp()).UTC()))
	if node := event.Node(); node != "" {
		r.st.Add(uri, r.ns.Pred(vocab.AtNode), graph.IRI(node))
	}
	details := hooks.Details(event)
	if user, ok := details["user"].(string); ok {
		r.st.Add(uri, r.ns.Pred(vocab.User), graph.String(user))
		delete(details, "user")
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			r.st.Add(uri, r.ns.Pred(vocab.Details), graph.String(string(raw)))
		}
	}
	return nil
}

// Entries returns the instance's audit trail in sequence order.
func (r *Recorder) Entries(instanceURI string) []Entry {
	var entries []Entry
	for _, uri := range r.st.Subjects(r.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI)) {
		if ty, ok := r.st.Value(uri, graph.RDFType); !ok || !ty.Equal(r.ns.Class(vocab.ClassAuditEntry)) {
			continue
		}
		entries = append(entries, r.decode(uri, instanceURI))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries
}

// EventTypes returns the instance's audit event types in sequence order, a
// convenience for asserting on execution traces.
func (r *Recorder) EventTypes(instanceURI string) []string {
	entries := r.Entries(instanceURI)
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.EventType
	}
	return types
}

func (r *Recorder) decode(uri, instanceURI string) Entry {
	e := Entry{URI: uri, Instance: instanceURI}
	if v, ok := r.st.Value(uri, r.ns.Pred(vocab.EventType)); ok {
		e.EventType = v.Value
	}
	if v, ok := r.st.Value(uri, r.ns.Pred(vocab.AtNode)); ok {
		e.Node = v.Value
	}
	if v, ok := r.st.Value(uri, r.ns.Pred(vocab.Seq)); ok {
		if n, isInt := v.Native().(int64); isInt {
			e.Seq = n
		}
	}
	if v, ok := r.st.Value(uri, r.ns.Pred(vocab.At)); ok {
		if at, isTime := v.Native().(time.Time); isTime {
			e.At = at
		}
	}
	if v, ok := r.st.Value(uri, r.ns.Pred(vocab.User)); ok {
		e.User = v.Value
	}
	if v, ok := r.st.Value(uri, r.ns.Pred(vocab.Details)); ok {
		var details map[string]any
		if err := json.Unmarshal([]byte(v.Value), &details); err == nil {
			e.Details = details
		}
	}
	return e
}

// nextSeq hands out the next per-instance sequence number, seeding the
// counter from the graph the first time an instance is seen.
func (r *Recorder) nextSeq(instanceURI string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.seq[instanceURI]
	if !ok {
		for _, uri := range r.st.Subjects(r.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI)) {
			if ty, tok := r.st.Value(uri, graph.RDFType); !tok || !ty.Equal(r.ns.Class(vocab.ClassAuditEntry)) {
				continue
			}
			if v, vok := r.st.Value(uri, r.ns.Pred(vocab.Seq)); vok {
				if s, isInt := v.Native().(int64); isInt && s > n {
					n = s
				}
			}
		}
	}
	n++
	r.seq[instanceURI] = n
	return n
}

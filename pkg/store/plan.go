package store

import (
	"time"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
)

// LookupFunc reads the committed state of a record inside an engine's
// critical section. found is false when the record does not exist.
type LookupFunc func(id primitives.RecordID) (rec record.Record, found bool, err error)

// Change is the net effect of a batch on one record.
type Change struct {
	ID primitives.RecordID

	// Before is the committed record, nil if it did not exist.
	Before *record.Record

	// After is the record to store, nil if it must be removed.
	After *record.Record
}

// Plan is a validated batch ready to be written by an engine.
type Plan struct {
	Changes  []Change
	Outcomes []Outcome
}

type planner struct {
	lookup    LookupFunc
	rules     *Rules
	component string
	now       time.Time

	order   []primitives.RecordID
	before  map[primitives.RecordID]*record.Record
	current map[primitives.RecordID]*record.Record
}

// BuildPlan validates batch against the state exposed by lookup and returns
// the changes to write. Engines call it while holding whatever lock makes
// lookup and the subsequent write atomic. Nothing is written here.
func BuildPlan(batch []Mutation, lookup LookupFunc, rules *Rules, component string) (*Plan, error) {
	p := &planner{
		lookup:    lookup,
		rules:     rules,
		component: component,
		now:       time.Now(),
		before:    make(map[primitives.RecordID]*record.Record),
		current:   make(map[primitives.RecordID]*record.Record),
	}

	outcomes := make([]Outcome, 0, len(batch))
	for _, m := range batch {
		out, err := p.apply(m)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
	}

	changes := make([]Change, 0, len(p.order))
	for _, id := range p.order {
		before, after := p.before[id], p.current[id]
		if before == nil && after == nil {
			continue
		}
		if before != nil && after != nil && before.Version == after.Version {
			continue
		}
		changes = append(changes, Change{ID: id, Before: before, After: after})
	}
	return &Plan{Changes: changes, Outcomes: outcomes}, nil
}

// state returns the staged record for id, loading it on first access.
func (p *planner) state(id primitives.RecordID) (*record.Record, error) {
	if rec, ok := p.current[id]; ok {
		return rec, nil
	}
	rec, found, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	var staged *record.Record
	if found {
		cp := rec.Clone()
		staged = &cp
	}
	p.order = append(p.order, id)
	p.before[id] = staged
	p.current[id] = staged
	return staged, nil
}

func (p *planner) stage(id primitives.RecordID, rec *record.Record) {
	p.current[id] = rec
}

func (p *planner) checkVersion(op Op, id primitives.RecordID, rec *record.Record, expected primitives.Version) error {
	if rec == nil {
		return dberror.Newf(dberror.ErrNotFound, "Apply", p.component, "%s %s", op, id)
	}
	if rec.Version != expected {
		return dberror.Newf(dberror.ErrVersionConflict, "Apply", p.component,
			"%s %s expected %s, found %s", op, id, expected, rec.Version).
			WithHint("retry the transaction from a fresh read")
	}
	return nil
}

func (p *planner) apply(m Mutation) (Outcome, error) {
	if !m.ID.Valid() {
		return Outcome{}, dberror.Newf(dberror.ErrInvalidArgument, "Apply", p.component, "invalid record id %q", m.ID)
	}

	rec, err := p.state(m.ID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ID: m.ID, Op: m.Op}

	switch m.Op {
	case OpInsert:
		if rec != nil {
			return Outcome{}, dberror.Newf(dberror.ErrAlreadyExists, "Apply", p.component, "%s", m.ID)
		}
		next := &record.Record{ID: m.ID, Payload: m.Payload.Clone(), Version: primitives.InitialVersion, UpdatedAt: p.now}
		if next.Payload == nil {
			next.Payload = record.Payload{}
		}
		p.stage(m.ID, next)
		out.Version, out.Payload = next.Version, next.Payload.Clone()

	case OpUpdate:
		if err := p.checkVersion(m.Op, m.ID, rec, m.Expected); err != nil {
			return Outcome{}, err
		}
		next := &record.Record{ID: m.ID, Payload: m.Payload.Clone(), Version: rec.Version.Next(), UpdatedAt: p.now}
		if next.Payload == nil {
			next.Payload = record.Payload{}
		}
		p.stage(m.ID, next)
		for _, orphan := range p.rules.Orphaned(m.ID.Kind, rec.Payload, next.Payload) {
			removed, err := p.cascade(orphan, map[primitives.RecordID]bool{m.ID: true})
			if err != nil {
				return Outcome{}, err
			}
			out.Removed = append(out.Removed, removed...)
		}
		out.Version, out.Payload = next.Version, next.Payload.Clone()

	case OpTouch:
		if err := p.checkVersion(m.Op, m.ID, rec, m.Expected); err != nil {
			return Outcome{}, err
		}
		next := &record.Record{ID: m.ID, Payload: rec.Payload, Version: rec.Version.Next(), UpdatedAt: p.now}
		p.stage(m.ID, next)
		out.Version, out.Payload = next.Version, next.Payload.Clone()

	case OpDelete:
		if err := p.checkVersion(m.Op, m.ID, rec, m.Expected); err != nil {
			return Outcome{}, err
		}
		p.stage(m.ID, nil)
		visited := map[primitives.RecordID]bool{m.ID: true}
		for _, child := range p.rules.Owned(m.ID.Kind, rec.Payload) {
			removed, err := p.cascade(child, visited)
			if err != nil {
				return Outcome{}, err
			}
			out.Removed = append(out.Removed, removed...)
		}

	case OpVerify:
		if err := p.checkVersion(m.Op, m.ID, rec, m.Expected); err != nil {
			return Outcome{}, err
		}
		out.Version, out.Payload = rec.Version, rec.Payload.Clone()

	default:
		return Outcome{}, dberror.Newf(dberror.ErrInvalidArgument, "Apply", p.component, "unknown op %d", m.Op)
	}

	return out, nil
}

// cascade removes id and everything it owns, without version checks.
// Missing records are skipped: an owner may reference a child that was
// never persisted or was already removed.
func (p *planner) cascade(id primitives.RecordID, visited map[primitives.RecordID]bool) ([]primitives.RecordID, error) {
	if visited[id] {
		return nil, nil
	}
	visited[id] = true

	rec, err := p.state(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	p.stage(id, nil)
	removed := []primitives.RecordID{id}
	for _, child := range p.rules.Owned(id.Kind, rec.Payload) {
		more, err := p.cascade(child, visited)
		if err != nil {
			return nil, err
		}
		removed = append(removed, more...)
	}
	return removed, nil
}

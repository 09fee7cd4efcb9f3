package datastore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore is a mutex-guarded, in-process Store. Versions of a predicate
// are kept newest-first. Grounded on the teacher's memoryCache: a single
// RWMutex-protected map, clone-on-read semantics, and lazy expiry handled at
// read time rather than via a background sweep.
type memoryStore struct {
	mu   sync.RWMutex
	subs map[string]*memorySubject
}

type memorySubject struct {
	attrs map[string][]Attribute // predicate -> versions, newest first
	lock  uint64
}

// NewMemory constructs an empty in-process datastore.
func NewMemory() Store {
	return &memoryStore{subs: make(map[string]*memorySubject)}
}

func (m *memoryStore) subject(name string, create bool) *memorySubject {
	s, ok := m.subs[name]
	if !ok {
		if !create {
			return nil
		}
		s = &memorySubject{attrs: make(map[string][]Attribute)}
		m.subs[name] = s
	}
	return s
}

func (m *memoryStore) Set(_ context.Context, subject, predicate string, value []byte, ts time.Time, replace bool) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.subject(subject, true)
	applyWrite(s, ValueWrite{Predicate: predicate, Value: value, Timestamp: ts, Replace: replace})
	return nil
}

func (m *memoryStore) MultiSet(_ context.Context, subject string, writes []ValueWrite, toDelete []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.subject(subject, true)
	for _, pred := range toDelete {
		delete(s.attrs, pred)
	}
	for _, w := range writes {
		applyWrite(s, w)
	}
	return nil
}

func applyWrite(s *memorySubject, w ValueWrite) {
	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	versions := s.attrs[w.Predicate]
	if w.Replace {
		versions = nil
	}
	versions = append([]Attribute{{Predicate: w.Predicate, Value: append([]byte(nil), w.Value...), Timestamp: ts}}, versions...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Timestamp.After(versions[j].Timestamp) })
	s.attrs[w.Predicate] = versions
}

func (m *memoryStore) Resolve(_ context.Context, subject, predicate string) (Attribute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.subject(subject, false)
	if s == nil {
		return Attribute{}, ErrNotFound
	}
	versions, ok := s.attrs[predicate]
	if !ok || len(versions) == 0 {
		return Attribute{}, ErrNotFound
	}
	return cloneAttr(versions[0]), nil
}

func (m *memoryStore) ResolveRegex(_ context.Context, subject, predicateRegex string, mode TimestampMode, start, end time.Time, limit int) ([]Attribute, error) {
	re, err := regexp.Compile(predicateRegex)
	if err != nil {
		return nil, fmt.Errorf("datastore: compile predicate regex %q: %w", predicateRegex, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.subject(subject, false)
	if s == nil {
		return nil, nil
	}
	var out []Attribute
	predicates := sortedKeys(s.attrs)
	for _, pred := range predicates {
		if !re.MatchString(pred) {
			continue
		}
		versions := s.attrs[pred]
		switch mode {
		case Newest:
			if len(versions) > 0 {
				out = append(out, cloneAttr(versions[0]))
			}
		case All:
			for _, v := range versions {
				out = append(out, cloneAttr(v))
			}
		case Range:
			for _, v := range versions {
				if !v.Timestamp.Before(start) && !v.Timestamp.After(end) {
					out = append(out, cloneAttr(v))
				}
			}
		}
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (m *memoryStore) MultiResolveRegex(ctx context.Context, subjects []string, predicateRegex string, mode TimestampMode, limit int) (map[string][]Attribute, error) {
	out := make(map[string][]Attribute, len(subjects))
	for _, subj := range subjects {
		attrs, err := m.ResolveRegex(ctx, subj, predicateRegex, mode, time.Time{}, time.Time{}, limit)
		if err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			out[subj] = attrs
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteSubject(_ context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, subject)
	return nil
}

func (m *memoryStore) DeleteAttributes(_ context.Context, subject string, predicates []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.subject(subject, false)
	if s == nil {
		return nil
	}
	for _, pred := range predicates {
		delete(s.attrs, pred)
	}
	return nil
}

func (m *memoryStore) Transaction(_ context.Context, subject string) (Txn, error) {
	m.mu.Lock()
	s := m.subject(subject, true)
	startLock := s.lock
	snapshot := make(map[string][]Attribute, len(s.attrs))
	for k, v := range s.attrs {
		snapshot[k] = append([]Attribute(nil), v...)
	}
	m.mu.Unlock()

	return &memoryTxn{
		store:     m,
		subject:   subject,
		startLock: startLock,
		snapshot:  snapshot,
		writes:    make(map[string]ValueWrite),
	}, nil
}

func (m *memoryStore) Query(_ context.Context, prefix string, filters []Filter, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []string
	for _, name := range sortedKeys(m.subs) {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		s := m.subs[name]
		lookup := func(predicate string) (Attribute, bool) {
			versions := s.attrs[predicate]
			if len(versions) == 0 {
				return Attribute{}, false
			}
			return versions[0], true
		}
		ok := true
		for _, f := range filters {
			if !f.Match(context.Background(), name, lookup) {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, name)
		}
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func (m *memoryStore) Close(context.Context) error { return nil }

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneAttr(in Attribute) Attribute {
	return Attribute{Predicate: in.Predicate, Value: append([]byte(nil), in.Value...), Timestamp: in.Timestamp}
}

// memoryTxn implements Txn atop memoryStore using the "_lock version" scheme
// described in §4.1: Commit only succeeds if the subject's lock counter still
// matches the value observed when the transaction began.
type memoryTxn struct {
	store     *memoryStore
	subject   string
	startLock uint64
	snapshot  map[string][]Attribute
	writes    map[string]ValueWrite
	deletes   []string
	done      bool
}

func (t *memoryTxn) Subject() string { return t.subject }

func (t *memoryTxn) Resolve(_ context.Context, predicate string) (Attribute, error) {
	versions := t.snapshot[predicate]
	if len(versions) == 0 {
		return Attribute{}, ErrNotFound
	}
	return cloneAttr(versions[0]), nil
}

func (t *memoryTxn) ResolveRegex(_ context.Context, predicateRegex string, mode TimestampMode, start, end time.Time, limit int) ([]Attribute, error) {
	re, err := regexp.Compile(predicateRegex)
	if err != nil {
		return nil, err
	}
	var out []Attribute
	for _, pred := range sortedKeys(t.snapshot) {
		if !re.MatchString(pred) {
			continue
		}
		versions := t.snapshot[pred]
		switch mode {
		case Newest:
			if len(versions) > 0 {
				out = append(out, cloneAttr(versions[0]))
			}
		case All:
			for _, v := range versions {
				out = append(out, cloneAttr(v))
			}
		case Range:
			for _, v := range versions {
				if !v.Timestamp.Before(start) && !v.Timestamp.After(end) {
					out = append(out, cloneAttr(v))
				}
			}
		}
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (t *memoryTxn) Set(_ context.Context, predicate string, value []byte, ts time.Time, replace bool) {
	t.writes[predicate] = ValueWrite{Predicate: predicate, Value: value, Timestamp: ts, Replace: replace}
}

func (t *memoryTxn) Delete(_ context.Context, predicates ...string) {
	t.deletes = append(t.deletes, predicates...)
}

func (t *memoryTxn) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("datastore: transaction already closed")
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	s := t.store.subject(t.subject, true)
	if s.lock != t.startLock {
		return ErrTransactionConflict
	}
	for _, pred := range t.deletes {
		delete(s.attrs, pred)
	}
	for _, w := range t.writes {
		applyWrite(s, w)
	}
	s.lock++
	return nil
}

func (t *memoryTxn) Rollback(context.Context) error {
	t.done = true
	return nil
}

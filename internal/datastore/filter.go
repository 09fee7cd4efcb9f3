package datastore

import (
	"context"
	"regexp"
	"strconv"
)

// Filter composes scan predicates for Store.Query. Implementations are
// evaluated against a read-only view of one subject's attributes.
type Filter interface {
	Match(ctx context.Context, subject string, attrs func(predicate string) (Attribute, bool)) bool
}

// And matches when every child filter matches.
type And []Filter

func (f And) Match(ctx context.Context, subject string, attrs func(string) (Attribute, bool)) bool {
	for _, child := range f {
		if !child.Match(ctx, subject, attrs) {
			return false
		}
	}
	return true
}

// Or matches when at least one child filter matches.
type Or []Filter

func (f Or) Match(ctx context.Context, subject string, attrs func(string) (Attribute, bool)) bool {
	for _, child := range f {
		if child.Match(ctx, subject, attrs) {
			return true
		}
	}
	return len(f) == 0
}

// HasPredicate matches subjects carrying at least one version of Predicate.
type HasPredicate struct{ Predicate string }

func (f HasPredicate) Match(_ context.Context, _ string, attrs func(string) (Attribute, bool)) bool {
	_, ok := attrs(f.Predicate)
	return ok
}

// PredicateMatches matches when Predicate's newest value matches Pattern as a regular expression.
type PredicateMatches struct {
	Predicate string
	Pattern   string
}

func (f PredicateMatches) Match(_ context.Context, _ string, attrs func(string) (Attribute, bool)) bool {
	attr, ok := attrs(f.Predicate)
	if !ok {
		return false
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return false
	}
	return re.Match(attr.Value)
}

// PredicateLessThan matches when Predicate's newest value, parsed as a base-10
// integer, is strictly less than Threshold.
type PredicateLessThan struct {
	Predicate string
	Threshold int64
}

func (f PredicateLessThan) Match(_ context.Context, _ string, attrs func(string) (Attribute, bool)) bool {
	attr, ok := attrs(f.Predicate)
	if !ok {
		return false
	}
	v, err := strconv.ParseInt(string(attr.Value), 10, 64)
	if err != nil {
		return false
	}
	return v < f.Threshold
}

// SubjectMatches matches when the subject path itself matches Pattern.
type SubjectMatches struct{ Pattern string }

func (f SubjectMatches) Match(_ context.Context, subject string, _ func(string) (Attribute, bool)) bool {
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}

// Package screening rejects proofs whose extracted text matches a deny-list.
package screening

import "strings"

// DefaultTerms are the deny-list entries used when configuration provides none.
// They target financial documents that should never be submitted as proof.
var DefaultTerms = []string{
	"invoice",
	"bank statement",
	"account number",
	"routing number",
	"iban",
	"swift",
	"credit card",
	"tax return",
	"pay stub",
	"receipt total",
}

// Verdict is the result of screening one text.
type Verdict struct {
	Allowed bool
	Term    string // first matching deny-list entry when not allowed
}

// Filter is an immutable case-insensitive substring deny-list.
type Filter struct {
	terms []string
}

// NewFilter builds a filter from terms. Blank terms are ignored; duplicates collapse.
func NewFilter(terms []string) *Filter {
	seen := make(map[string]struct{}, len(terms))
	f := &Filter{}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		f.terms = append(f.terms, term)
	}
	return f
}

// Screen checks text against the deny-list. Any match blocks.
func (f *Filter) Screen(text string) Verdict {
	lower := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return Verdict{Allowed: false, Term: term}
		}
	}
	return Verdict{Allowed: true}
}

// Terms returns a copy of the normalized deny-list.
func (f *Filter) Terms() []string {
	out := make([]string, len(f.terms))
	copy(out, f.terms)
	return out
}

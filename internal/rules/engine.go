package rules

import (
	"errors"

	"example.com/linetap/internal/frame"
)

// Result reports what Evaluate did to a frame.
type Result struct {
	Output   []byte
	RuleID   string
	Modified bool
	Repaired bool
}

// Evaluate runs the snapshot's enabled rules in priority order against a
// completed frame and applies the first match. Invalid frames are never
// touched: they forward in their corrupted shape so both ends see the same
// line errors. When the substitution lands in a protocol with an integrity
// field, the field is recomputed so the altered frame still verifies.
func (s *Set) Evaluate(f *frame.Frame) (Result, error) {
	res := Result{Output: f.Raw}
	if !f.Valid {
		return res, nil
	}
	for i := range s.compiled {
		cr := &s.compiled[i]
		if !cr.rule.Enabled || !cr.scopeCovers(f.Protocol) {
			continue
		}
		start, end, caps, ok := cr.pat.find(f.Raw, cr.rule.IgnoreCase)
		if !ok {
			continue
		}
		repl := cr.repl.expand(caps)
		out := make([]byte, 0, len(f.Raw)-(end-start)+len(repl))
		out = append(out, f.Raw[:start]...)
		out = append(out, repl...)
		out = append(out, f.Raw[end:]...)
		res.RuleID = cr.rule.ID
		res.Modified = true
		repaired, err := frame.Repair(f.Protocol, out)
		if err != nil {
			if errors.Is(err, frame.ErrNoIntegrityField) {
				res.Output = out
				return res, nil
			}
			return res, err
		}
		res.Output = repaired
		res.Repaired = true
		return res, nil
	}
	return res, nil
}

// TestSample previews a rule set against raw sample bytes: the sample is
// parsed as the given protocol and evaluated without touching live traffic.
func (s *Set) TestSample(p frame.Protocol, raw []byte) (*frame.Frame, Result, error) {
	f := frame.Parse(p, raw)
	res, err := s.Evaluate(f)
	return f, res, err
}

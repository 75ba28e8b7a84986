package splits

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// A read instruction is a sum of atoms joined by '+'. Each atom names a split
// with an optional bracketed range:
//
//	train
//	train[100:200]
//	train[:75%]+validation[-500:]
//
// Bounds are absolute record offsets (negative counts from the end of the
// split) or integer percentages of the split's record count. Percentage
// bounds use one boundary function, floor(p*records/100), for both ends, so
// adjacent percentage slices of a split partition it exactly.
var atomRE = regexp.MustCompile(`^(?P<name>[A-Za-z_][A-Za-z0-9_.-]*)(?:\[(?P<start>[^:\[\]]*):(?P<end>[^:\[\]]*)\])?$`)

// BoundKind discriminates the three bound forms.
type BoundKind int

const (
	BoundNone BoundKind = iota
	BoundAbs
	BoundPercent
)

// Bound is one endpoint of an atom's range.
type Bound struct {
	Kind  BoundKind
	Value int
}

// Atom is one parsed term of an instruction. Both bounds BoundNone means the
// whole split.
type Atom struct {
	Split string
	Start Bound
	End   Bound
}

func (b Bound) String() string {
	switch b.Kind {
	case BoundPercent:
		return fmt.Sprintf("%d%%", b.Value)
	case BoundAbs:
		return strconv.Itoa(b.Value)
	default:
		return ""
	}
}

func (a Atom) String() string {
	if a.Start.Kind == BoundNone && a.End.Kind == BoundNone {
		return a.Split
	}
	return fmt.Sprintf("%s[%s:%s]", a.Split, a.Start, a.End)
}

// Selection addresses a contiguous record range inside a single shard.
// Start and End are record offsets local to that shard, end exclusive.
type Selection struct {
	Split string
	Shard int
	Start int
	End   int
}

// ValidationError reports a malformed or self-contradictory instruction.
type ValidationError struct {
	Instruction string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid instruction %q: %s", e.Instruction, e.Reason)
}

// OutOfRangeError reports a bound that references records a split does not
// have.
type OutOfRangeError struct {
	Split        string
	Bound        string
	TotalRecords int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("bound %s out of range for split %q with %d records",
		e.Bound, e.Split, e.TotalRecords)
}

// ParseInstruction parses an instruction into its atoms without resolving
// them against a catalog.
func ParseInstruction(instruction string) ([]Atom, error) {
	terms := strings.Split(instruction, "+")
	atoms := make([]Atom, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, &ValidationError{Instruction: instruction, Reason: "empty atom"}
		}
		m := atomRE.FindStringSubmatch(term)
		if m == nil {
			return nil, &ValidationError{Instruction: instruction, Reason: fmt.Sprintf("cannot parse atom %q", term)}
		}
		atom := Atom{Split: m[1]}
		var err error
		if atom.Start, err = parseBound(m[2]); err != nil {
			return nil, &ValidationError{Instruction: instruction, Reason: fmt.Sprintf("atom %q: %v", term, err)}
		}
		if atom.End, err = parseBound(m[3]); err != nil {
			return nil, &ValidationError{Instruction: instruction, Reason: fmt.Sprintf("atom %q: %v", term, err)}
		}
		atoms = append(atoms, atom)
	}
	return atoms, nil
}

func parseBound(s string) (Bound, error) {
	if s == "" {
		return Bound{Kind: BoundNone}, nil
	}
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.Atoi(pct)
		if err != nil || v < 0 {
			return Bound{}, fmt.Errorf("bad percentage bound %q", s)
		}
		return Bound{Kind: BoundPercent, Value: v}, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return Bound{}, fmt.Errorf("bad bound %q", s)
	}
	return Bound{Kind: BoundAbs, Value: v}, nil
}

// Resolve parses an instruction and resolves it against a catalog into an
// ordered selection list covering each requested record exactly once. No
// selection crosses a shard boundary. Resolution is a pure function of the
// instruction and the catalog.
func Resolve(instruction string, c *Catalog) ([]Selection, error) {
	atoms, err := ParseInstruction(instruction)
	if err != nil {
		return nil, err
	}
	var (
		selections []Selection
		resolved   = make(map[string][][2]int)
	)
	for _, atom := range atoms {
		info, err := c.Split(atom.Split)
		if err != nil {
			return nil, err
		}
		start, end, err := absoluteRange(atom, info)
		if err != nil {
			return nil, err
		}
		for _, prev := range resolved[atom.Split] {
			if start < prev[1] && prev[0] < end {
				return nil, &ValidationError{
					Instruction: instruction,
					Reason: fmt.Sprintf("split %q ranges [%d:%d) and [%d:%d) overlap",
						atom.Split, prev[0], prev[1], start, end),
				}
			}
		}
		resolved[atom.Split] = append(resolved[atom.Split], [2]int{start, end})
		selections = append(selections, cut(info, start, end)...)
	}
	return selections, nil
}

// absoluteRange converts an atom's bounds to absolute record offsets
// [start, end) within the split.
func absoluteRange(atom Atom, info Info) (int, int, error) {
	total := info.TotalRecords
	start, err := absoluteBound(atom.Start, info, 0)
	if err != nil {
		return 0, 0, err
	}
	end, err := absoluteBound(atom.End, info, total)
	if err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, &ValidationError{
			Instruction: atom.String(),
			Reason:      fmt.Sprintf("start %d past end %d", start, end),
		}
	}
	return start, end, nil
}

func absoluteBound(b Bound, info Info, whenAbsent int) (int, error) {
	total := info.TotalRecords
	switch b.Kind {
	case BoundNone:
		return whenAbsent, nil
	case BoundPercent:
		if b.Value > 100 {
			return 0, &OutOfRangeError{Split: info.Name, Bound: fmt.Sprintf("%d%%", b.Value), TotalRecords: total}
		}
		return b.Value * total / 100, nil
	case BoundAbs:
		v := b.Value
		if v < 0 {
			v += total
		}
		if v < 0 || v > total {
			return 0, &OutOfRangeError{Split: info.Name, Bound: strconv.Itoa(b.Value), TotalRecords: total}
		}
		return v, nil
	default:
		panic(fmt.Sprintf("splits: unhandled bound kind %d", b.Kind))
	}
}

// cut slices the absolute range [start, end) against the split's per-shard
// lengths, one selection per shard touched.
func cut(info Info, start, end int) []Selection {
	var (
		out []Selection
		cum = info.cumulative()
	)
	for k := 0; k < len(info.ShardLengths); k++ {
		lo, hi := cum[k], cum[k+1]
		if hi <= start || lo >= end || lo == hi {
			continue
		}
		out = append(out, Selection{
			Split: info.Name,
			Shard: k,
			Start: max(start, lo) - lo,
			End:   min(end, hi) - lo,
		})
	}
	return out
}

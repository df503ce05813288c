package manifest

// Vector is a version vector: one monotonic counter per node that has ever
// mutated the document. A node only increments its own component; merging
// takes the element-wise maximum.
type Vector map[string]uint64

// Ordering is the causal relation between two vectors
type Ordering int

const (
	Equal Ordering = iota
	Dominates
	Dominated
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Clone returns a copy of the vector
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for node, n := range v {
		out[node] = n
	}
	return out
}

// Increment bumps the given node's component. Counters never decrease.
func (v Vector) Increment(node string) {
	v[node]++
}

// Merge returns a new vector holding the element-wise maximum of both
func (v Vector) Merge(other Vector) Vector {
	out := v.Clone()
	for node, n := range other {
		if n > out[node] {
			out[node] = n
		}
	}
	return out
}

// Compare determines the causal relation of v to other
func Compare(v, other Vector) Ordering {
	vAhead := false
	otherAhead := false

	for node, n := range v {
		if n > other[node] {
			vAhead = true
		}
	}
	for node, n := range other {
		if n > v[node] {
			otherAhead = true
		}
	}

	switch {
	case vAhead && otherAhead:
		return Concurrent
	case vAhead:
		return Dominates
	case otherAhead:
		return Dominated
	default:
		return Equal
	}
}

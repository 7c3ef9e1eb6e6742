package session

// Accumulator is the opaque intermediate state folded from events. Each value
// is owned by exactly one window at a time.
type Accumulator any

// Aggregator defines how events fold into an accumulator and how a final
// result is projected from it. Merge must be associative and commutative:
// window merges happen in no particular order, and a timer may fire after any
// number of them.
type Aggregator interface {
	CreateAccumulator() Accumulator
	Add(acc Accumulator, ev Event) Accumulator
	Merge(a, b Accumulator) Accumulator
	Result(acc Accumulator) int64
}

// avgState is the running-average accumulator.
type avgState struct {
	sum   int64
	count int64
}

type averageAggregator struct{}

// NewAverageAggregator returns an Aggregator computing the integer average of
// event values.
func NewAverageAggregator() Aggregator { return averageAggregator{} }

func (averageAggregator) CreateAccumulator() Accumulator { return avgState{} }

func (averageAggregator) Add(acc Accumulator, ev Event) Accumulator {
	s := acc.(avgState)
	s.sum += ev.Value
	s.count++

	return s
}

func (averageAggregator) Merge(a, b Accumulator) Accumulator {
	sa := a.(avgState)
	sb := b.(avgState)

	return avgState{sum: sa.sum + sb.sum, count: sa.count + sb.count}
}

func (averageAggregator) Result(acc Accumulator) int64 {
	s := acc.(avgState)
	if s.count == 0 {
		return 0
	}

	return s.sum / s.count
}

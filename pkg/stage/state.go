package stage

// State is the progress of a stage within one build run.
type State int

const (
	Pending State = iota
	SignatureComputed
	CacheHit
	Building
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case SignatureComputed:
		return "signature-computed"
	case CacheHit:
		return "cached"
	case Building:
		return "building"
	case Ready:
		return "built"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Done reports whether the stage has an image to build on.
func (s State) Done() bool {
	return s == CacheHit || s == Ready
}

package learner

import (
	"fmt"
	"strings"
)

// Kind selects the sequence encoder used by the prototype learner.
type Kind int

const (
	// KindMeanPool averages token embeddings.
	KindMeanPool Kind = iota + 1
	// KindMaxPool takes the elementwise maximum of token embeddings.
	KindMaxPool
)

func (k Kind) String() string {
	switch k {
	case KindMeanPool:
		return "mean"
	case KindMaxPool:
		return "max"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mean", "meanpool", "mean_pool":
		return KindMeanPool, nil
	case "max", "maxpool", "max_pool":
		return KindMaxPool, nil
	default:
		return 0, fmt.Errorf("unknown learner kind %q (want mean or max)", s)
	}
}

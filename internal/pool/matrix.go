package pool

import (
	"fmt"
	"strings"
)

// Matrix is the cartesian product of training parameters expanded into one command each
type Matrix struct {
	Models       []string `yaml:"models"`
	Datasets     []string `yaml:"datasets"`
	Universes    []string `yaml:"universes"`
	RollingTypes []string `yaml:"rolling_types"`
}

// Size is the number of commands the matrix expands to
func (m Matrix) Size() int {
	n := 1
	for _, axis := range [][]string{m.Models, m.Datasets, m.Universes, m.RollingTypes} {
		if len(axis) > 0 {
			n *= len(axis)
		}
	}
	return n
}

// IsZero reports whether no axis is set
func (m Matrix) IsZero() bool {
	return len(m.Models)+len(m.Datasets)+len(m.Universes)+len(m.RollingTypes) == 0
}

// Expand appends each combination's flags to base, ordered model, dataset, universe,
// rolling type. Empty axes contribute no flag.
func (m Matrix) Expand(base []string) []Command {
	if m.IsZero() {
		return nil
	}
	combos := [][]string{{}}
	axes := []struct {
		flag   string
		values []string
	}{
		{"--model", m.Models},
		{"--dataset", m.Datasets},
		{"--universe", m.Universes},
		{"--rolling-type", m.RollingTypes},
	}
	for _, axis := range axes {
		if len(axis.values) == 0 {
			continue
		}
		next := make([][]string, 0, len(combos)*len(axis.values))
		for _, c := range combos {
			for _, v := range axis.values {
				ext := make([]string, len(c), len(c)+2)
				copy(ext, c)
				next = append(next, append(ext, axis.flag, v))
			}
		}
		combos = next
	}

	cmds := make([]Command, 0, len(combos))
	for _, c := range combos {
		args := make([]string, 0, len(base)+len(c))
		args = append(args, base...)
		args = append(args, c...)
		cmds = append(cmds, Command{Name: name(c), Args: args})
	}
	return cmds
}

func name(flags []string) string {
	var parts []string
	for i := 1; i < len(flags); i += 2 {
		parts = append(parts, flags[i])
	}
	return fmt.Sprintf("train[%s]", strings.Join(parts, ","))
}

package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ExperimentKey is the composite identity of a rolling experiment. Two scheduler passes
// with equal keys append to the same experiment.
type ExperimentKey struct {
	Model    string `json:"model"`
	Dataset  string `json:"dataset"`
	Universe string `json:"universe"`
	Mode     string `json:"mode"`
	Step     int    `json:"step"`
	Prefix   string `json:"prefix,omitempty"`
	Suffix   string `json:"suffix,omitempty"`
}

// BaseName is the deterministic name stem derived from the key
func (k ExperimentKey) BaseName() string {
	parts := make([]string, 0, 7)
	if k.Prefix != "" {
		parts = append(parts, k.Prefix)
	}
	parts = append(parts, k.Model, k.Dataset, k.Universe, k.Mode, "step"+strconv.Itoa(k.Step))
	if k.Suffix != "" {
		parts = append(parts, k.Suffix)
	}
	return strings.Join(parts, "_")
}

// NewName stamps the base name with the creation hour
func (k ExperimentKey) NewName(now time.Time) string {
	return k.BaseName() + "_" + now.Format(nameTimeLayout)
}

const nameTimeLayout = "20060102_15"

var nameStamp = regexp.MustCompile(`_\d{8}_\d{2}$`)

// TrimNameStamp strips a trailing creation stamp, for experiments created before keys
// were persisted
func TrimNameStamp(name string) string {
	return nameStamp.ReplaceAllString(name, "")
}

// ExperimentInfo is the persisted experiment.json plus discovery details
type ExperimentInfo struct {
	Name      string         `json:"name"`
	Key       *ExperimentKey `json:"key,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	Dir string `json:"-"`
}

// HasKey reports whether the experiment was created with a persisted identity key
func (e ExperimentInfo) HasKey() bool {
	return e.Key != nil
}

func (e ExperimentInfo) String() string {
	if e.Key == nil {
		return fmt.Sprintf("%s (legacy)", e.Name)
	}
	return fmt.Sprintf("%s (%s)", e.Name, e.Key.BaseName())
}

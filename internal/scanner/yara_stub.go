//go:build !yara

package scanner

import (
	"context"
	"errors"
)

// ErrYaraUnsupported is returned when the binary was built without the yara tag.
var ErrYaraUnsupported = errors.New("yara support not compiled in (build with -tags yara)")

// YaraDelegate is a placeholder in builds without libyara
type YaraDelegate struct{}

// NewYaraDelegate always fails without the yara build tag
func NewYaraDelegate(string) (*YaraDelegate, error) {
	return nil, ErrYaraUnsupported
}

func (y *YaraDelegate) Name() string { return "yara" }

func (y *YaraDelegate) Classify(context.Context, string) Verdict {
	return Verdict{Outcome: ScanUnavailable, Detail: ErrYaraUnsupported.Error()}
}

func (y *YaraDelegate) Close() error { return nil }

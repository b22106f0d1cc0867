//go:build yara

package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hillu/go-yara/v4"
)

// YaraDelegate matches files against a compiled YARA rule set
type YaraDelegate struct {
	rules *yara.Rules
	count int
}

// NewYaraDelegate compiles every .yar/.yara file under rulesDir
func NewYaraDelegate(rulesDir string) (*YaraDelegate, error) {
	if rulesDir == "" {
		return nil, fmt.Errorf("yara rules directory is not configured")
	}

	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("failed to create yara compiler: %w", err)
	}
	defer compiler.Destroy()

	count := 0
	err = filepath.WalkDir(rulesDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(p))
		if d.IsDir() || (ext != ".yar" && ext != ".yara") {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		namespace := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if err := compiler.AddFile(f, namespace); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile yara rules: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("no yara rules found in %s", rulesDir)
	}

	rules, err := compiler.GetRules()
	if err != nil {
		return nil, fmt.Errorf("failed to get compiled rules: %w", err)
	}

	return &YaraDelegate{rules: rules, count: count}, nil
}

func (y *YaraDelegate) Name() string { return "yara" }

// Classify scans path with the compiled rules, bounded by ctx's deadline
func (y *YaraDelegate) Classify(ctx context.Context, path string) Verdict {
	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return Verdict{Outcome: ScanTimeout}
	}

	var matches yara.MatchRules
	if err := y.rules.ScanFile(path, 0, timeout, &matches); err != nil {
		return Verdict{Outcome: Indeterminate, Detail: fmt.Sprintf("yara scan failed: %v", err)}
	}
	if len(matches) == 0 {
		return Verdict{Outcome: Benign}
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Namespace+"."+m.Rule)
	}
	return Verdict{Outcome: Threat, Detail: strings.Join(names, ", ")}
}

// Close frees the compiled rules
func (y *YaraDelegate) Close() error {
	y.rules.Destroy()
	return nil
}

package scanner

import "fmt"

// Options selects and configures a delegate
type Options struct {
	Kind                string
	Command             string
	Args                []string
	VTAPIKey            string
	VTBaseURL           string
	VTRequestsPerMinute int
	YaraRulesDir        string
}

// New builds the delegate named by opts.Kind. Engines that are configured but
// not installed are not an error here; they report ScanUnavailable per file.
func New(opts Options) (Delegate, error) {
	switch opts.Kind {
	case "defender":
		return Defender(), nil
	case "clamav":
		return ClamAV(), nil
	case "command":
		if opts.Command == "" {
			return nil, fmt.Errorf("command scanner needs a command")
		}
		return NewCommandDelegate("command", opts.Command, opts.Args, nil), nil
	case "virustotal":
		return NewVirusTotalDelegate(opts.VTAPIKey, opts.VTBaseURL, opts.VTRequestsPerMinute), nil
	case "yara":
		d, err := NewYaraDelegate(opts.YaraRulesDir)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown scanner kind %q", opts.Kind)
	}
}

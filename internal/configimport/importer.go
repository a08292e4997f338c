package configimport

import (
	"fmt"
	"regexp"
	"strings"
)

// serverNamePattern is the name shape the router accepts.
var serverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxServerNameLength = 64

// ValidServerName checks whether a source server name can be used as-is.
func ValidServerName(name string) error {
	if name == "" {
		return fmt.Errorf("server name cannot be empty")
	}
	if len(name) > maxServerNameLength {
		return fmt.Errorf("server name cannot exceed %d characters", maxServerNameLength)
	}
	if !serverNamePattern.MatchString(name) {
		return fmt.Errorf("server name %q contains invalid characters (only alphanumeric, dash, underscore allowed)", name)
	}
	return nil
}

// SanitizeServerName derives a valid name from an invalid one. Separators
// become underscores, everything else invalid is dropped. Returns "" when
// nothing usable remains.
func SanitizeServerName(name string) string {
	if ValidServerName(name) == nil {
		return name
	}

	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '/' || r == '\\':
			if b.Len() > 0 && b.String()[b.Len()-1] != '_' {
				b.WriteByte('_')
			}
		}
	}

	result := strings.Trim(b.String(), "_")
	if len(result) > maxServerNameLength {
		result = result[:maxServerNameLength]
	}
	if ValidServerName(result) != nil {
		return ""
	}
	return result
}

// Import detects the source format, parses its servers, and maps each into
// router form. It does not persist anything; the caller decides what to do
// with the result.
func Import(content []byte, opts *Options) (*Result, error) {
	if opts == nil {
		opts = &Options{}
	}

	format := opts.FormatHint
	if format == "" || format == FormatUnknown {
		detection, err := DetectFormat(content)
		if err != nil {
			return nil, err
		}
		format = detection.Format
	}

	p := parserFor(format)
	if p == nil {
		return nil, &ImportError{
			Type:    "unknown_format",
			Message: fmt.Sprintf("no parser available for format %q", format),
		}
	}

	parsedServers, err := p.Parse(content)
	if err != nil {
		return nil, err
	}

	result := &Result{Format: format}

	existing := make(map[string]bool, len(opts.ExistingServers))
	for _, name := range opts.ExistingServers {
		existing[name] = true
	}

	var filter map[string]bool
	if len(opts.ServerNames) > 0 {
		filter = make(map[string]bool, len(opts.ServerNames))
		for _, name := range opts.ServerNames {
			filter[name] = true
		}
	}
	found := make(map[string]bool, len(parsedServers))

	for _, parsed := range parsedServers {
		found[parsed.Name] = true

		if filter != nil && !filter[parsed.Name] {
			result.Skipped = append(result.Skipped, SkippedServer{
				Name: parsed.Name, Reason: "filtered_out",
			})
			continue
		}

		if err := ValidServerName(parsed.Name); err != nil {
			sanitized := SanitizeServerName(parsed.Name)
			if sanitized == "" {
				result.Failed = append(result.Failed, FailedServer{
					Name: parsed.Name, Error: err.Error(),
				})
				continue
			}
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("server %q renamed to %q due to invalid characters", parsed.Name, sanitized))
			parsed.Name = sanitized
		}

		if existing[parsed.Name] {
			result.Skipped = append(result.Skipped, SkippedServer{
				Name: parsed.Name, Reason: "already_exists",
			})
			continue
		}

		imported, err := mapServer(parsed, opts.EnableImported)
		if err != nil {
			result.Failed = append(result.Failed, FailedServer{
				Name: parsed.Name, Error: err.Error(),
			})
			continue
		}

		result.Imported = append(result.Imported, imported)
		existing[parsed.Name] = true
	}

	for name := range filter {
		if !found[name] {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("requested server %q not found in config", name))
		}
	}

	result.Summary = Summary{
		Total:    len(parsedServers),
		Imported: len(result.Imported),
		Skipped:  len(result.Skipped),
		Failed:   len(result.Failed),
	}
	return result, nil
}

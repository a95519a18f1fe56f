package workload

import (
	"fmt"
	"regexp"
	"strings"
)

const defaultDocsBranch = "main"

var serviceRe = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// ApplyDefaults fills optional request fields the way the submission
// surface would: docs branch, working directory, kind.
func ApplyDefaults(r *Request) {
	if r.Kind == "" {
		r.Kind = KindCode
	}
	if r.DocsBranch == "" {
		r.DocsBranch = defaultDocsBranch
	}
	if r.WorkingDirectory == "" {
		r.WorkingDirectory = r.Service
	}
	if r.ContextVersion == 0 {
		r.ContextVersion = 1
	}
}

// Validate checks required fields and formats. All violations are
// configuration errors: terminal, resubmission required.
func Validate(r *Request) error {
	var problems []string

	if r.TaskID < 1 {
		problems = append(problems, "task_id must be >= 1")
	}
	if strings.TrimSpace(r.Service) == "" {
		problems = append(problems, "service is required")
	} else if !serviceRe.MatchString(r.Service) {
		problems = append(problems, "service must be a lowercase slug (letters, digits, hyphens)")
	}
	if strings.TrimSpace(r.Repository) == "" {
		problems = append(problems, "repository is required")
	}
	if strings.TrimSpace(r.DocsRepository) == "" {
		problems = append(problems, "docs_repository is required")
	}
	switch r.Kind {
	case KindCode, KindDocs:
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", r.Kind))
	}
	if r.ContextVersion < 1 {
		problems = append(problems, "context_version must be >= 1")
	}
	for i, ref := range r.EnvFromSecrets {
		if ref.Name == "" || ref.SecretName == "" || ref.SecretKey == "" {
			problems = append(problems, fmt.Sprintf("env_from_secrets[%d] requires name, secret_name and secret_key", i))
		}
	}

	if len(problems) > 0 {
		return &Error{
			Op:  "validate",
			Err: fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; ")),
		}
	}
	return nil
}

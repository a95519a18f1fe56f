// Package naming derives the deterministic, collision-resistant resource
// names used for execution jobs and named configs.
//
// All functions are pure: the same inputs always produce the same name, so
// re-observing a workload mid-reconcile can never allocate a second job.
package naming

import (
	"fmt"
	"strings"
)

// maxNameLength is the DNS-1123 label budget for substrate resource names.
const maxNameLength = 63

// shortUIDLength is how much of the workload UID goes into the job name.
const shortUIDLength = 8

// Sanitize lowers the input and maps characters that are invalid in
// resource names onto hyphens.
func Sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
	return strings.Trim(s, "-")
}

// ShortUID returns the leading segment of a workload UID for use in names.
func ShortUID(uid string) string {
	uid = Sanitize(uid)
	if len(uid) <= shortUIDLength {
		return uid
	}
	return uid[:shortUIDLength]
}

// JobName builds the execution job name:
//
//	<kind>-<namespace>-<name>-<short-uid>-t<task_id>-v<context_version>
//
// The versioned suffix gives every attempt exclusive ownership of its job;
// a later attempt never mutates an earlier one's resources.
func JobName(kind, namespace, name, uid string, taskID, version int) string {
	base := fmt.Sprintf("%s-%s-%s-%s",
		Sanitize(kind), Sanitize(namespace), Sanitize(name), ShortUID(uid))
	suffix := fmt.Sprintf("-t%d-v%d", taskID, version)

	if len(base)+len(suffix) > maxNameLength {
		base = strings.TrimRight(base[:maxNameLength-len(suffix)], "-")
	}
	return base + suffix
}

// ConfigName builds the named-config name for an attempt's task files:
//
//	<service>-task<task_id>-v<context_version>-files
func ConfigName(service string, taskID, version int) string {
	return fmt.Sprintf("%s-task%d-v%d-files", Sanitize(service), taskID, version)
}

// WorkspaceName is the task-scoped shared workspace claim for a service.
// Retries reuse it (no per-attempt subdirectory) so on-disk agent memory
// persists when session continuation is requested.
func WorkspaceName(service string) string {
	return "workspace-" + Sanitize(service)
}

package sandbox

import "regexp"

const contentRedactedPlaceholder = "[redacted]"

// secretPatterns catches secrets embedded inside tool output content — a
// committed .env line, a pasted bearer token in test output — which
// RedactArgs' key-name matching can't see, since it only looks at argument
// field names, not values.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	regexp.MustCompile(`(?i)(aws_secret_access_key["\s:=]+)[a-zA-Z0-9/+=]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// RedactContent scrubs secret-shaped substrings out of tool output before it
// reaches an agent or the audit trail (§4.7 redact-and-persist), grounded on
// the teacher's internal/shared/security.Sanitize content-pattern scan —
// RedactArgs only catches suspiciously-named fields, not secrets embedded in
// file contents or test output.
func RedactContent(output []byte) []byte {
	result := string(output)
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				return match[loc[2]:loc[3]] + contentRedactedPlaceholder
			}
			return contentRedactedPlaceholder
		})
	}
	return []byte(result)
}

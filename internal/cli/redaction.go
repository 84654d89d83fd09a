package cli

import "regexp"

var redactionPatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	// Private key PEM blocks, whatever their algorithm prefix
	{regexp.MustCompile(`-----BEGIN ([A-Z]+ )?PRIVATE KEY-----[^-]*-----END ([A-Z]+ )?PRIVATE KEY-----`), "[PRIVATE KEY REDACTED]"},

	// Password-like patterns
	{regexp.MustCompile(`[Pp]ass(word|phrase)[\s:=]+[^\s]+`), "password=[REDACTED]"},

	// Home directories in file paths
	{regexp.MustCompile(`/home/[^/\s]+`), "/home/[USER]"},
	{regexp.MustCompile(`/Users/[^/\s]+`), "/Users/[USER]"},
}

// RedactError redacts sensitive information from error messages before they
// are printed to the terminal.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// RedactString redacts sensitive information from any string.
func RedactString(s string) string {
	for _, p := range redactionPatterns {
		s = p.pattern.ReplaceAllString(s, p.replace)
	}
	return s
}

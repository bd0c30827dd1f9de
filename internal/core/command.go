package core

import (
	"regexp"
)

// envScrubList holds env keys that are always removed before the
// environment is handed to a subprocess or logged: credentials and
// noisy terminal settings.
var envScrubList = []string{"GP_REMOTE_PWD", "LS_COLORS"}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// SubstituteArgv expands {name} placeholders in each argv token from
// the given namespace. Unknown placeholders are left intact so that
// launcher-side substitution can still act on them. Substitution is
// order-independent: each token is scanned once against the complete
// namespace.
func SubstituteArgv(argv []string, ns map[string]string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
			name := match[1 : len(match)-1]
			if v, ok := ns[name]; ok {
				return v
			}
			return match
		})
	}
	return out
}

// FinalizeEnv stamps the kernel identity into env and scrubs
// sensitive or noisy keys. KERNEL_LANGUAGE already present in the env
// stanza wins over the spec's language.
func FinalizeEnv(env map[string]string, kernelID, language string) {
	env["KERNEL_ID"] = kernelID

	if language == "" {
		language = "unknown-kernel-language"
	}
	if _, ok := env["KERNEL_LANGUAGE"]; !ok {
		env["KERNEL_LANGUAGE"] = language
	}

	for _, k := range envScrubList {
		delete(env, k)
	}
}

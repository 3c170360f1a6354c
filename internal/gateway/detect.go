package gateway

import (
	"regexp"
)

// blockStatusCodes are response codes that, on their own, indicate the
// proxy got blocked or challenged rather than reaching the origin.
var blockStatusCodes = map[int]bool{
	403: true,
	407: true,
	429: true,
	503: true,
}

var blockBodyPatterns = compilePatterns(
	`cloudflare`,
	`captcha`,
	`access denied`,
	`blocked`,
	`unusual traffic`,
	`rate limit`,
	`banned`,
	`forbidden`,
)

var challengeURLPatterns = compilePatterns(
	`/cdn-cgi/challenge`,
	`/challenge`,
	`captcha`,
	`recaptcha`,
)

func compilePatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// maxBodyScanBytes bounds how much of the response body is scanned for
// block patterns, so a large legitimate response doesn't cost a full
// buffer scan.
const maxBodyScanBytes = 65536

// isBlocked decides whether a response indicates the proxy was
// blocked: a known block status code, a block pattern in the first
// maxBodyScanBytes of the body, or a redirect toward a challenge URL.
func isBlocked(status int, body []byte, redirectURL string) (bool, string) {
	if blockStatusCodes[status] {
		return true, "status_code"
	}

	scan := body
	if len(scan) > maxBodyScanBytes {
		scan = scan[:maxBodyScanBytes]
	}
	for _, p := range blockBodyPatterns {
		if p.Match(scan) {
			return true, "body_pattern"
		}
	}

	if redirectURL != "" {
		for _, p := range challengeURLPatterns {
			if p.MatchString(redirectURL) {
				return true, "challenge_redirect"
			}
		}
	}

	return false, ""
}

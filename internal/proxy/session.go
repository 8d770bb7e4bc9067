package proxy

import "regexp"

// sessionPattern matches the /_session/{id} URL convention. The id charset
// is restricted so session tags can be embedded safely in file names and
// query filters.
var sessionPattern = regexp.MustCompile(`^/_session/([A-Za-z0-9._\-]{1,128})(/.*)?$`)

// extractSession strips a /_session/{id} prefix from path, returning the
// session id and the rewritten path. Paths without the prefix come back
// unchanged with an empty id. Extraction runs before provider
// classification, so /_session/foo/v1/messages still classifies as
// anthropic.
func extractSession(path string) (sessionID, forwardPath string) {
	m := sessionPattern.FindStringSubmatch(path)
	if m == nil {
		return "", path
	}
	forwardPath = m[2]
	if forwardPath == "" {
		forwardPath = "/"
	}
	return m[1], forwardPath
}

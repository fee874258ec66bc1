package auth

import "strings"

// InsecureGate accepts any credential and treats it as the client id
// directly. Only wired when AUTH_DISABLED=true, for local development.
type InsecureGate struct{}

func NewInsecureGate() InsecureGate { return InsecureGate{} }

func (InsecureGate) Validate(credential string) (string, error) {
	id := strings.TrimSpace(credential)
	if id == "" {
		return "anonymous", nil
	}
	return id, nil
}

package connector

import "reflect"

type Credential interface{}

// Subject is the security principal set a connection was created for.
type Subject struct {
	Principals         []string
	PrivateCredentials []Credential
	PublicCredentials  []Credential
}

// SubjectsEqual compares subjects by content: both nil, or equal private and
// public credential sets.
func SubjectsEqual(s1, s2 *Subject) bool {
	if s1 == nil && s2 == nil {
		return true
	}
	if s1 == nil || s2 == nil {
		return false
	}
	if s1 == s2 {
		return true
	}
	return credentialsEqual(s1.PrivateCredentials, s2.PrivateCredentials) &&
		credentialsEqual(s1.PublicCredentials, s2.PublicCredentials)
}

func credentialsEqual(c1, c2 []Credential) bool {
	if len(c1) != len(c2) {
		return false
	}
	for _, credential := range c1 {
		if !containsCredential(c2, credential) {
			return false
		}
	}
	return true
}

func containsCredential(set []Credential, credential Credential) bool {
	for _, c := range set {
		if reflect.DeepEqual(c, credential) {
			return true
		}
	}
	return false
}

// CRIsEqual compares request infos by reference, then by value.
func CRIsEqual(c1, c2 ConnectionRequestInfo) bool {
	if c1 == nil && c2 == nil {
		return true
	}
	if c1 == nil || c2 == nil {
		return false
	}
	if sameReference(c1, c2) {
		return true
	}
	return c1.Equal(c2)
}

func sameReference(c1, c2 ConnectionRequestInfo) bool {
	t := reflect.TypeOf(c1)
	if t != reflect.TypeOf(c2) || !t.Comparable() {
		return false
	}
	return c1 == c2
}

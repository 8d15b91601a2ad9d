// Package critical models the global critical section shared by the CAN
// transmit queue and the transfer id cache. Both are touched from the
// receive path (the equivalent of CAN interrupt context) and from
// application goroutines.
//
// Operations that require the section to be held take a [Token] argument.
// A Token can only be obtained from [Section.Enter] so holding one is the
// proof that the caller is inside the section.
package critical

import "sync"

type Section struct {
	mu sync.Mutex
}

// Token is the proof that the critical section is held
type Token struct {
	s *Section
}

func New() *Section {
	return &Section{}
}

// Enter the critical section, blocking until it is available
func (s *Section) Enter() Token {
	s.mu.Lock()
	return Token{s: s}
}

// Exit the critical section. Exiting twice, or with a zero Token, panics.
func (t Token) Exit() {
	if t.s == nil {
		panic("critical: exit with invalid token")
	}
	t.s.mu.Unlock()
}

// Held reports whether the token was issued by s.
// Used by _I entry points to catch tokens coming from another section.
func (t Token) Held(s *Section) bool {
	return t.s == s && s != nil
}

// Must panics if the token was not issued by s
func (t Token) Must(s *Section) {
	if !t.Held(s) {
		panic("critical: token does not belong to this section")
	}
}

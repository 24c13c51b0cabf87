package auth

import (
	"github.com/chrootkit/chrootkit/chkerr"
	"github.com/chrootkit/chrootkit/chroot"
)

// step identifies how far the Session flow has progressed, so that a
// failure partway through unwinds exactly the steps that were entered.
type step int

const (
	stepNone step = iota
	stepStarted
	stepAuthenticated
	stepEnvSetUp
	stepAccounted
	stepCredEstablished
)

// Session drives the start → authenticate → setup_env → account →
// cred_establish → (body) → cred_delete → stop flow of spec 4.6. Stop
// unwinds from whatever step was last reached; a step that fails returns
// its error without unwinding on its own.
type Session struct {
	gate   *Gate
	conv   Conversation
	ruid   int
	ruser  string
	uid    int
	user   string
	status Status
	step   step
}

// NewSession prepares (but does not start) an authentication session for
// the ruid@ruser → uid@user transition against chroots.
func NewSession(gate *Gate, conv Conversation, ruid int, ruser string, uid int, user string, chroots []*chroot.Chroot) (*Session, error) {
	status, err := gate.Decide(ruid, ruser, uid, user, chroots)
	if err != nil {
		return nil, err
	}
	return &Session{gate: gate, conv: conv, ruid: ruid, ruser: ruser, uid: uid, user: user, status: status}, nil
}

// Status returns the decided authentication status.
func (s *Session) Status() Status { return s.status }

// Start begins the PAM-like transaction.
func (s *Session) Start() error {
	if s.status == StatusFail {
		return chkerr.New(chkerr.PAMStart, "access denied")
	}
	s.step = stepStarted
	return nil
}

// Authenticate prompts for and verifies a password when status is
// StatusUser; it is a no-op when status is StatusNone. verify is called
// with the entered password and should return nil on success.
func (s *Session) Authenticate(verify func(password string) error) error {
	if s.step != stepStarted {
		return chkerr.New(chkerr.PAMAuth, "authenticate called out of order")
	}
	if s.status == StatusUser {
		pw, err := s.conv.PromptEchoOff("Password: ")
		if err != nil {
			return chkerr.Wrap(chkerr.PAMAuth, s.ruser, err)
		}
		if err := verify(pw); err != nil {
			return chkerr.Wrap(chkerr.PAMAuth, s.ruser, err)
		}
	}
	s.step = stepAuthenticated
	return nil
}

// SetupEnv imports a minimal or caller-specified environment into the auth
// context. apply receives control to perform the actual import.
func (s *Session) SetupEnv(apply func() error) error {
	if s.step != stepAuthenticated {
		return chkerr.New(chkerr.PAMAccount, "setup_env called out of order")
	}
	if apply != nil {
		if err := apply(); err != nil {
			return chkerr.Wrap(chkerr.PAMAccount, s.user, err)
		}
	}
	s.step = stepEnvSetUp
	return nil
}

// Account performs the authorisation check proper.
func (s *Session) Account() error {
	if s.step != stepEnvSetUp {
		return chkerr.New(chkerr.PAMAccount, "account called out of order")
	}
	if s.status == StatusFail {
		return chkerr.New(chkerr.PAMAccount, "access denied")
	}
	s.step = stepAccounted
	return nil
}

// CredEstablish establishes any credentials the session body will need.
func (s *Session) CredEstablish() error {
	if s.step != stepAccounted {
		return chkerr.New(chkerr.PAMCred, "cred_establish called out of order")
	}
	s.step = stepCredEstablished
	return nil
}

// CredDelete reverses CredEstablish.
func (s *Session) CredDelete() error {
	if s.step < stepCredEstablished {
		return nil
	}
	s.step = stepAccounted
	return nil
}

// Stop tears down whatever step the session last reached, proceeding
// back to stepNone regardless of where it was interrupted.
func (s *Session) Stop() error {
	switch {
	case s.step >= stepCredEstablished:
		s.CredDelete()
	}
	s.step = stepNone
	return nil
}

package server

// Outcome is the result handed back to the HTTP pipeline after a login attempt.
// Exactly one of Principal or Err is set.
type Outcome struct {
	Principal *Principal
	Tokens    TokenSet
	Reason    string
	Err       error
}

// AuthenticatedOutcome builds a successful outcome.
func AuthenticatedOutcome(p *Principal, tokens TokenSet) Outcome {
	return Outcome{Principal: p, Tokens: tokens}
}

// Failed builds a failed outcome. The reason is the failure category of err.
func Failed(err error) Outcome {
	return Outcome{Reason: Category(err), Err: err}
}

// Succeeded reports whether the outcome carries an authenticated principal.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Principal != nil
}

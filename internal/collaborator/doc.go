// Package collaborator holds the plumbing shared by the gateways that talk to
// the external committee, ledger and hash-computation processes.
//
// Every collaborator reports results as text lines of the form
//
//	TAG;status;field1;field2;...
//
// possibly wrapped in "//...//" inside a longer log line. A gateway parses
// the most recent line carrying its tag exactly once, checks the field count
// declared for that tag and status, and turns it into either a typed result
// or an *Error. Nothing downstream of a gateway ever sees raw text.
package collaborator

package dkg

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"ticketing/internal/collaborator"
	"ticketing/internal/logger"
)

const (
	credentialSeparator = ":"
	verifiedToken       = "true"
)

// IssueMasterCredential asks the committee for a master credential bound to
// an identity hash.
func (g *Gateway) IssueMasterCredential(ctx context.Context, idHash string) (Credential, error) {
	out, err := g.run(ctx, "issueMasterCredential", "--idhash", idHash)
	if err != nil {
		return Credential{}, err
	}
	return g.decodeCredential("issueMasterCredential", out)
}

// IssueEventCredential derives an event-scoped credential from a master
// credential.
func (g *Gateway) IssueEventCredential(ctx context.Context, idHash, eventName string, master Credential) (Credential, error) {
	out, err := g.run(ctx, "issueEventCredential",
		"--idhash", idHash,
		"--eventName", eventName,
		"--masterCredential", master.Credential,
		"--masterSignatures", EncodeSignatures(master.Signatures),
	)
	if err != nil {
		return Credential{}, err
	}
	return g.decodeCredential("issueEventCredential", out)
}

// VerifyEventCredential reports whether the committee accepts an event
// credential. Only the literal "true" verifies; anything else, malformed
// output included, is a refusal.
func (g *Gateway) VerifyEventCredential(ctx context.Context, idHash, eventName string, event Credential) (bool, error) {
	out, err := g.run(ctx, "verifyEventCredential",
		"--idhash", idHash,
		"--eventName", eventName,
		"--eventCredential", event.Credential,
		"--eventSignatures", EncodeSignatures(event.Signatures),
	)
	if err != nil {
		return false, err
	}

	verified := lastLine(out) == verifiedToken
	if !verified {
		logger.Info("dkg: event credential not verified", zap.String("event", eventName))
	}
	return verified, nil
}

// DecodeCredential splits a colon-joined credential line into the credential
// and its signatures, requiring exactly committeeSize signatures.
func DecodeCredential(op, line string, committeeSize int) (Credential, error) {
	parts := strings.Split(strings.TrimSpace(line), credentialSeparator)
	if len(parts) != committeeSize+1 {
		return Credential{}, collaborator.Malformed(op, "credential carries %d signatures, committee has %d members", len(parts)-1, committeeSize)
	}
	for i, part := range parts {
		if part == "" {
			return Credential{}, collaborator.Malformed(op, "credential field %d is empty", i)
		}
	}
	return Credential{Credential: parts[0], Signatures: parts[1:]}, nil
}

// EncodeSignatures joins signatures the way the committee CLI expects them.
func EncodeSignatures(signatures []string) string {
	return strings.Join(signatures, credentialSeparator)
}

func (g *Gateway) decodeCredential(op, out string) (Credential, error) {
	line := lastLine(out)
	if line == "" {
		return Credential{}, collaborator.Malformed(op, "empty output")
	}
	return DecodeCredential(op, line, g.committeeSize)
}

// lastLine returns the last non-empty line of a command's output.
func lastLine(out string) string {
	lines := collaborator.SplitOutput(out)
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

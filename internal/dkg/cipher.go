package dkg

import (
	"context"
	"encoding/hex"
	"strings"

	"ticketing/internal/collaborator"
)

// ChunkSize is the largest plaintext, in bytes, the committee encrypts in
// one call.
const ChunkSize = 24

// chunkDelimiter joins the per-chunk ciphertexts. The committee never
// emits it inside a single ciphertext token.
const chunkDelimiter = "/"

var (
	encryptArity = collaborator.Arity{Success: 1, Error: 1}
	decryptArity = collaborator.Arity{Success: 1, Error: 1}
)

// Encrypt splits plaintext into ChunkSize-byte chunks, encrypts each one and
// joins the ciphertexts in order.
func (g *Gateway) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", collaborator.Malformed("encrypt", "empty plaintext")
	}

	chunks := Chunk([]byte(plaintext))
	tokens := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		token, err := g.encryptChunk(ctx, chunk)
		if err != nil {
			return "", err
		}
		tokens = append(tokens, token)
	}

	return strings.Join(tokens, chunkDelimiter), nil
}

// Decrypt is the inverse of Encrypt. A ciphertext that was not produced by
// the chunking scheme fails instead of being partially decoded.
func (g *Gateway) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	tokens := strings.Split(strings.TrimSpace(ciphertext), chunkDelimiter)

	var plaintext []byte
	for i, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			return "", collaborator.Malformed("decrypt", "empty ciphertext token at position %d", i)
		}

		chunk, err := g.decryptChunk(ctx, token)
		if err != nil {
			return "", err
		}

		last := i == len(tokens)-1
		if len(chunk) == 0 || len(chunk) > ChunkSize || (!last && len(chunk) != ChunkSize) {
			return "", collaborator.Malformed("decrypt", "chunk %d decrypts to %d bytes, not a %d-byte chunk", i, len(chunk), ChunkSize)
		}
		plaintext = append(plaintext, chunk...)
	}

	return string(plaintext), nil
}

// Chunk splits data into consecutive pieces of at most ChunkSize bytes.
func Chunk(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > ChunkSize {
		chunks = append(chunks, data[:ChunkSize])
		data = data[ChunkSize:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}

func (g *Gateway) encryptChunk(ctx context.Context, chunk []byte) (string, error) {
	out, err := g.run(ctx, "encrypt", "--message", hex.EncodeToString(chunk))
	if err != nil {
		return "", err
	}

	fields, err := expect("encrypt", "ENCRYPT", out, encryptArity)
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(fields[0])
	if token == "" || strings.Contains(token, chunkDelimiter) {
		return "", collaborator.Malformed("encrypt", "ciphertext token %q is empty or contains %q", token, chunkDelimiter)
	}
	return token, nil
}

func (g *Gateway) decryptChunk(ctx context.Context, token string) ([]byte, error) {
	out, err := g.run(ctx, "decrypt", "--encrypted", token)
	if err != nil {
		return nil, err
	}

	fields, err := expect("decrypt", "DECRYPT", out, decryptArity)
	if err != nil {
		return nil, err
	}

	chunk, err := hex.DecodeString(strings.TrimSpace(fields[0]))
	if err != nil {
		return nil, collaborator.Malformed("decrypt", "plaintext is not hex: %v", err)
	}
	return chunk, nil
}

// expect finds the most recent tag line in a command's output and checks
// its arity.
func expect(op, tag, out string, arity collaborator.Arity) ([]string, error) {
	rec, ok := collaborator.FindLast(collaborator.SplitOutput(out), tag, nil)
	if !ok {
		return nil, collaborator.Malformed(op, "no %s line in output", tag)
	}

	return arity.Check(op, rec)
}

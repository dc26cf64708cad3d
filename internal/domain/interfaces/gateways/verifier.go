package gateways

import "context"

// ChecksumVerifier computes and checks SHA-256 digests of files
type ChecksumVerifier interface {
	VerifyChecksum(ctx context.Context, filePath, expectedSum string) error
	CalculateChecksum(filePath string) (string, error)
}

// SignatureVerifier checks a detached OpenPGP signature over a file
type SignatureVerifier interface {
	VerifyDetachedSignature(ctx context.Context, filePath, signaturePath string) error
}

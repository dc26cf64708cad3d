package gateways

import (
	"context"

	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/external-adapters/gpg"
)

// gpgSignatureVerifier adapts the OpenPGP verifier to the domain gateway and
// classifies every failure as an IntegrityError
type gpgSignatureVerifier struct {
	verifier *gpg.Verifier
}

// NewSignatureVerifier loads the trusted keyring at keyringPath
//
//nolint:revive // unexported-return: Intentionally returns concrete type for testability
func NewSignatureVerifier(keyringPath string) (*gpgSignatureVerifier, error) {
	v := gpg.NewVerifier()
	if err := v.ImportKeyFromFile(keyringPath); err != nil {
		return nil, errdefs.New(errdefs.KindParse, "load keyring", err).WithPath(keyringPath)
	}
	return &gpgSignatureVerifier{verifier: v}, nil
}

// VerifyDetachedSignature checks signaturePath over filePath
func (g *gpgSignatureVerifier) VerifyDetachedSignature(_ context.Context, filePath, signaturePath string) error {
	if err := g.verifier.VerifySignatureFromFile(filePath, signaturePath); err != nil {
		return errdefs.New(errdefs.KindIntegrity, "verify signature", err).WithPath(filePath)
	}
	return nil
}

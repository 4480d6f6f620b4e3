package storage

import (
	"fmt"

	"github.com/jmcleod/formkey/internal/util"
)

const (
	envelopeVersion = 1
	// SchemeAESGCM marks envelopes sealed with AES-256-GCM.
	SchemeAESGCM = "aes256gcm"
)

// Envelope is a sealed record containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into an Envelope, binding it to aad.
func SealRecord(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}
	// nonce || ciphertext
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemeAESGCM,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
	}, nil
}

// OpenRecord decrypts an Envelope sealed by SealRecord with the same key and aad.
func OpenRecord(key []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	sealed := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	sealed = append(sealed, envelope.Nonce...)
	sealed = append(sealed, envelope.Ciphertext...)
	return util.DecryptAESWithAAD(sealed, key, aad)
}

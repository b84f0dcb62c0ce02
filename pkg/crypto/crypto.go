// Package crypto implements the content encryption boundary: AES-GCM
// encrypt/decrypt of stored payloads, keyed off the same cluster secret
// used for internal dispatch authentication, plus the bulk walker that
// flips a message's content rows between plaintext and ciphertext.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ridgelinehealth/bridge/internal/store"
)

// Cipher encrypts and decrypts content payloads with AES-256-GCM. The key
// is derived from the cluster secret by SHA-256 rather than used directly,
// so an operator's MIRTH_CLUSTER_SECRET of any length yields a valid
// 32-byte AES key.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from the cluster secret. An empty secret means
// encryption is disabled; New returns a nil *Cipher and no error, and
// every method on a nil *Cipher is a no-op per IsEnabled's contract.
func New(clusterSecret string) (*Cipher, error) {
	if clusterSecret == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(clusterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: build AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: build GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// IsEnabled reports whether this Cipher will actually encrypt. A nil
// Cipher (no cluster secret configured) is always disabled.
func (c *Cipher) IsEnabled() bool {
	return c != nil
}

// Encrypt seals plaintext under a fresh random nonce, prepended to the
// returned ciphertext. Disabled ciphers return plaintext unchanged.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.IsEnabled() {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Disabled ciphers return
// ciphertext unchanged.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.IsEnabled() {
		return ciphertext, nil
	}
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("crypto: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

// Boundary is the store.EncryptionBoundary implementation: it walks every
// content row of a message and flips plaintext<->ciphertext, using the
// row's own Encrypted flag as the sole source of truth for which
// direction a given row needs.
type Boundary struct {
	Store  store.Store
	Cipher *Cipher
}

var _ store.EncryptionBoundary = (*Boundary)(nil)

// EncryptMessage encrypts every not-yet-encrypted content row of a
// message. A no-op, row by row, when the cipher is disabled or a row is
// already encrypted.
func (b *Boundary) EncryptMessage(ctx context.Context, channelID string, msgID int64) error {
	if !b.Cipher.IsEnabled() {
		return nil
	}
	rows, err := b.Store.ContentRowsForMessage(ctx, channelID, msgID)
	if err != nil {
		return fmt.Errorf("crypto: load content rows for %s/%d: %w", channelID, msgID, err)
	}
	for _, row := range rows {
		if row.Encrypted {
			continue
		}
		ciphertext, err := b.Cipher.Encrypt(row.Payload)
		if err != nil {
			return fmt.Errorf("crypto: encrypt %s/%d metadata=%d type=%d: %w", channelID, msgID, row.MetadataID, row.ContentType, err)
		}
		row.Payload = ciphertext
		row.Encrypted = true
		if err := b.Store.PutContent(ctx, row); err != nil {
			return fmt.Errorf("crypto: store encrypted row %s/%d metadata=%d type=%d: %w", channelID, msgID, row.MetadataID, row.ContentType, err)
		}
	}
	return nil
}

// DecryptMessage decrypts every encrypted content row of a message. A
// no-op, row by row, when the cipher is disabled or a row is already
// plaintext.
func (b *Boundary) DecryptMessage(ctx context.Context, channelID string, msgID int64) error {
	if !b.Cipher.IsEnabled() {
		return nil
	}
	rows, err := b.Store.ContentRowsForMessage(ctx, channelID, msgID)
	if err != nil {
		return fmt.Errorf("crypto: load content rows for %s/%d: %w", channelID, msgID, err)
	}
	for _, row := range rows {
		if !row.Encrypted {
			continue
		}
		plaintext, err := b.Cipher.Decrypt(row.Payload)
		if err != nil {
			return fmt.Errorf("crypto: decrypt %s/%d metadata=%d type=%d: %w", channelID, msgID, row.MetadataID, row.ContentType, err)
		}
		row.Payload = plaintext
		row.Encrypted = false
		if err := b.Store.PutContent(ctx, row); err != nil {
			return fmt.Errorf("crypto: store decrypted row %s/%d metadata=%d type=%d: %w", channelID, msgID, row.MetadataID, row.ContentType, err)
		}
	}
	return nil
}

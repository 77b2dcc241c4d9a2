package admin

import (
	"bytes"
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"mindmeld/internal/domain"
)

// Encrypted backups start with this magic, followed by the scrypt salt and
// the XChaCha20-Poly1305 nonce, then the ciphertext.
var encMagic = []byte("MMBK1")

const (
	encSaltLen = 16
	scryptN    = 1 << 15
	scryptR    = 8
	scryptP    = 1
)

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "key derivation failed")
	}
	return key, nil
}

func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, encSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to generate salt")
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to initialize cipher")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to generate nonce")
	}

	out := make([]byte, 0, len(encMagic)+encSaltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, encMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func decrypt(data []byte, passphrase string) ([]byte, error) {
	if len(data) < len(encMagic)+encSaltLen+chacha20poly1305.NonceSizeX || !bytes.HasPrefix(data, encMagic) {
		return nil, domain.Invalidf("not an encrypted backup")
	}
	data = data[len(encMagic):]
	salt, data := data[:encSaltLen], data[encSaltLen:]
	nonce, ciphertext := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, err, "failed to initialize cipher")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, domain.Invalidf("decryption failed: wrong passphrase or corrupted backup")
	}
	return plaintext, nil
}

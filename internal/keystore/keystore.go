// Package keystore implements a passphrase-sealed file holding the peer's
// Ed25519 signing key: Argon2id key derivation plus XChaCha20-Poly1305
// sealing, trimmed to a single secret (no TOTP, no Yubikey
// challenge-response, just one signing key).
package keystore

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/oakmoss/driftpeer/internal/errkit"
)

// Argon2id parameters tuned for a solo operator's machine, unchanged from
// the relay vault's own tuning.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	signingKeyLen = 32
	seedWordCount = 32
)

// sealedFile is the on-disk representation of the keystore.
type sealedFile struct {
	Version      int    `json:"version"`
	Salt         []byte `json:"salt"`
	EncryptedKey []byte `json:"encrypted_key"`
	Nonce        []byte `json:"nonce"`
}

// Keystore holds a passphrase-sealed Ed25519 seed. Zero value is not
// usable; construct with Create or Load.
type Keystore struct {
	sealed bool
	key    []byte // nil while sealed
	data   *sealedFile
}

// Create generates a new signing key, seals it with passphrase, and
// returns the unsealed Keystore plus a recovery seed phrase. Returns
// errkit.KeyExists if path already exists.
func Create(path, passphrase string) (*Keystore, string, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, "", errkit.KeyExists()
	}

	key := make([]byte, signingKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("keystore: generate signing key: %w", err)
	}
	seedPhrase := encodeSeedPhrase(key)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("keystore: generate salt: %w", err)
	}
	encKey := deriveKey(passphrase, salt)

	ciphertext, nonce, err := seal(encKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("keystore: seal signing key: %w", err)
	}

	ks := &Keystore{
		sealed: false,
		key:    key,
		data: &sealedFile{
			Version:      1,
			Salt:         salt,
			EncryptedKey: ciphertext,
			Nonce:        nonce,
		},
	}
	if err := ks.save(path); err != nil {
		return nil, "", err
	}
	return ks, seedPhrase, nil
}

// Load reads a keystore file from disk in sealed state.
func Load(path string) (*Keystore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	var sf sealedFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	return &Keystore{sealed: true, data: &sf}, nil
}

func (ks *Keystore) save(path string) error {
	raw, err := json.MarshalIndent(ks.data, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("keystore: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("keystore: rename: %w", err)
	}
	return nil
}

// Unseal decrypts the signing key using passphrase. Returns
// errkit.InvalidPassphrase on a bad passphrase or corrupt ciphertext.
func (ks *Keystore) Unseal(passphrase string) error {
	if !ks.sealed {
		return nil
	}
	encKey := deriveKey(passphrase, ks.data.Salt)
	key, err := open(encKey, ks.data.EncryptedKey, ks.data.Nonce)
	if err != nil {
		return errkit.InvalidPassphrase()
	}
	ks.key = key
	ks.sealed = false
	return nil
}

// Seal zeroes the decrypted signing key from memory.
func (ks *Keystore) Seal() {
	if ks.key != nil {
		zero(ks.key)
		ks.key = nil
	}
	ks.sealed = true
}

// IsSealed reports whether the signing key is currently sealed (not
// decrypted).
func (ks *Keystore) IsSealed() bool { return ks.sealed }

// SigningKey returns the decrypted key, or errkit.Sealed if the keystore
// hasn't been unsealed.
func (ks *Keystore) SigningKey() ([]byte, error) {
	if ks.sealed || ks.key == nil {
		return nil, errkit.Sealed()
	}
	return ks.key, nil
}

// RecoverFromSeed reconstructs a Keystore from a recovery seed phrase and a
// new passphrase, writing it to path.
func RecoverFromSeed(path, seedPhrase, newPassphrase string) (*Keystore, error) {
	key, err := decodeSeedPhrase(seedPhrase)
	if err != nil {
		return nil, fmt.Errorf("keystore: invalid seed phrase: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}
	encKey := deriveKey(newPassphrase, salt)

	ciphertext, nonce, err := seal(encKey, key)
	if err != nil {
		return nil, fmt.Errorf("keystore: seal signing key: %w", err)
	}

	ks := &Keystore{
		sealed: false,
		key:    key,
		data: &sealedFile{
			Version:      1,
			Salt:         salt,
			EncryptedKey: ciphertext,
			Nonce:        nonce,
		},
	}
	if err := ks.save(path); err != nil {
		return nil, err
	}
	return ks, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func zero(b []byte) {
	subtle.XORBytes(b, b, b)
}

// Seed phrases are 32 hex-pair words encoding the raw signing key bytes,
// same scheme as the relay vault: no wordlist dependency, unambiguous.
func encodeSeedPhrase(key []byte) string {
	words := make([]string, len(key))
	for i, b := range key {
		words[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(words, " ")
}

func decodeSeedPhrase(phrase string) ([]byte, error) {
	words := strings.Fields(phrase)
	if len(words) != seedWordCount {
		return nil, fmt.Errorf("expected %d words, got %d", seedWordCount, len(words))
	}
	key := make([]byte, 0, len(words))
	for _, w := range words {
		b, err := hex.DecodeString(w)
		if err != nil {
			return nil, fmt.Errorf("invalid seed word %q: %w", w, err)
		}
		key = append(key, b...)
	}
	return key, nil
}

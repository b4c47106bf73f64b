package keystore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/oakmoss/driftpeer/internal/errkit"
)

func TestCreateAndUnseal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	ks, seed, err := Create(path, "test-passphrase")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if seed == "" {
		t.Fatal("seed phrase should not be empty")
	}
	if ks.IsSealed() {
		t.Fatal("newly created keystore should be unsealed")
	}

	key, err := ks.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if len(key) != signingKeyLen {
		t.Errorf("signing key length = %d, want %d", len(key), signingKeyLen)
	}
}

func TestCreateTwiceReturnsKeyExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	if _, _, err := Create(path, "pw"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _, err := Create(path, "pw")
	var domainErr *errkit.Error
	if !errors.As(err, &domainErr) || domainErr.Kind != errkit.KindKeyExists {
		t.Fatalf("expected KEY_EXISTS, got: %v", err)
	}
}

func TestSealAndReloadUnseal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	ks, _, err := Create(path, "my-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	original, _ := ks.SigningKey()
	keyCopy := append([]byte(nil), original...)

	ks.Seal()
	if !ks.IsSealed() {
		t.Fatal("keystore should be sealed")
	}
	_, sealedErr := ks.SigningKey()
	var domainErr *errkit.Error
	if !errors.As(sealedErr, &domainErr) || domainErr.Kind != errkit.KindKeystoreSealed {
		t.Fatalf("expected KEYSTORE_SEALED, got: %v", sealedErr)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reloaded.IsSealed() {
		t.Fatal("freshly loaded keystore should be sealed")
	}
	if err := reloaded.Unseal("my-passphrase"); err != nil {
		t.Fatalf("Unseal: %v", err)
	}

	key, err := reloaded.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey after unseal: %v", err)
	}
	if len(key) != len(keyCopy) {
		t.Fatalf("key length mismatch: %d vs %d", len(key), len(keyCopy))
	}
	for i := range key {
		if key[i] != keyCopy[i] {
			t.Fatalf("key mismatch at byte %d", i)
		}
	}
}

func TestUnsealWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	if _, _, err := Create(path, "correct-passphrase"); err != nil {
		t.Fatal(err)
	}
	ks, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = ks.Unseal("wrong-passphrase")
	var domainErr *errkit.Error
	if !errors.As(err, &domainErr) || domainErr.Kind != errkit.KindInvalidPassphrase {
		t.Fatalf("expected INVALID_PASSPHRASE, got: %v", err)
	}
}

func TestRecoverFromSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	ks, seed, err := Create(path, "original-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	originalKey, _ := ks.SigningKey()

	recoveredPath := filepath.Join(t.TempDir(), "recovered.json")
	recovered, err := RecoverFromSeed(recoveredPath, seed, "new-passphrase")
	if err != nil {
		t.Fatalf("RecoverFromSeed: %v", err)
	}
	recoveredKey, err := recovered.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if len(recoveredKey) != len(originalKey) {
		t.Fatalf("recovered key length mismatch")
	}
	for i := range recoveredKey {
		if recoveredKey[i] != originalKey[i] {
			t.Fatalf("recovered key mismatch at byte %d", i)
		}
	}
}

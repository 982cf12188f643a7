package custody

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/xerrors"
)

const keyfileVersion = 1

// ErrPassphraseRequired is returned by Load for a sealed keyfile opened
// without a passphrase.
var ErrPassphraseRequired = errors.New("custody: keyfile is sealed, passphrase required")

type kdfParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

var defaultKDF = kdfParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

type keyfile struct {
	Version    int       `json:"version"`
	Address    string    `json:"address"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey,omitempty"`
	Sealed     *envelope `json:"sealed,omitempty"`
}

type envelope struct {
	Version     int    `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Save writes the wallet to path with mode 0600. A non-empty passphrase
// seals the private key with argon2id and XChaCha20-Poly1305.
func (w *Wallet) Save(path string, passphrase []byte) error {
	kf := keyfile{Version: keyfileVersion, Address: w.Address(), PublicKey: w.PublicKeyHex()}
	secret := w.priv.Serialize()
	if len(passphrase) == 0 {
		kf.PrivateKey = hex.EncodeToString(secret)
	} else {
		env, err := seal(secret, passphrase, rand.Reader)
		if err != nil {
			return err
		}
		kf.Sealed = env
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "custody.Save", path, err)
	}
	return manifest.WriteFileAtomic(path, data, 0o600)
}

// Load reads a keyfile written by Save.
func Load(path string, passphrase []byte) (*Wallet, error) {
	const op = "custody.Load"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, path, err)
	}
	if kf.Version != keyfileVersion {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, path, fmt.Errorf("unsupported keyfile version %d", kf.Version))
	}
	var secret []byte
	switch {
	case kf.Sealed != nil:
		if len(passphrase) == 0 {
			return nil, xerrors.Wrap(xerrors.KindUnauthorized, op, path, ErrPassphraseRequired)
		}
		secret, err = open(kf.Sealed, passphrase)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindUnauthorized, op, path, err)
		}
	default:
		secret, err = hex.DecodeString(kf.PrivateKey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalid, op, path, err)
		}
	}
	defer zero(secret)
	w, err := FromBytes(secret)
	if err != nil {
		return nil, err
	}
	if kf.Address != "" && kf.Address != w.Address() {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, path, fmt.Errorf("keyfile address %s does not match key", kf.Address))
	}
	return w, nil
}

func seal(secret, passphrase []byte, r io.Reader) (*envelope, error) {
	p := defaultKDF
	salt := make([]byte, 16)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, xerrors.Wrap(xerrors.KindEntropy, "custody.seal", "", err)
	}
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, xerrors.Wrap(xerrors.KindEntropy, "custody.seal", "", err)
	}
	key := argon2.IDKey(passphrase, salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "custody.seal", "", err)
	}
	return &envelope{
		Version:     keyfileVersion,
		KDF:         "argon2id",
		KDFTime:     p.Time,
		KDFMemoryKB: p.MemoryKB,
		KDFThreads:  p.Threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, secret, nil),
	}, nil
}

func open(env *envelope, passphrase []byte) ([]byte, error) {
	if env.Version != keyfileVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	if env.KDF != "argon2id" {
		return nil, fmt.Errorf("unsupported kdf: %s", env.KDF)
	}
	key := argon2.IDKey(passphrase, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Open(nil, env.Nonce, env.Ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jacktea/arvault/pkg/xerrors"
)

// Method enumerates supported encryption algorithms.
type Method string

const (
	// MethodAES256CBC encrypts with AES-256-CBC and PKCS#7 padding. The blob is
	// IV(16) || body.
	MethodAES256CBC Method = "aes-256-cbc"
	// MethodAES256GCM encrypts with AES-256-GCM. The blob is
	// nonce(12) || body || tag(16).
	MethodAES256GCM Method = "aes-256-gcm"
)

// DefaultMethod is used by the package-level Encrypt and Decrypt.
const DefaultMethod = MethodAES256CBC

const (
	// KeySize is the length of a content key in bytes.
	KeySize = 32
	// IVSize is the length of the CBC IV prefixed to every blob.
	IVSize = aes.BlockSize
	// NonceSize is the length of the GCM nonce prefixed to every GCM blob.
	NonceSize = 12
	// TagSize is the length of the GCM authentication tag.
	TagSize = 16
)

var (
	// ErrShortCiphertext indicates the blob cannot even hold its IV header.
	ErrShortCiphertext = errors.New("encryption: ciphertext too short")
	// ErrBadPadding indicates the body is not block aligned or its padding is malformed.
	ErrBadPadding = errors.New("encryption: malformed padding")
	// ErrInvalidKey indicates the key is not 32 bytes.
	ErrInvalidKey = errors.New("encryption: key must be 32 bytes")
	// ErrAuthFailed indicates GCM tag verification failed.
	ErrAuthFailed = errors.New("encryption: authentication failed")
	// ErrUnsupportedMethod indicates an unknown Method value.
	ErrUnsupportedMethod = errors.New("encryption: unsupported method")
)

// Key is a one-time content key. It is never stored next to the ciphertext.
type Key [KeySize]byte

// Hex returns the lowercase hex encoding of k.
func (k Key) Hex() string { return hex.EncodeToString(k[:]) }

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte { return append([]byte(nil), k[:]...) }

// ParseKey decodes a 64 character hex string into a Key.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return k, xerrors.Wrap(xerrors.KindInvalid, "encryption.ParseKey", "", err)
	}
	if len(raw) != KeySize {
		return k, xerrors.Wrap(xerrors.KindInvalid, "encryption.ParseKey", "", ErrInvalidKey)
	}
	copy(k[:], raw)
	return k, nil
}

// GenerateKey reads a fresh key from r (crypto/rand when nil).
func GenerateKey(r io.Reader) (Key, error) {
	var k Key
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return k, xerrors.Wrap(xerrors.KindEntropy, "encryption.GenerateKey", "", err)
	}
	return k, nil
}

// ParseMethod validates a method name. An empty name selects DefaultMethod.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DefaultMethod, nil
	case MethodAES256CBC, MethodAES256GCM:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedMethod, s)
	}
}

// Overhead returns the number of bytes a blob adds over a plaintext of size n.
func Overhead(method Method, n int) int {
	switch method {
	case MethodAES256CBC:
		return IVSize + aes.BlockSize - n%aes.BlockSize
	case MethodAES256GCM:
		return NonceSize + TagSize
	default:
		return 0
	}
}

// Sealed is the output of one encryption: the blob to transfer and the key
// the caller must keep out of band.
type Sealed struct {
	Blob   []byte
	Key    Key
	Method Method
}

// Codec encrypts and decrypts blobs. The zero value uses DefaultMethod and
// crypto/rand. A Codec holds no per-call state and may be shared.
type Codec struct {
	Method Method
	// Rand supplies key and IV material. Nil means crypto/rand.
	Rand io.Reader
}

// New returns a Codec for method.
func New(method Method) (*Codec, error) {
	m, err := ParseMethod(string(method))
	if err != nil {
		return nil, err
	}
	return &Codec{Method: m}, nil
}

var defaultCodec = &Codec{Method: DefaultMethod}

// Encrypt seals plaintext with a fresh key using DefaultMethod.
func Encrypt(plaintext []byte) (*Sealed, error) {
	return defaultCodec.Encrypt(plaintext)
}

// Decrypt reverses Encrypt.
func Decrypt(blob, key []byte) ([]byte, error) {
	return defaultCodec.Decrypt(blob, key)
}

func (c *Codec) method() Method {
	if c == nil || c.Method == "" {
		return DefaultMethod
	}
	return c.Method
}

func (c *Codec) rand() io.Reader {
	if c == nil || c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

// Encrypt generates a key and IV, then returns IV-prefixed ciphertext. The
// plaintext slice is not modified.
func (c *Codec) Encrypt(plaintext []byte) (*Sealed, error) {
	key, err := GenerateKey(c.rand())
	if err != nil {
		return nil, err
	}
	var blob []byte
	switch m := c.method(); m {
	case MethodAES256CBC:
		blob, err = c.encryptCBC(plaintext, key[:])
	case MethodAES256GCM:
		blob, err = c.encryptGCM(plaintext, key[:])
	default:
		return nil, xerrors.Wrap(xerrors.KindInvalid, "encryption.Encrypt", string(m), ErrUnsupportedMethod)
	}
	if err != nil {
		return nil, err
	}
	return &Sealed{Blob: blob, Key: key, Method: c.method()}, nil
}

// Decrypt splits the header from blob and decrypts the body with key. Every
// failure is classified as xerrors.KindDecryption.
func (c *Codec) Decrypt(blob, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, decryptErr(ErrInvalidKey)
	}
	switch m := c.method(); m {
	case MethodAES256CBC:
		return decryptCBC(blob, key)
	case MethodAES256GCM:
		return decryptGCM(blob, key)
	default:
		return nil, xerrors.Wrap(xerrors.KindInvalid, "encryption.Decrypt", string(m), ErrUnsupportedMethod)
	}
}

func (c *Codec) encryptCBC(data, key []byte) ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand(), iv); err != nil {
		return nil, xerrors.Wrap(xerrors.KindEntropy, "encryption.iv", "", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "encryption.Encrypt", "", err)
	}
	padded := pad(data)
	out := make([]byte, IVSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)
	return out, nil
}

func decryptCBC(data, key []byte) ([]byte, error) {
	if len(data) < IVSize+aes.BlockSize {
		return nil, decryptErr(ErrShortCiphertext)
	}
	body := data[IVSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, decryptErr(ErrBadPadding)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, decryptErr(err)
	}
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, data[:IVSize]).CryptBlocks(plain, body)
	out, err := unpad(plain)
	if err != nil {
		return nil, decryptErr(err)
	}
	return out, nil
}

func (c *Codec) encryptGCM(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "encryption.Encrypt", "", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "encryption.Encrypt", "", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand(), nonce); err != nil {
		return nil, xerrors.Wrap(xerrors.KindEntropy, "encryption.nonce", "", err)
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func decryptGCM(data, key []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, decryptErr(ErrShortCiphertext)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, decryptErr(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, decryptErr(err)
	}
	plain, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, decryptErr(ErrAuthFailed)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func decryptErr(err error) error {
	return xerrors.Wrap(xerrors.KindDecryption, "encryption.Decrypt", "", err)
}

// pad applies PKCS#7 padding. A full block is appended when data is already
// aligned, so empty plaintext still yields one block.
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}

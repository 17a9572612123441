package wechat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// blockSize is the PKCS#7 block size the platform pads to, which is larger
// than the AES block size.
const blockSize = 32

// Crypter encrypts and decrypts safe-mode message bodies.
type Crypter struct {
	token string
	appID string
	key   []byte
	rand  io.Reader
}

// NewCrypter builds a Crypter from the 43-character EncodingAESKey.
func NewCrypter(token, encodingAESKey, appID string) (*Crypter, error) {
	if token == "" || appID == "" {
		return nil, errors.New("wechat: crypter requires token and app id")
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wechat: decode EncodingAESKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wechat: EncodingAESKey decodes to %d bytes, want 32", len(key))
	}
	return &Crypter{token: token, appID: appID, key: key, rand: rand.Reader}, nil
}

// Verify checks a msg_signature over the encrypted payload.
func (c *Crypter) Verify(msgSignature, timestamp, nonce, encrypted string) bool {
	return Verify(c.token, msgSignature, timestamp, nonce, encrypted)
}

// Decrypt returns the plaintext XML carried in encrypted.
func (c *Crypter) Decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("wechat: decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("wechat: ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("wechat: init cipher: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}
	// random(16) | msg_len(4, big endian) | msg | appid
	if len(plain) < 20 {
		return nil, errors.New("wechat: plaintext too short")
	}
	n := int(binary.BigEndian.Uint32(plain[16:20]))
	if n > len(plain)-20 {
		return nil, errors.New("wechat: message length exceeds plaintext")
	}
	msg := plain[20 : 20+n]
	if appID := string(plain[20+n:]); appID != c.appID {
		return nil, fmt.Errorf("wechat: app id mismatch %q", appID)
	}
	return msg, nil
}

// Encrypt seals msg for a safe-mode reply.
func (c *Crypter) Encrypt(msg []byte) (string, error) {
	var buf bytes.Buffer
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("wechat: read random prefix: %w", err)
	}
	buf.Write(nonce)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(msg)))
	buf.Write(size[:])
	buf.Write(msg)
	buf.WriteString(c.appID)

	plain := pkcs7Pad(buf.Bytes())
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wechat: init cipher: %w", err)
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(b []byte) []byte {
	pad := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("wechat: empty plaintext")
	}
	pad := int(b[len(b)-1])
	if pad < 1 || pad > blockSize || pad > len(b) {
		return nil, errors.New("wechat: invalid padding")
	}
	return b[:len(b)-pad], nil
}

// SealReply encrypts a plaintext reply and wraps it in the signed safe-mode
// envelope.
func (c *Crypter) SealReply(reply []byte, timestamp, nonce string) ([]byte, error) {
	encrypted, err := c.Encrypt(reply)
	if err != nil {
		return nil, err
	}
	return BuildEncryptedReply(encrypted, Sign(c.token, timestamp, nonce, encrypted), timestamp, nonce)
}

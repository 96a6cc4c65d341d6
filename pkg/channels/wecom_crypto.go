package channels

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// wecomCrypto implements the WeCom callback envelope: SHA-1 signatures over
// the sorted tuple and AES-256-CBC over [16B random][4B BE length][msg][receive id]
// with PKCS#7 padding to 32. The 43-char EncodingAESKey gains one '=' to
// become valid base64 for the 32-byte key; the IV is the key's first 16 bytes.
type wecomCrypto struct {
	token     string
	key       []byte
	receiveID string

	randRead func(b []byte) error
}

func newWecomCrypto(token, encodingAESKey, receiveID string) (*wecomCrypto, error) {
	if token == "" {
		return nil, fmt.Errorf("wecom token not configured")
	}
	if len(encodingAESKey) != 43 {
		return nil, fmt.Errorf("wecom encoding_aes_key must be 43 characters, got %d", len(encodingAESKey))
	}

	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode encoding_aes_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encoding_aes_key decodes to %d bytes, want 32", len(key))
	}

	return &wecomCrypto{
		token:     token,
		key:       key,
		receiveID: receiveID,
		randRead: func(b []byte) error {
			_, err := rand.Read(b)
			return err
		},
	}, nil
}

// Signature computes the callback signature: sort token, timestamp, nonce and
// the encrypted blob as strings, concatenate, SHA-1 hex.
func (c *wecomCrypto) Signature(timestamp, nonce, encrypted string) string {
	parts := []string{c.token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// VerifySignature reports whether the platform's signature matches ours.
func (c *wecomCrypto) VerifySignature(signature, timestamp, nonce, encrypted string) bool {
	return c.Signature(timestamp, nonce, encrypted) == signature
}

// Decrypt opens an encrypted callback blob and returns the plaintext along
// with the receive id baked into the envelope. The receive id is checked only
// when the account configured one; the caller uses it for account matching.
func (c *wecomCrypto) Decrypt(encrypted string) ([]byte, string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, "", fmt.Errorf("ciphertext length %d not a block multiple", len(ciphertext))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, "", err
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, "", err
	}
	if len(plain) < 20 {
		return nil, "", fmt.Errorf("plaintext too short: %d bytes", len(plain))
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, "", fmt.Errorf("declared length %d exceeds payload", msgLen)
	}

	msg := plain[20 : 20+msgLen]
	receiveID := string(plain[20+msgLen:])

	if c.receiveID != "" && receiveID != c.receiveID {
		return nil, receiveID, fmt.Errorf("receive id mismatch: got %q", receiveID)
	}
	return msg, receiveID, nil
}

// Encrypt seals plaintext into the callback envelope.
func (c *wecomCrypto) Encrypt(plaintext []byte) (string, error) {
	random := make([]byte, 16)
	if err := c.randRead(random); err != nil {
		return "", fmt.Errorf("random prefix: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(random)
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(plaintext)))
	buf.Write(lenBytes[:])
	buf.Write(plaintext)
	buf.WriteString(c.receiveID)

	padded := pkcs7Pad(buf.Bytes(), 32)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// VerifyURL handles the GET echo handshake: check the signature over the
// echostr and return its decrypted plaintext.
func (c *wecomCrypto) VerifyURL(signature, timestamp, nonce, echostr string) ([]byte, error) {
	if !c.VerifySignature(signature, timestamp, nonce, echostr) {
		return nil, fmt.Errorf("echo signature mismatch")
	}
	plain, _, err := c.Decrypt(echostr)
	if err != nil {
		return nil, fmt.Errorf("decrypt echostr: %w", err)
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > 32 || pad > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", pad)
	}
	return data[:len(data)-pad], nil
}

package response

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

// payloadVersion is the current encrypted payload scheme: an RSA-sealed
// AES session key plus the AES-ECB encrypted connection info.
const payloadVersion = 1

// errUnversionedPayload marks payloads that do not parse as the
// versioned envelope and are handed to the legacy decoder.
var errUnversionedPayload = errors.New("payload is not a versioned envelope")

// envelope is the outer JSON document a launcher sends, itself
// base64-encoded on the wire.
type envelope struct {
	Version  int    `json:"version"`
	Key      string `json:"key"`
	ConnInfo string `json:"conn_info"`
}

// decodePayload decrypts a versioned payload: base64 envelope, RSA
// PKCS#1 v1.5 unseal of the AES key, AES-ECB decrypt of the connection
// info, PKCS#7 unpad, JSON decode.
func decodePayload(data []byte, priv *rsa.PrivateKey) (core.ConnectionInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnversionedPayload, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errUnversionedPayload, err)
	}
	if env.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version %d", env.Version)
	}

	sealedKey, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding sealed AES key: %w", err)
	}
	aesKey, err := rsa.DecryptPKCS1v15(nil, priv, sealedKey)
	if err != nil {
		return nil, fmt.Errorf("unsealing AES key: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.ConnInfo)
	if err != nil {
		return nil, fmt.Errorf("decoding connection info: %w", err)
	}
	plaintext, err := aesECBDecrypt(aesKey, ciphertext)
	if err != nil {
		return nil, err
	}
	plaintext, err = pkcs7Unpad(plaintext)
	if err != nil {
		return nil, err
	}

	var info core.ConnectionInfo
	if err := json.Unmarshal(plaintext, &info); err != nil {
		return nil, fmt.Errorf("decoding connection info JSON: %w", err)
	}
	return info, nil
}

// decodeLegacyPayload handles pre-envelope launchers that encrypt the
// connection info with an AES key derived from the kernel id itself.
// Since the payload names no kernel, each registered id is tried in
// turn; the decoded info is stamped with the matching id.
func decodeLegacyPayload(data []byte, kernelIDs []string) (core.ConnectionInfo, string, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, "", fmt.Errorf("decoding legacy payload: %w", err)
	}

	for _, kernelID := range kernelIDs {
		if len(kernelID) < aes.BlockSize {
			continue
		}
		plaintext, err := aesECBDecrypt([]byte(kernelID[:aes.BlockSize]), raw)
		if err != nil {
			continue
		}
		// Legacy launchers pad with arbitrary bytes; everything after
		// the closing brace is discarded before parsing.
		end := bytes.LastIndexByte(plaintext, '}')
		if end < 0 {
			continue
		}
		var info core.ConnectionInfo
		if err := json.Unmarshal(plaintext[:end+1], &info); err != nil {
			continue
		}
		info["kernel_id"] = kernelID
		return info, kernelID, nil
	}
	return nil, "", errors.New("no registered kernel matches legacy payload")
}

func aesECBDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building AES cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the AES block size", len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(plaintext[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	return plaintext, nil
}

func aesECBEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building AES cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(ciphertext[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return ciphertext, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("invalid PKCS#7 padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid PKCS#7 padding")
		}
	}
	return b[:len(b)-n], nil
}

// EncodePayload builds a versioned payload the way a launcher does:
// fresh AES session key, RSA-sealed, base64 envelope. Exercised by
// tests and by local launch tooling.
func EncodePayload(info map[string]any, pub *rsa.PublicKey) ([]byte, error) {
	plaintext, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}

	aesKey := make([]byte, aes.BlockSize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, err
	}
	ciphertext, err := aesECBEncrypt(aesKey, plaintext)
	if err != nil {
		return nil, err
	}
	sealedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, aesKey)
	if err != nil {
		return nil, err
	}

	env := envelope{
		Version:  payloadVersion,
		Key:      base64.StdEncoding.EncodeToString(sealedKey),
		ConnInfo: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(raw)), nil
}

// EncodeLegacyPayload builds a pre-envelope payload keyed off the
// kernel id, as legacy launchers do.
func EncodeLegacyPayload(info map[string]any, kernelID string) ([]byte, error) {
	if len(kernelID) < aes.BlockSize {
		return nil, fmt.Errorf("kernel id %q too short for a legacy AES key", kernelID)
	}
	plaintext, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	ciphertext, err := aesECBEncrypt([]byte(kernelID[:aes.BlockSize]), plaintext)
	if err != nil {
		return nil, err
	}
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

// Package cryptobox wraps request payloads in a deterministic AES-CBC
// envelope. It obfuscates, it does not authenticate: the key and IV are
// fixed per deployment, so equal plaintexts give equal ciphertexts.
package cryptobox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrKeySize   = errors.New("cryptobox: key must be 16, 24 or 32 bytes")
	ErrIVSize    = errors.New("cryptobox: iv must be 16 bytes")
	ErrPadding   = errors.New("cryptobox: invalid padding")
	ErrBlockSize = errors.New("cryptobox: ciphertext is not a multiple of the block size")
)

type Box struct {
	block cipher.Block
	iv    []byte
}

func New(key, iv []byte) (*Box, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrKeySize
	}
	if len(iv) != aes.BlockSize {
		return nil, ErrIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}
	return &Box{block: block, iv: bytes.Clone(iv)}, nil
}

func (b *Box) Encrypt(plain []byte) []byte {
	padded := pad(plain)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(b.block, b.iv).CryptBlocks(out, padded)
	return out
}

func (b *Box) Decrypt(ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrBlockSize
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(b.block, b.iv).CryptBlocks(out, ct)
	return unpad(out)
}

func (b *Box) EncryptString(plain string) string {
	return base64.StdEncoding.EncodeToString(b.Encrypt([]byte(plain)))
}

func (b *Box) DecryptString(envelope string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("cryptobox: decode: %w", err)
	}
	plain, err := b.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrPadding
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}

package healthcard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of the block size", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesECBEncrypt(key, blockIn []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, blockIn)
	return out, nil
}

// padISO9797M2 appends 80 and zero bytes up to the next block boundary.
func padISO9797M2(data []byte) []byte {
	padLen := aes.BlockSize - len(data)%aes.BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpadISO9797M2(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, errors.New("invalid ISO 9797-1 padding")
		}
	}
	return nil, errors.New("padding marker not found")
}

// aesCMAC computes an AES-CMAC truncated to size bytes.
func aesCMAC(key, msg []byte, size int) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(msg, block, size)
}

func aesCMACVerify(key, mac, msg []byte) (bool, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return false, err
	}
	return cmac.Verify(mac, msg, block, len(mac)), nil
}

// Key derivation counters of the PACE KDF.
const (
	kdfCounterEnc      uint32 = 1
	kdfCounterMac      uint32 = 2
	kdfCounterPassword uint32 = 3
)

// deriveKey returns the first 16 bytes of SHA1(secret || counter), the
// AES-128 key derivation of BSI TR-03110.
func deriveKey(secret []byte, counter uint32) []byte {
	h := sha1.New()
	h.Write(secret)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	h.Write(c[:])
	return h.Sum(nil)[:16]
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

package frpg2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"math/big"
)

// CWC framing constants. The nonce is 11 bytes because that is what CWC
// mode prescribes for 128-bit block ciphers, and it is wire-visible: the
// retail peer parses exactly IV(11) || TAG(16) || CT.
const (
	cwcNonceSize = 11
	cwcTagSize   = 16

	// cwcMinWireSize is the smallest decryptable frame: nonce, tag and at
	// least one ciphertext byte.
	cwcMinWireSize = cwcNonceSize + cwcTagSize + 1
)

// cwcHashModulus is 2^127-1, the field the Carter-Wegman polynomial hash is
// evaluated in.
var cwcHashModulus = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

// CWCCipher provides authenticated encryption in CWC mode (Carter-Wegman +
// Counter) over AES. One instance belongs to exactly one stream; it owns an
// immutable key and the derived hash subkey and is not shared.
//
// No Go module implements CWC mode, so the mode is built here directly on
// the standard AES block cipher: CTR encryption with a tagged counter
// block, a polynomial hash of AAD and ciphertext mod 2^127-1, and a tag
// that encrypts the hash and masks it with the zero-counter block. The
// per-packet nonce doubles as the additional authenticated data, matching
// the peer.
type CWCCipher struct {
	block   cipher.Block
	hashKey *big.Int
}

// NewCWCCipher initializes CWC state from the key. Key length is whatever
// the underlying AES accepts; 128-bit keys are what the protocol uses in
// practice.
func NewCWCCipher(key []byte) (*CWCCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cwc key: %v", ErrCryptoFailure, err)
	}

	c := &CWCCipher{block: block}
	c.hashKey = c.deriveHashKey()
	return c, nil
}

// deriveHashKey computes the polynomial hash subkey: the encryption of a
// block tagged 0xC0, reduced into the hash field. The 0xC0 tag keeps key
// derivation inputs disjoint from counter blocks (0x80) and hash blocks
// (top bit clear).
func (c *CWCCipher) deriveHashKey() *big.Int {
	var in, out [aes.BlockSize]byte
	in[0] = 0xC0
	c.block.Encrypt(out[:], in[:])

	z := new(big.Int).SetBytes(out[:])
	return z.Mod(z, cwcHashModulus)
}

// Encrypt produces the wire frame IV(11) || TAG(16) || CT for the given
// plaintext. A fresh random 11-byte nonce is generated per call and reused
// as the additional authenticated data. The cipher is applied to a copy;
// the input is never modified.
func (c *CWCCipher) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [cwcNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrCryptoFailure, err)
	}

	ct := make([]byte, len(plaintext))
	copy(ct, plaintext)
	c.ctrTransform(nonce[:], ct)

	tag := c.computeTag(nonce[:], nonce[:], ct)

	out := make([]byte, 0, cwcNonceSize+cwcTagSize+len(ct))
	out = append(out, nonce[:]...)
	out = append(out, tag[:]...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt parses and verifies a wire frame produced by Encrypt and returns
// the plaintext. Fails when the frame is too short or the tag does not
// match.
func (c *CWCCipher) Decrypt(wire []byte) ([]byte, error) {
	if len(wire) < cwcMinWireSize {
		return nil, fmt.Errorf("%w: frame is %d bytes, need at least %d", ErrCryptoFailure, len(wire), cwcMinWireSize)
	}

	nonce := wire[:cwcNonceSize]
	tag := wire[cwcNonceSize : cwcNonceSize+cwcTagSize]
	ct := wire[cwcNonceSize+cwcTagSize:]

	expected := c.computeTag(nonce, nonce, ct)
	if subtle.ConstantTimeCompare(tag, expected[:]) != 1 {
		return nil, fmt.Errorf("%w: authentication tag mismatch", ErrCryptoFailure)
	}

	plaintext := make([]byte, len(ct))
	copy(plaintext, ct)
	c.ctrTransform(nonce, plaintext)
	return plaintext, nil
}

// ctrTransform applies the CWC keystream in place. Counter block i is
// 0x80 || nonce || i (big-endian 32-bit), starting at 1; block 0 is
// reserved for the tag mask.
func (c *CWCCipher) ctrTransform(nonce, buf []byte) {
	var counterBlock, keystream [aes.BlockSize]byte
	counterBlock[0] = 0x80
	copy(counterBlock[1:1+cwcNonceSize], nonce)

	for offset, counter := 0, uint32(1); offset < len(buf); counter++ {
		binary.BigEndian.PutUint32(counterBlock[12:], counter)
		c.block.Encrypt(keystream[:], counterBlock[:])

		n := len(buf) - offset
		if n > aes.BlockSize {
			n = aes.BlockSize
		}
		for i := 0; i < n; i++ {
			buf[offset+i] ^= keystream[i]
		}
		offset += n
	}
}

// computeTag evaluates the Carter-Wegman hash over AAD and ciphertext,
// encrypts the result and masks it with the encrypted zero-counter block.
func (c *CWCCipher) computeTag(nonce, aad, ct []byte) [cwcTagSize]byte {
	hash := c.polyHash(aad, ct)

	var hashBlock [aes.BlockSize]byte
	hash.FillBytes(hashBlock[:])

	var encHash, mask [aes.BlockSize]byte
	c.block.Encrypt(encHash[:], hashBlock[:])

	var counter0 [aes.BlockSize]byte
	counter0[0] = 0x80
	copy(counter0[1:1+cwcNonceSize], nonce)
	c.block.Encrypt(mask[:], counter0[:])

	var tag [cwcTagSize]byte
	for i := range tag {
		tag[i] = encHash[i] ^ mask[i]
	}
	return tag
}

// polyHash evaluates the polynomial hash mod 2^127-1 by Horner's rule over
// the AAD and ciphertext, each split into 96-bit chunks zero-padded at the
// tail, followed by a length block binding both bit lengths.
func (c *CWCCipher) polyHash(aad, ct []byte) *big.Int {
	acc := new(big.Int)
	chunk := new(big.Int)

	absorb := func(data []byte) {
		for offset := 0; offset < len(data); offset += 12 {
			end := offset + 12
			var y []byte
			if end <= len(data) {
				y = data[offset:end]
			} else {
				padded := make([]byte, 12)
				copy(padded, data[offset:])
				y = padded
			}
			chunk.SetBytes(y)
			acc.Mul(acc, c.hashKey)
			acc.Add(acc, chunk)
			acc.Mod(acc, cwcHashModulus)
		}
	}
	absorb(aad)
	absorb(ct)

	lengths := new(big.Int).Lsh(big.NewInt(int64(len(aad))*8), 64)
	lengths.Add(lengths, big.NewInt(int64(len(ct))*8))

	acc.Mul(acc, c.hashKey)
	acc.Add(acc, lengths)
	acc.Mod(acc, cwcHashModulus)
	return acc
}

// Package radio opens Meshtastic direct messages, which are sealed with
// AES-CCM under an X25519 shared secret rather than a channel key.
package radio

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/ccm"
	"golang.org/x/crypto/curve25519"
)

const (
	KeySize = 32

	tagSize        = 8
	nonceSize      = 13
	extraNonceSize = 4

	// Overhead is what sealing adds to the plaintext.
	Overhead = tagSize + extraNonceSize
)

var (
	ErrKeySize         = fmt.Errorf("x25519 keys must be %d bytes", KeySize)
	ErrShortCiphertext = errors.New("ciphertext shorter than direct message overhead")
	ErrNoSharedSecret  = errors.New("could not derive shared secret")
)

// Nonce lays out [packet id, 64 bit][from node, 32 bit][counter, 32 bit].
// A non-zero extra nonce overwrites the high half of the packet id.
func Nonce(packetID, fromNode, extraNonce uint32) []byte {
	nonce := make([]byte, 16)
	binary.LittleEndian.PutUint64(nonce[0:], uint64(packetID))
	binary.LittleEndian.PutUint32(nonce[8:], fromNode)
	if extraNonce != 0 {
		binary.LittleEndian.PutUint32(nonce[4:], extraNonce)
	}
	return nonce
}

func sharedCipher(privateKey, peerPublicKey []byte) (ccm.CCM, error) {
	if len(privateKey) != KeySize || len(peerPublicKey) != KeySize {
		return nil, ErrKeySize
	}
	secret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, ErrNoSharedSecret
	}
	key := sha256.Sum256(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return ccm.NewCCM(block, tagSize, nonceSize)
}

// Seal encrypts a direct message the way a sending node does. extraNonce
// is appended to the ciphertext so the receiver can rebuild the nonce.
func Seal(plaintext, privateKey, peerPublicKey []byte, packetID, fromNode, extraNonce uint32) ([]byte, error) {
	c, err := sharedCipher(privateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}
	nonce := Nonce(packetID, fromNode, extraNonce)
	out := c.Seal(nil, nonce[:nonceSize], plaintext, nil)
	return binary.LittleEndian.AppendUint32(out, extraNonce), nil
}

// Open decrypts a direct message addressed to the owner of privateKey.
func Open(ciphertext, privateKey, peerPublicKey []byte, packetID, fromNode uint32) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrShortCiphertext
	}
	c, err := sharedCipher(privateKey, peerPublicKey)
	if err != nil {
		return nil, err
	}
	body := ciphertext[:len(ciphertext)-extraNonceSize]
	extra := binary.LittleEndian.Uint32(ciphertext[len(ciphertext)-extraNonceSize:])
	nonce := Nonce(packetID, fromNode, extra)
	return c.Open(nil, nonce[:nonceSize], body, nil)
}

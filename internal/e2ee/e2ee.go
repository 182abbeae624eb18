// Package e2ee implements the client side room encryption contract so Go
// clients and tests can interoperate with browser clients. The gateway never
// imports it: keys are derived on the clients and never transmitted.
//
// A room key is PBKDF2-HMAC-SHA256 over roomKey + "|" + the sorted
// participant ids joined by ",", with a fixed salt. Each field is sealed
// independently with AES-256-GCM under a fresh 96-bit nonce and sent as
// base64(nonce || ciphertext).
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/npezzotti/capstone-chat/internal/types"
	"golang.org/x/crypto/pbkdf2"
)

const (
	Salt       = "capstone-chat-e2ee-v1"
	Iterations = 100_000
	KeySize    = 32
	NonceSize  = 12
)

var ErrMalformed = errors.New("e2ee: malformed envelope")

// RoomKey is a derived AES-256-GCM key for one room.
type RoomKey struct {
	aead cipher.AEAD
}

func keyMaterial(roomKey string, participantIds []string) string {
	ids := slices.Clone(participantIds)
	slices.Sort(ids)
	return roomKey + "|" + strings.Join(ids, ",")
}

// DeriveKey derives the key for a room. Participant order does not matter.
func DeriveKey(roomKey string, participantIds []string) (*RoomKey, error) {
	raw := pbkdf2.Key([]byte(keyMaterial(roomKey, participantIds)), []byte(Salt), Iterations, KeySize, sha256.New)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return &RoomKey{aead: aead}, nil
}

// DeriveRoomKey derives the key for a resolved room.
func DeriveRoomKey(room types.Room) (*RoomKey, error) {
	return DeriveKey(room.Id, room.ParticipantIds())
}

func (k *RoomKey) Seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	out := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (k *RoomKey) Open(envelope string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(raw) < NonceSize+k.aead.Overhead() {
		return "", ErrMalformed
	}

	pt, err := k.aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(pt), nil
}

// Draft is the plaintext a client wants to send.
type Draft struct {
	Text        string
	Attachments []types.Attachment
}

// SealedDraft holds the encrypted fields of a chat:send payload.
type SealedDraft struct {
	Text        types.Ciphertext
	Attachments []types.Attachment
	IsEncrypted bool
}

// SealDraft encrypts the text and each attachment url and file name
// independently. Empty text stays empty so the server can still reject empty
// sends.
func (k *RoomKey) SealDraft(d Draft) (SealedDraft, error) {
	out := SealedDraft{IsEncrypted: true}
	if d.Text != "" {
		s, err := k.Seal(d.Text)
		if err != nil {
			return SealedDraft{}, err
		}
		out.Text = types.SealedText(s)
	}

	for _, a := range d.Attachments {
		url, err := k.Seal(a.Url.Reveal())
		if err != nil {
			return SealedDraft{}, err
		}
		name, err := k.Seal(a.FileName.Reveal())
		if err != nil {
			return SealedDraft{}, err
		}
		a.Url = types.SealedText(url)
		a.FileName = types.SealedText(name)
		out.Attachments = append(out.Attachments, a)
	}

	return out, nil
}

// OpenMessage decrypts the encrypted fields of a received message. Messages
// with IsEncrypted unset are returned unchanged.
func (k *RoomKey) OpenMessage(m types.Message) (Draft, error) {
	if !m.IsEncrypted {
		return Draft{Text: m.Text.Reveal(), Attachments: m.Attachments}, nil
	}

	var d Draft
	if !m.Text.IsZero() {
		text, err := k.Open(m.Text.Reveal())
		if err != nil {
			return Draft{}, fmt.Errorf("text: %w", err)
		}
		d.Text = text
	}

	for i, a := range m.Attachments {
		url, err := k.Open(a.Url.Reveal())
		if err != nil {
			return Draft{}, fmt.Errorf("attachment %d url: %w", i, err)
		}
		name, err := k.Open(a.FileName.Reveal())
		if err != nil {
			return Draft{}, fmt.Errorf("attachment %d name: %w", i, err)
		}
		a.Url = types.SealedText(url)
		a.FileName = types.SealedText(name)
		d.Attachments = append(d.Attachments, a)
	}

	return d, nil
}

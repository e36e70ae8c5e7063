package message

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors. Every decode failure wraps one of these.
var (
	ErrDecode              = errors.New("message: malformed frame")
	ErrAuthentication      = errors.New("message: decryption failed")
	ErrUnencryptedRejected = errors.New("message: unencrypted frame rejected")
	ErrNoSecret            = errors.New("message: encrypted frame but no secret configured")
	ErrInvalidKey          = errors.New("message: secret must be 16, 24 or 32 bytes")
)

const (
	nonceSize = 16
	tagSize   = 16
)

// Codec converts messages to and from wire frames.
//
// With a secret every outgoing frame is AES-GCM encrypted and wrapped as
// {"ciphertext", "tag", "nonce"} (hex). Incoming encrypted frames are
// decrypted; plaintext frames are accepted only when AllowUnencrypted is
// set. Without a secret only plaintext frames are accepted.
type Codec struct {
	aead             cipher.AEAD
	allowUnencrypted bool
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithAllowUnencrypted overrides whether plaintext frames are accepted when a
// secret is configured. It defaults to false with a secret.
func WithAllowUnencrypted(allow bool) CodecOption {
	return func(c *Codec) { c.allowUnencrypted = allow }
}

var plainCodec = &Codec{allowUnencrypted: true}

// NewCodec builds a Codec. An empty secret yields a plaintext codec.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	c := &Codec{allowUnencrypted: secret == ""}
	if secret != "" {
		block, err := aes.NewCipher([]byte(secret))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
		if err != nil {
			return nil, err
		}
		c.aead = aead
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.aead == nil {
		// nothing to decrypt with, plaintext is the only option
		c.allowUnencrypted = true
	}
	return c, nil
}

// Encrypted reports whether outgoing frames are encrypted.
func (c *Codec) Encrypted() bool { return c.aead != nil }

type envelope struct {
	Ciphertext string  `json:"ciphertext"`
	Tag        *string `json:"tag,omitempty"`
	Nonce      string  `json:"nonce"`
}

// Encode serializes m, encrypting when a secret is configured.
func (c *Codec) Encode(m *Message) ([]byte, error) {
	out := New(m.Type, m.Data, m.Context)
	plain, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if c.aead == nil {
		return plain, nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := c.aead.Seal(nil, nonce, plain, nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	tagHex := hex.EncodeToString(tag)
	return json.Marshal(envelope{
		Ciphertext: hex.EncodeToString(body),
		Tag:        &tagHex,
		Nonce:      hex.EncodeToString(nonce),
	})
}

// Decode parses a wire frame into a Message.
func (c *Codec) Decode(raw []byte) (*Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, encrypted := obj["ciphertext"]; encrypted {
		if c.aead == nil {
			return nil, ErrNoSecret
		}
		plain, err := c.decrypt(raw)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(plain, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	} else if !c.allowUnencrypted {
		return nil, ErrUnencryptedRejected
	}
	return fromFields(obj)
}

func (c *Codec) decrypt(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	body, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrDecode, err)
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecode)
	}
	var tag []byte
	if env.Tag == nil {
		// web crypto appends the tag to the ciphertext
		if len(body) < tagSize {
			return nil, fmt.Errorf("%w: ciphertext too short", ErrDecode)
		}
		body, tag = body[:len(body)-tagSize], body[len(body)-tagSize:]
	} else if tag, err = hex.DecodeString(*env.Tag); err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrDecode, err)
	}
	sealed := append(append([]byte{}, body...), tag...)
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plain, nil
}

func fromFields(obj map[string]json.RawMessage) (*Message, error) {
	var (
		msgType string
		data    map[string]any
		ctx     map[string]any
	)
	if raw, ok := obj["type"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &msgType); err != nil {
			return nil, fmt.Errorf("%w: type: %v", ErrDecode, err)
		}
	}
	if raw, ok := obj["data"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrDecode, err)
		}
	}
	if raw, ok := obj["context"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return nil, fmt.Errorf("%w: context: %v", ErrDecode, err)
		}
	}
	return New(msgType, data, ctx), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

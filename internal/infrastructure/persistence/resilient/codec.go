package resilient

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encoding lists the transforms applied to Record.Data, in write order.
type Encoding string

const (
	EncodingPlain        Encoding = "json"
	EncodingGzip         Encoding = "gzip"
	EncodingAEAD         Encoding = "aead"
	EncodingGzipThenAEAD Encoding = "gzip+aead"
)

func (e Encoding) compressed() bool { return e == EncodingGzip || e == EncodingGzipThenAEAD }
func (e Encoding) encrypted() bool  { return e == EncodingAEAD || e == EncodingGzipThenAEAD }

// Record is the stored envelope. Data holds the raw JSON value for plain
// records and a base64 string otherwise. Checksum is the hex xxhash64 of the
// decoded JSON.
type Record struct {
	Data      json.RawMessage `json:"data"`
	Version   int             `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Checksum  string          `json:"checksum"`
	Encoding  Encoding        `json:"encoding"`
}

// WrittenAt converts Timestamp from epoch milliseconds.
func (r Record) WrittenAt() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// Checksum returns the record checksum of a JSON payload.
func Checksum(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// ══════════════════════════════════════════════════════════════════════════════
// CIPHER
// ══════════════════════════════════════════════════════════════════════════════

// Cipher seals payloads at rest. aad binds a ciphertext to its storage key.
type Cipher interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(ciphertext, aad []byte) ([]byte, error)
}

type aeadCipher struct {
	key []byte
}

// NewAEAD derives a 256-bit key from secret with HKDF-SHA256 (salted by
// namespace) and returns an XChaCha20-Poly1305 cipher. Nonces are random and
// prefixed to the ciphertext.
func NewAEAD(secret []byte, namespace string) (Cipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty encryption secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, []byte(namespace), []byte("roadmap-tracker record key"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &aeadCipher{key: key}, nil
}

func (c *aeadCipher) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (c *aeadCipher) Open(ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, aad)
}

// ══════════════════════════════════════════════════════════════════════════════
// CODEC
// ══════════════════════════════════════════════════════════════════════════════

type codec struct {
	compress  bool
	threshold int
	cipher    Cipher
}

// encode wraps a JSON payload into a serialized Record.
func (c codec) encode(key string, payload []byte, version int, now time.Time) ([]byte, Record, error) {
	rec := Record{
		Version:   version,
		Timestamp: now.UnixMilli(),
		Checksum:  Checksum(payload),
		Encoding:  EncodingPlain,
	}

	body := payload
	var steps []string
	if c.compress && len(payload) >= c.threshold {
		z, err := gzipBytes(payload)
		if err != nil {
			return nil, rec, newError(KindCompressionFailed, "save", key, err)
		}
		body = z
		steps = append(steps, string(EncodingGzip))
	}
	if c.cipher != nil {
		sealed, err := c.cipher.Seal(body, []byte(key))
		if err != nil {
			return nil, rec, newError(KindEncryptionFailed, "save", key, err)
		}
		body = sealed
		steps = append(steps, string(EncodingAEAD))
	}

	if len(steps) == 0 {
		rec.Data = json.RawMessage(payload)
	} else {
		rec.Encoding = Encoding(strings.Join(steps, "+"))
		rec.Data = json.RawMessage(strconv.Quote(base64.StdEncoding.EncodeToString(body)))
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, rec, newError(KindCorruption, "save", key, err)
	}
	return raw, rec, nil
}

// decode parses a serialized Record and returns the verified JSON payload.
// Every failure is corruption.
func (c codec) decode(key string, raw []byte) (Record, []byte, error) {
	corrupt := func(err error) (Record, []byte, error) {
		return Record{}, nil, newError(KindCorruption, "load", key, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return corrupt(fmt.Errorf("parse record: %w", err))
	}
	if len(rec.Data) == 0 || rec.Checksum == "" {
		return corrupt(errors.New("record is missing data or checksum"))
	}

	var payload []byte
	switch rec.Encoding {
	case "", EncodingPlain:
		payload = rec.Data
	case EncodingGzip, EncodingAEAD, EncodingGzipThenAEAD:
		var b64 string
		if err := json.Unmarshal(rec.Data, &b64); err != nil {
			return corrupt(fmt.Errorf("data is not a string: %w", err))
		}
		body, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return corrupt(fmt.Errorf("data is not base64: %w", err))
		}
		if rec.Encoding.encrypted() {
			if c.cipher == nil {
				return corrupt(errors.New("record is encrypted but no secret is configured"))
			}
			if body, err = c.cipher.Open(body, []byte(key)); err != nil {
				return corrupt(fmt.Errorf("decrypt: %w", err))
			}
		}
		if rec.Encoding.compressed() {
			if body, err = gunzipBytes(body); err != nil {
				return corrupt(fmt.Errorf("decompress: %w", err))
			}
		}
		payload = body
	default:
		return corrupt(fmt.Errorf("unknown encoding %q", rec.Encoding))
	}

	if Checksum(payload) != rec.Checksum {
		return corrupt(errors.New("checksum mismatch"))
	}
	return rec, payload, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Package respmeta encodes the response-metadata record stored in the
// first stream of a cache entry. The record is a length-prefixed JSON
// payload behind a fixed magic, zstd-compressed when large enough to be
// worth it.
package respmeta

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	dictcache "github.com/wolfeidau/dictionary-cache"
)

var (
	// MagicBytes is the 4-byte prefix for metadata records.
	MagicBytes = []byte("DCR1")

	// ErrInvalidMagic is returned when a record doesn't start with the
	// expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected DCR1")

	// ErrPayloadTooLarge is returned when the payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

const (
	// CompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed decoded payload size, a hard
	// cap during decompression to prevent compression bombs.
	MaxPayloadSize = 1 * 1024 * 1024

	flagCompressed = 0x01
)

// Record is the persisted metadata for one cache entry. Truncated marks
// an entry whose body stops short of ContentLength and can be resumed;
// Unusable marks an entry whose body failed checksum verification and
// must not be served from dictionary-keyed lookups.
type Record struct {
	StatusCode    int            `json:"status_code"`
	ContentLength int64          `json:"content_length"`
	ResponseTime  time.Time      `json:"response_time"`
	Hash          dictcache.Hash `json:"hash,omitempty"`
	Truncated     bool           `json:"truncated,omitempty"`
	Unusable      bool           `json:"unusable,omitempty"`
}

// Codec encodes and decodes metadata records. It is goroutine-safe and
// reusable.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes the record.
// Format: MAGIC (4 bytes) | FLAGS (1 byte) | LEN (uint32 big-endian) | PAYLOAD
func (c *Codec) Encode(rec *Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	var flags byte
	if len(payload) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			compressed := enc.EncodeAll(payload, nil)
			if len(compressed) < len(payload) {
				payload = compressed
				flags |= flagCompressed
			}
		}
	}

	out := make([]byte, 0, len(MagicBytes)+5+len(payload))
	out = append(out, MagicBytes...)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload))) //nolint:gosec // payload is bounds-checked above
	out = append(out, payload...)
	return out, nil
}

// Decode parses an encoded record.
func (c *Codec) Decode(data []byte) (*Record, error) {
	if len(data) < len(MagicBytes)+5 {
		return nil, ErrInvalidMagic
	}
	if !bytes.Equal(data[:4], MagicBytes) {
		return nil, ErrInvalidMagic
	}
	flags := data[4]
	payloadLen := binary.BigEndian.Uint32(data[5:9])
	if payloadLen > MaxPayloadSize || int(payloadLen) > len(data)-9 {
		return nil, ErrPayloadTooLarge
	}
	payload := data[9 : 9+payloadLen]

	if flags&flagCompressed != 0 {
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		decompressed, err := dec.DecodeAll(payload, make([]byte, 0, MaxPayloadSize))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		if len(decompressed) > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
		payload = decompressed
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}
	return &rec, nil
}

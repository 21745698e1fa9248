// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/bucketsync/lib/bucketstore"
	"github.com/bureau-foundation/bucketsync/lib/codec"
)

const (
	magic = "BKSNAP"

	// FormatVersion is the header layout written by this package.
	FormatVersion byte = 1

	// HeaderSize is the fixed size before the payload.
	HeaderSize = len(magic) + 1 + 1 + 1 + 4 + DigestSize

	DigestSize = 32

	flagEncrypted byte = 1 << 0

	// maxBodySize bounds what Read allocates from an untrusted size
	// field: 256 full buckets with all their metadata fit well inside.
	maxBodySize = 1 << 20
)

var (
	// ErrNotSnapshot means the input does not start with the magic.
	ErrNotSnapshot = errors.New("snapshot: not a snapshot file")

	// ErrDigestMismatch means the body does not hash to the stored
	// digest.
	ErrDigestMismatch = errors.New("snapshot: digest mismatch")

	// ErrEncrypted means the snapshot is encrypted and no identity was
	// supplied.
	ErrEncrypted = errors.New("snapshot: encrypted, identity required")

	// ErrProtocolMismatch means the snapshot was taken from a store
	// initialized with another protocol version.
	ErrProtocolMismatch = errors.New("snapshot: protocol version mismatch")
)

// digestKey separates snapshot digests from any other BLAKE3 use. It
// is the ASCII domain name zero-padded to 32 bytes.
var digestKey = [32]byte{
	'b', 'u', 'c', 'k', 'e', 't', 's', 'y', 'n', 'c', '.', 's', 'n', 'a', 'p', 's',
	'h', 'o', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Digest is a BLAKE3 keyed hash of a snapshot body.
type Digest [DigestSize]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Row is one bucket as stored in a snapshot.
type Row struct {
	ID         uint8  `cbor:"id"`
	Active     bool   `cbor:"active"`
	Data       []byte `cbor:"data,omitempty"`
	Version    uint16 `cbor:"version"`
	SortKey    *int64 `cbor:"sort_key,omitempty"`
	UpstreamID string `cbor:"upstream_id,omitempty"`
	Flags      uint8  `cbor:"flags,omitempty"`
}

// Snapshot is the decoded body.
type Snapshot struct {
	// Protocol is the store's protocol version, zero when the store
	// had never been initialized.
	Protocol uint32 `cbor:"protocol"`
	Latest   uint16 `cbor:"latest"`
	Rows     []Row  `cbor:"rows"`
}

// Info describes a written or read snapshot.
type Info struct {
	Protocol    uint32
	Latest      uint16
	Rows        int
	Compression Compression
	Encrypted   bool
	Digest      Digest
}

// Options controls how a snapshot is written.
type Options struct {
	Compression Compression

	// Recipients are age X25519 public keys (age1...). When set the
	// payload is encrypted to all of them.
	Recipients []string
}

// Source is the part of a store that Export reads.
type Source interface {
	Buckets(ctx context.Context) ([]bucketstore.Bucket, error)
	LatestVersion(ctx context.Context) (uint16, error)
	ProtocolVersion(ctx context.Context) (uint32, bool, error)
}

// Target is the part of a store that Import writes.
type Target interface {
	ProtocolVersion(ctx context.Context) (uint32, bool, error)
	ReplaceAll(ctx context.Context, buckets []bucketstore.Bucket) error
}

// Export writes the whole table of source to w.
func Export(ctx context.Context, source Source, w io.Writer, options Options) (Info, error) {
	buckets, err := source.Buckets(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: export: %w", err)
	}
	latest, err := source.LatestVersion(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: export: %w", err)
	}
	protocol, _, err := source.ProtocolVersion(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: export: %w", err)
	}

	snapshot := &Snapshot{Protocol: protocol, Latest: latest, Rows: make([]Row, 0, len(buckets))}
	for _, bucket := range buckets {
		snapshot.Rows = append(snapshot.Rows, Row{
			ID:         bucket.ID,
			Active:     bucket.Active,
			Data:       bucket.Data,
			Version:    bucket.Version,
			SortKey:    bucket.SortKey,
			UpstreamID: bucket.UpstreamID,
			Flags:      bucket.Flags,
		})
	}
	return Write(w, snapshot, options)
}

// Import reads a snapshot from r and replaces the table of target
// with it in one transaction. The rows are stored at the target's next
// version, not the versions they had when exported, so connected peers
// receive all of them. identities are age X25519 private keys
// (AGE-SECRET-KEY-1...) used when the snapshot is encrypted. A
// snapshot from a store with another protocol version is refused
// unless the target was never initialized.
func Import(ctx context.Context, target Target, r io.Reader, identities []string) (Info, error) {
	snapshot, info, err := Read(r, identities)
	if err != nil {
		return info, err
	}
	protocol, initialized, err := target.ProtocolVersion(ctx)
	if err != nil {
		return info, fmt.Errorf("snapshot: import: %w", err)
	}
	if initialized && snapshot.Protocol != 0 && protocol != snapshot.Protocol {
		return info, fmt.Errorf("%w: snapshot has %d, store has %d", ErrProtocolMismatch, snapshot.Protocol, protocol)
	}

	buckets := make([]bucketstore.Bucket, 0, len(snapshot.Rows))
	for _, row := range snapshot.Rows {
		buckets = append(buckets, bucketstore.Bucket{
			ID:         row.ID,
			Active:     row.Active,
			Data:       row.Data,
			Version:    row.Version,
			SortKey:    row.SortKey,
			UpstreamID: row.UpstreamID,
			Flags:      row.Flags,
		})
	}
	if err := target.ReplaceAll(ctx, buckets); err != nil {
		return info, fmt.Errorf("snapshot: import: %w", err)
	}
	return info, nil
}

// Write encodes snapshot to w.
func Write(w io.Writer, snapshot *Snapshot, options Options) (Info, error) {
	body, err := codec.Marshal(snapshot)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: encoding body: %w", err)
	}
	if len(body) > maxBodySize {
		return Info{}, fmt.Errorf("snapshot: body of %d bytes exceeds %d", len(body), maxBodySize)
	}
	payload, compression, err := compress(body, options.Compression)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: compressing body: %w", err)
	}

	var flags byte
	if len(options.Recipients) > 0 {
		payload, err = encrypt(payload, options.Recipients)
		if err != nil {
			return Info{}, err
		}
		flags |= flagEncrypted
	}

	info := Info{
		Protocol:    snapshot.Protocol,
		Latest:      snapshot.Latest,
		Rows:        len(snapshot.Rows),
		Compression: compression,
		Encrypted:   flags&flagEncrypted != 0,
		Digest:      digest(body),
	}

	header := make([]byte, 0, HeaderSize)
	header = append(header, magic...)
	header = append(header, FormatVersion, flags, byte(compression))
	header = binary.BigEndian.AppendUint32(header, uint32(len(body)))
	header = append(header, info.Digest[:]...)
	if _, err := w.Write(header); err != nil {
		return Info{}, fmt.Errorf("snapshot: writing header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return Info{}, fmt.Errorf("snapshot: writing payload: %w", err)
	}
	return info, nil
}

// Read decodes a snapshot from r and verifies its digest.
func Read(r io.Reader, identities []string) (*Snapshot, Info, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, Info{}, ErrNotSnapshot
		}
		return nil, Info{}, fmt.Errorf("snapshot: reading header: %w", err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, Info{}, ErrNotSnapshot
	}
	offset := len(magic)
	if format := header[offset]; format != FormatVersion {
		return nil, Info{}, fmt.Errorf("snapshot: unsupported format version %d", format)
	}
	flags := header[offset+1]
	info := Info{
		Compression: Compression(header[offset+2]),
		Encrypted:   flags&flagEncrypted != 0,
	}
	size := binary.BigEndian.Uint32(header[offset+3:])
	copy(info.Digest[:], header[offset+7:])
	if size > maxBodySize {
		return nil, info, fmt.Errorf("snapshot: body of %d bytes exceeds %d", size, maxBodySize)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, info, fmt.Errorf("snapshot: reading payload: %w", err)
	}
	if info.Encrypted {
		if len(identities) == 0 {
			return nil, info, ErrEncrypted
		}
		payload, err = decrypt(payload, identities)
		if err != nil {
			return nil, info, err
		}
	}
	body, err := decompress(payload, info.Compression, int(size))
	if err != nil {
		return nil, info, fmt.Errorf("snapshot: %w", err)
	}
	if digest(body) != info.Digest {
		return nil, info, ErrDigestMismatch
	}

	var snapshot Snapshot
	if err := codec.Unmarshal(body, &snapshot); err != nil {
		return nil, info, fmt.Errorf("snapshot: decoding body: %w", err)
	}
	info.Protocol = snapshot.Protocol
	info.Latest = snapshot.Latest
	info.Rows = len(snapshot.Rows)
	return &snapshot, info, nil
}

// GenerateIdentity returns a new age X25519 private key and its public
// recipient string.
func GenerateIdentity() (identity, recipient string, err error) {
	generated, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("snapshot: generating identity: %w", err)
	}
	return generated.String(), generated.Recipient().String(), nil
}

func digest(body []byte) Digest {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		// Only a wrong key length fails, and the key is fixed size.
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(body)
	var sum Digest
	copy(sum[:], hasher.Sum(nil))
	return sum
}

func encrypt(plaintext []byte, recipientKeys []string) ([]byte, error) {
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("snapshot: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("snapshot: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: finalizing encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

func decrypt(ciphertext []byte, identityKeys []string) ([]byte, error) {
	identities := make([]age.Identity, 0, len(identityKeys))
	for _, key := range identityKeys {
		identity, err := age.ParseX25519Identity(key)
		if err != nil {
			// Never echo the key itself.
			return nil, fmt.Errorf("snapshot: parsing identity: %w", err)
		}
		identities = append(identities, identity)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading decrypted payload: %w", err)
	}
	return plaintext, nil
}

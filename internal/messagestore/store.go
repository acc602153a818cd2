// Package messagestore implements the Message Pipeline's MessageStore
// collaborator (spec.md §4.6, §6.1, §6.3): an append-only numbered log
// of message entries, encrypted at rest under messageStoreKey, backed
// by two files (`<id>.index`, `<id>.data`) and supporting random-access
// rewrite of a single entry's delivery status without touching its
// payload.
//
// Grounded on xspasswd.go's read-all/find-record/rewrite-whole-file
// discipline, generalized from a whole-file CSV rewrite to a
// fixed-width binary index record rewritten in place with
// os.File.WriteAt, and on hkexsh.go's doCopyMode stream-to-file
// resumption shape for OpenAttachmentForRead.
package messagestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/mesherr"
)

// Kind mirrors wire.MessageKind without importing the wire package;
// the store only ever treats it as an opaque, persisted byte.
type Kind = uint8

const (
	TextMessage     Kind = 0
	InlineImage     Kind = 1
	FileAttachment  Kind = 2
	InfoMessage     Kind = 3
)

// maxRecipients bounds a single entry's recipient list (Group networks
// are the only case with more than one; 64 comfortably covers any
// realistic mesh).
const maxRecipients = 64

// maxFilePathLen bounds the stored local file path for a
// FileAttachment entry.
const maxFilePathLen = 255

// dataSlotSize is the fixed per-entry allocation in the .data file.
// Inbound entries arrive in a single wire frame (under 64 KiB), so this
// leaves room for the AEAD tag and nonce-adjacent framing; outbound
// entries are stored before peer.MaxMessageSize is checked, and append
// rejects any payload that does not fit a slot.
const dataSlotSize = 70 * 1024

// recipientRecordLen is identity.UserID (32) + a one-byte delivered flag.
const recipientRecordLen = 32 + 1

// indexRecordLen is the fixed width of one .index record:
// sender(32) + kind(1) + timestamp(8) + payloadLen(4) + fileSize(8) +
// filePathLen(1) + filePath(255) + recipientCount(1) + recipients.
const indexRecordLen = 32 + 1 + 8 + 4 + 8 + 1 + maxFilePathLen + 1 + maxRecipients*recipientRecordLen

// Recipient is one addressee of a stored entry and whether it has
// acknowledged delivery.
type Recipient struct {
	UserID    identity.UserID
	Delivered bool
}

// Entry is one message log record (spec.md §3 "Message log entry").
type Entry struct {
	MessageNumber uint64
	Sender        identity.UserID
	Kind          Kind
	Timestamp     int64
	Payload       []byte
	FileSize      uint64
	FilePath      string
	Recipients    []Recipient
}

// Store is the on-disk encrypted message log of spec.md §6.1/§6.3.
type Store struct {
	mu        sync.Mutex
	indexFile *os.File
	dataFile  *os.File
	aead      cipher.AEAD
	localUser identity.UserID
	count     uint64
}

// Open opens (creating if absent) the index/data file pair at
// indexPath/dataPath, deriving the AEAD cipher from key (the network's
// messageStoreKey).
func Open(indexPath, dataPath string, key [32]byte, localUser identity.UserID) (*Store, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, mesherr.Wrap(mesherr.CryptoFailure, err, "messagestore: init AEAD")
	}

	idx, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.TransportError, err, "messagestore: open index file")
	}
	data, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = idx.Close()
		return nil, mesherr.Wrap(mesherr.TransportError, err, "messagestore: open data file")
	}

	fi, err := idx.Stat()
	if err != nil {
		_ = idx.Close()
		_ = data.Close()
		return nil, mesherr.Wrap(mesherr.TransportError, err, "messagestore: stat index file")
	}

	return &Store{
		indexFile: idx,
		dataFile:  data,
		aead:      aead,
		localUser: localUser,
		count:     uint64(fi.Size()) / indexRecordLen,
	}, nil
}

// Close releases the underlying file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.indexFile.Close()
	err2 := s.dataFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Count returns the number of entries currently in the log.
func (s *Store) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// nonceFor derives a unique, deterministic per-message nonce from its
// position in the append-only log: each messageNumber is written
// exactly once, so reusing (key, nonce) pairs never happens.
func nonceFor(messageNumber uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], messageNumber)
	return nonce
}

// AppendOutbound implements the outbound half of spec.md §4.6: the
// caller has already built the recipient set ({otherPeer} for Private,
// all known peers but self for Group); this persists it as authored by
// the local user with every recipient initially undelivered.
func (s *Store) AppendOutbound(kind Kind, payload []byte, recipients []identity.UserID, timestamp int64) (Entry, error) {
	recs := make([]Recipient, len(recipients))
	for i, id := range recipients {
		recs[i] = Recipient{UserID: id}
	}
	return s.append(Entry{
		Sender:     s.localUser,
		Kind:       kind,
		Timestamp:  timestamp,
		Payload:    payload,
		Recipients: recs,
	})
}

// AppendInbound persists a message received over a session (spec.md
// §4.6 Inbound). Inbound entries carry no recipient-delivery tracking
// of their own; MarkDelivered only ever applies to entries the local
// user authored.
func (s *Store) AppendInbound(sender identity.UserID, kind Kind, payload []byte, timestamp int64) (Entry, error) {
	return s.append(Entry{
		Sender:    sender,
		Kind:      kind,
		Timestamp: timestamp,
		Payload:   payload,
	})
}

// AppendFileAttachment persists an outbound FileAttachment entry whose
// bytes live on disk at filePath rather than inline in the log.
func (s *Store) AppendFileAttachment(recipients []identity.UserID, filePath string, fileSize uint64, timestamp int64) (Entry, error) {
	if len(filePath) > maxFilePathLen {
		return Entry{}, mesherr.New(mesherr.PolicyReject, "messagestore: file path too long")
	}
	recs := make([]Recipient, len(recipients))
	for i, id := range recipients {
		recs[i] = Recipient{UserID: id}
	}
	return s.append(Entry{
		Sender:     s.localUser,
		Kind:       FileAttachment,
		Timestamp:  timestamp,
		FileSize:   fileSize,
		FilePath:   filePath,
		Recipients: recs,
	})
}

func (s *Store) append(e Entry) (Entry, error) {
	if len(e.Payload) > dataSlotSize-chacha20poly1305.Overhead {
		return Entry{}, mesherr.New(mesherr.PolicyReject, "messagestore: payload exceeds slot size")
	}
	if len(e.Recipients) > maxRecipients {
		return Entry{}, mesherr.New(mesherr.PolicyReject, "messagestore: too many recipients")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e.MessageNumber = s.count

	ciphertext := s.aead.Seal(nil, nonceFor(e.MessageNumber), e.Payload, nil)
	if _, err := s.dataFile.WriteAt(ciphertext, int64(e.MessageNumber)*dataSlotSize); err != nil {
		return Entry{}, mesherr.Wrap(mesherr.TransportError, err, "messagestore: write data slot")
	}

	rec := encodeIndexRecord(e, len(e.Payload))
	if _, err := s.indexFile.WriteAt(rec, int64(e.MessageNumber)*indexRecordLen); err != nil {
		return Entry{}, mesherr.Wrap(mesherr.TransportError, err, "messagestore: write index record")
	}

	s.count++
	return e, nil
}

// Get reads and decrypts the entry at messageNumber.
func (s *Store) Get(messageNumber uint64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(messageNumber)
}

func (s *Store) getLocked(messageNumber uint64) (Entry, error) {
	if messageNumber >= s.count {
		return Entry{}, mesherr.New(mesherr.ParseError, "messagestore: message number out of range")
	}

	rec := make([]byte, indexRecordLen)
	if _, err := s.indexFile.ReadAt(rec, int64(messageNumber)*indexRecordLen); err != nil {
		return Entry{}, mesherr.Wrap(mesherr.TransportError, err, "messagestore: read index record")
	}
	e, payloadLen := decodeIndexRecord(rec)
	e.MessageNumber = messageNumber

	if payloadLen > 0 {
		ciphertext := make([]byte, payloadLen+chacha20poly1305.Overhead)
		if _, err := s.dataFile.ReadAt(ciphertext, int64(messageNumber)*dataSlotSize); err != nil {
			return Entry{}, mesherr.Wrap(mesherr.TransportError, err, "messagestore: read data slot")
		}
		plain, err := s.aead.Open(nil, nonceFor(messageNumber), ciphertext, nil)
		if err != nil {
			return Entry{}, mesherr.Wrap(mesherr.CryptoFailure, err, "messagestore: decrypt entry")
		}
		e.Payload = plain
	}
	return e, nil
}

// InvitationPending implements spec.md §4.5's detection rule: the log
// has exactly one entry, authored by the local user, a TextMessage,
// not yet delivered to its (sole, Private) recipient.
func (s *Store) InvitationPending() (bool, error) {
	s.mu.Lock()
	count := s.count
	s.mu.Unlock()
	if count != 1 {
		return false, nil
	}

	e, err := s.Get(0)
	if err != nil {
		return false, err
	}
	if e.Sender != s.localUser || e.Kind != TextMessage {
		return false, nil
	}
	if len(e.Recipients) != 1 {
		return false, nil
	}
	return !e.Recipients[0].Delivered, nil
}

// MarkDelivered implements spec.md §4.6's delivery-notification
// handling: under the store mutex, reload the entry, mark recipient
// Delivered, and rewrite only its index record (the payload is never
// touched).
func (s *Store) MarkDelivered(messageNumber uint64, recipient identity.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getLocked(messageNumber)
	if err != nil {
		return err
	}

	found := false
	for i := range e.Recipients {
		if e.Recipients[i].UserID == recipient {
			e.Recipients[i].Delivered = true
			found = true
			break
		}
	}
	if !found {
		return mesherr.New(mesherr.InvariantViolation, "messagestore: unknown recipient for delivery notification")
	}

	rec := encodeIndexRecord(e, len(e.Payload))
	if _, err := s.indexFile.WriteAt(rec, int64(messageNumber)*indexRecordLen); err != nil {
		return mesherr.Wrap(mesherr.TransportError, err, "messagestore: rewrite index record")
	}
	return nil
}

// ReSendUndeliveredMessages implements spec.md §4.6's re-delivery walk:
// starting from the newest entry, collect contiguous undelivered
// TextMessages authored by the local user, stopping at the first
// delivered or non-matching entry, then replay oldest-first via send.
func (s *Store) ReSendUndeliveredMessages(send func(Entry) error) error {
	s.mu.Lock()
	count := s.count
	s.mu.Unlock()
	if count == 0 {
		return nil
	}

	var pending []Entry
	for i := count; i > 0; i-- {
		n := i - 1
		e, err := s.Get(n)
		if err != nil {
			return err
		}
		if e.Sender != s.localUser || e.Kind != TextMessage || len(e.Recipients) != 1 {
			break
		}
		if e.Recipients[0].Delivered {
			break
		}
		pending = append(pending, e)
	}

	for i := len(pending) - 1; i >= 0; i-- {
		if err := send(pending[i]); err != nil {
			return err
		}
	}
	return nil
}

// OpenAttachmentForRead opens the local file backing a FileAttachment
// entry, seeked to offset (spec.md §4.6 File transfer, sender side).
func (s *Store) OpenAttachmentForRead(messageNumber uint64, offset uint64) (io.ReadCloser, error) {
	e, err := s.Get(messageNumber)
	if err != nil {
		return nil, err
	}
	if e.Kind != FileAttachment || e.FilePath == "" {
		return nil, mesherr.New(mesherr.PolicyReject, "messagestore: entry has no attachment")
	}

	f, err := os.Open(e.FilePath)
	if err != nil {
		return nil, mesherr.Wrap(mesherr.TransportError, err, "messagestore: open attachment file")
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		_ = f.Close()
		return nil, mesherr.Wrap(mesherr.TransportError, err, "messagestore: seek attachment file")
	}
	return f, nil
}

// OpenAttachmentForAppend opens (creating if absent) the local file for
// an incoming file attachment, positioned at its current length so a
// partial download resumes (spec.md §4.6 ReceiveFileAttachment).
func OpenAttachmentForAppend(filePath string) (*os.File, uint64, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, 0, mesherr.Wrap(mesherr.TransportError, err, "messagestore: open attachment for append")
	}
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, 0, mesherr.Wrap(mesherr.TransportError, err, "messagestore: seek attachment to end")
	}
	return f, uint64(off), nil
}

// NewMessageStoreID returns a random identifier suitable for naming a
// fresh store's <id>.index/<id>.data file pair (spec.md §3
// "messageStoreId (string)").
func NewMessageStoreID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", mesherr.Wrap(mesherr.TransportError, err, "messagestore: generate store id")
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, c := range b {
		out[2*i] = hex[c>>4]
		out[2*i+1] = hex[c&0xf]
	}
	return string(out), nil
}

func encodeIndexRecord(e Entry, payloadLen int) []byte {
	rec := make([]byte, indexRecordLen)
	off := 0

	copy(rec[off:off+32], e.Sender[:])
	off += 32

	rec[off] = e.Kind
	off++

	binary.BigEndian.PutUint64(rec[off:off+8], uint64(e.Timestamp))
	off += 8

	binary.BigEndian.PutUint32(rec[off:off+4], uint32(payloadLen))
	off += 4

	binary.BigEndian.PutUint64(rec[off:off+8], e.FileSize)
	off += 8

	pathBytes := []byte(e.FilePath)
	rec[off] = uint8(len(pathBytes))
	off++
	copy(rec[off:off+maxFilePathLen], pathBytes)
	off += maxFilePathLen

	rec[off] = uint8(len(e.Recipients))
	off++
	for _, r := range e.Recipients {
		copy(rec[off:off+32], r.UserID[:])
		off += 32
		if r.Delivered {
			rec[off] = 1
		}
		off++
	}
	return rec
}

func decodeIndexRecord(rec []byte) (Entry, int) {
	var e Entry
	off := 0

	copy(e.Sender[:], rec[off:off+32])
	off += 32

	e.Kind = rec[off]
	off++

	e.Timestamp = int64(binary.BigEndian.Uint64(rec[off : off+8]))
	off += 8

	payloadLen := int(binary.BigEndian.Uint32(rec[off : off+4]))
	off += 4

	e.FileSize = binary.BigEndian.Uint64(rec[off : off+8])
	off += 8

	pathLen := int(rec[off])
	off++
	e.FilePath = string(rec[off : off+pathLen])
	off += maxFilePathLen

	recipientCount := int(rec[off])
	off++
	e.Recipients = make([]Recipient, recipientCount)
	for i := 0; i < recipientCount; i++ {
		var id identity.UserID
		copy(id[:], rec[off:off+32])
		off += 32
		e.Recipients[i] = Recipient{UserID: id, Delivered: rec[off] == 1}
		off++
	}
	return e, payloadLen
}

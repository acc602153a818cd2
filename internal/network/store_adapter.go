package network

import (
	"io"
	"time"

	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/messagestore"
)

// storeAdapter satisfies MessageStore by converting between
// messagestore.Entry and the minimal MessageEntry view this package
// needs, exactly as collaborators.go's doc comment on MessageEntry
// anticipates ("satisfies this by structural convention at the call
// site").
type storeAdapter struct {
	store *messagestore.Store
}

// NewMessageStoreAdapter wraps a concrete *messagestore.Store as a
// Network MessageStore collaborator.
func NewMessageStoreAdapter(store *messagestore.Store) MessageStore {
	return storeAdapter{store: store}
}

func (a storeAdapter) InvitationPending() (bool, error) {
	return a.store.InvitationPending()
}

func (a storeAdapter) ReSendUndeliveredMessages(send func(MessageEntry) error) error {
	return a.store.ReSendUndeliveredMessages(func(e messagestore.Entry) error {
		return send(toMessageEntry(e))
	})
}

func (a storeAdapter) AppendInbound(entry MessageEntry) (MessageEntry, error) {
	e, err := a.store.AppendInbound(entry.Sender, entry.Kind, entry.Payload, time.Now().Unix())
	if err != nil {
		return MessageEntry{}, err
	}
	return toMessageEntry(e), nil
}

func (a storeAdapter) AppendOutbound(kind uint8, payload []byte, recipients []identity.UserID, timestamp int64) (MessageEntry, error) {
	e, err := a.store.AppendOutbound(kind, payload, recipients, timestamp)
	if err != nil {
		return MessageEntry{}, err
	}
	return toMessageEntry(e), nil
}

func (a storeAdapter) MarkDelivered(messageNumber uint64, recipient identity.UserID) error {
	return a.store.MarkDelivered(messageNumber, recipient)
}

func (a storeAdapter) OpenAttachmentForRead(messageNumber uint64, offset uint64) (io.ReadCloser, error) {
	return a.store.OpenAttachmentForRead(messageNumber, offset)
}

func toMessageEntry(e messagestore.Entry) MessageEntry {
	return MessageEntry{
		MessageNumber: e.MessageNumber,
		Sender:        e.Sender,
		Kind:          e.Kind,
		Payload:       e.Payload,
	}
}

package chat

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tourchat/chat-core/internal/docstore"
)

var tracer = otel.Tracer("github.com/tourchat/chat-core/internal/chat")

// Conversation document fields.
const (
	fieldPartyAID   = "partyAId"
	fieldPartyBID   = "partyBId"
	fieldPartyAName = "partyADisplayName"
	fieldPartyBName = "partyBDisplayName"
)

// Conversation pairs two parties. PartyA is whoever created it first.
type Conversation struct {
	ID         string
	PartyAID   string
	PartyBID   string
	PartyAName string
	PartyBName string
	CreatedAt  time.Time
}

// HasParty reports whether userID is one of the two parties.
func (c Conversation) HasParty(userID string) bool {
	return userID == c.PartyAID || userID == c.PartyBID
}

// Counterpart returns the id and display name of the party that is not
// userID, or empty strings if userID is not a party.
func (c Conversation) Counterpart(userID string) (id, name string) {
	switch userID {
	case c.PartyAID:
		return c.PartyBID, c.PartyBName
	case c.PartyBID:
		return c.PartyAID, c.PartyAName
	default:
		return "", ""
	}
}

func conversationFromDoc(d docstore.Document) Conversation {
	return Conversation{
		ID:         d.ID,
		PartyAID:   d.Fields[fieldPartyAID],
		PartyBID:   d.Fields[fieldPartyBID],
		PartyAName: d.Fields[fieldPartyAName],
		PartyBName: d.Fields[fieldPartyBName],
		CreatedAt:  time.UnixMilli(d.Int(fieldCreatedAt)),
	}
}

// ConversationKey returns the canonical, order-independent key of a pair. It
// is used directly as the conversation document id. Ids are compared as
// given, without case folding.
func ConversationKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	h := sha256.Sum256([]byte(pair[0] + "\x00" + pair[1]))
	return fmt.Sprintf("%x", h[:16]) // 32-char hex prefix
}

// Registry finds or creates the conversation of a pair of parties.
type Registry struct {
	store docstore.Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewRegistry creates a Registry on store.
func NewRegistry(store docstore.Store, log zerolog.Logger) *Registry {
	return &Registry{store: store, log: log, now: time.Now}
}

func validParties(a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("%w: empty party id", ErrInvalidParty)
	}
	if a == b {
		return fmt.Errorf("%w: cannot create conversation with self", ErrInvalidParty)
	}
	return nil
}

// FindOrCreate returns the id of the conversation between partyA and partyB,
// creating it on first contact. Argument order does not matter and an
// existing record is never modified. Concurrent calls for the same pair all
// return the same id because creation is keyed by ConversationKey.
func (r *Registry) FindOrCreate(ctx context.Context, partyA, partyB, partyAName, partyBName string) (id string, err error) {
	ctx, span := tracer.Start(ctx, "chat.Registry.FindOrCreate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := validParties(partyA, partyB); err != nil {
		return "", err
	}

	key := ConversationKey(partyA, partyB)
	span.SetAttributes(attribute.String("conversation.id", key))

	_, err = r.store.Get(ctx, CollectionConversations, key)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return "", fmt.Errorf("chat: find conversation %s: %w", key, err)
	}

	created, err := r.store.CreateWithID(ctx, CollectionConversations, key, docstore.Fields{
		fieldPartyAID:   partyA,
		fieldPartyBID:   partyB,
		fieldPartyAName: partyAName,
		fieldPartyBName: partyBName,
		fieldCreatedAt:  strconv.FormatInt(r.now().UnixMilli(), 10),
	})
	if err != nil {
		return "", fmt.Errorf("chat: create conversation %s: %w", key, err)
	}
	if created {
		r.log.Info().Str("conversation_id", key).Str("party_a", partyA).Str("party_b", partyB).Msg("conversation created")
	} else {
		r.log.Debug().Str("conversation_id", key).Msg("conversation created concurrently")
	}
	return key, nil
}

// Get returns a conversation by id.
func (r *Registry) Get(ctx context.Context, conversationID string) (Conversation, error) {
	doc, err := r.store.Get(ctx, CollectionConversations, conversationID)
	if err != nil {
		return Conversation{}, fmt.Errorf("chat: get conversation %s: %w", conversationID, err)
	}
	return conversationFromDoc(doc), nil
}

// ListForParty returns every conversation userID takes part in, newest first.
func (r *Registry) ListForParty(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty party id", ErrInvalidParty)
	}

	var convs []Conversation
	for _, field := range []string{fieldPartyAID, fieldPartyBID} {
		docs, err := r.store.Query(ctx, CollectionConversations, docstore.Query{
			Where:   map[string]string{field: userID},
			OrderBy: fieldCreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("chat: list conversations of %s: %w", userID, err)
		}
		for _, d := range docs {
			convs = append(convs, conversationFromDoc(d))
		}
	}

	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.After(convs[j].CreatedAt)
		}
		return convs[i].ID < convs[j].ID
	})
	return convs, nil
}

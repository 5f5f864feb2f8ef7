package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wahub-io/wahub/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func testNumber(t *testing.T, store *SQLiteStore) *models.PhoneNumber {
	t.Helper()
	now := time.Now().UTC()
	n := &models.PhoneNumber{
		ID:                models.NewID("num"),
		DisplayName:       "Main line",
		PhoneNumber:       "15551234567",
		APIType:           models.APITypeOfficial,
		PhoneNumberID:     "123456789",
		BusinessAccountID: "987654321",
		AccessToken:       "token",
		Active:            true,
		VerifyToken:       models.NewToken(),
		WebhookToken:      models.NewToken(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, store.CreatePhoneNumber(context.Background(), n))
	return n
}

func testMessage(t *testing.T, store *SQLiteStore, numberID string, direction models.Direction, status models.MessageStatus) *models.Message {
	t.Helper()
	now := time.Now().UTC()
	m := &models.Message{
		ID:            models.NewID("msg"),
		PhoneNumberID: numberID,
		FromNumber:    "15551234567",
		ToNumber:      "15559876543",
		Direction:     direction,
		Type:          models.TypeText,
		Body:          "hello",
		Status:        status,
		Timestamp:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, store.CreateMessage(context.Background(), m))
	return m
}

func TestPhoneNumberCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	got, err := store.GetPhoneNumber(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, n.PhoneNumber, got.PhoneNumber)
	assert.Equal(t, models.APITypeOfficial, got.APIType)
	assert.True(t, got.Active)
	assert.False(t, got.Configured)

	got, err = store.GetPhoneNumberByWebhookToken(ctx, n.WebhookToken)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, n.ID, got.ID)

	got, err = store.GetPhoneNumberByWebhookToken(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	n.DisplayName = "Renamed"
	n.Active = false
	require.NoError(t, store.UpdatePhoneNumber(ctx, n))

	got, err = store.GetPhoneNumber(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.DisplayName)
	assert.False(t, got.Active)

	require.NoError(t, store.SetPhoneNumberConfigured(ctx, n.ID, true))
	got, err = store.GetPhoneNumber(ctx, n.ID)
	require.NoError(t, err)
	assert.True(t, got.Configured)

	require.NoError(t, store.DeletePhoneNumber(ctx, n.ID))
	got, err = store.GetPhoneNumber(ctx, n.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetPhoneNumberByWAHASession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	n := &models.PhoneNumber{
		ID:           models.NewID("num"),
		DisplayName:  "WAHA line",
		PhoneNumber:  "15557654321",
		APIType:      models.APITypeWAHA,
		WAHAEndpoint: "http://waha:3000",
		WAHAUsername: "admin",
		WAHAPassword: "secret",
		WAHASession:  "default",
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.CreatePhoneNumber(ctx, n))

	got, err := store.GetPhoneNumberByWAHASession(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, n.ID, got.ID)

	// an official number with the same session value never matches
	official := testNumber(t, store)
	official.WAHASession = "default"
	require.NoError(t, store.UpdatePhoneNumber(ctx, official))

	got, err = store.GetPhoneNumberByWAHASession(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, got)

	// a second WAHA number cannot reuse the session
	dup := &models.PhoneNumber{
		ID:           models.NewID("num"),
		DisplayName:  "WAHA line copy",
		PhoneNumber:  "15557654322",
		APIType:      models.APITypeWAHA,
		WAHAEndpoint: "http://waha:3000",
		WAHASession:  "default",
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	assert.Error(t, store.CreatePhoneNumber(ctx, dup))

	dup.WAHASession = "second"
	assert.NoError(t, store.CreatePhoneNumber(ctx, dup))
}

func TestGetOrCreateContactByPhone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c1, err := store.GetOrCreateContactByPhone(ctx, "+1 (555) 123-4567", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "15551234567", c1.PhoneNumber)
	assert.Equal(t, "Alice", c1.Name)

	// same number in a different format resolves to the same contact
	c2, err := store.GetOrCreateContactByPhone(ctx, "15551234567@c.us", "Other")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, "Alice", c2.Name)

	// name defaults to the number
	c3, err := store.GetOrCreateContactByPhone(ctx, "15559999999", "")
	require.NoError(t, err)
	assert.Equal(t, "15559999999", c3.Name)

	contacts, err := store.ListContacts(ctx)
	require.NoError(t, err)
	assert.Len(t, contacts, 2)
}

func TestMessageLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	m := testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusPending)

	pending, err := store.ListPendingOutgoing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)

	require.NoError(t, store.MarkMessageSent(ctx, m.ID, "wamid.ABC"))

	got, err := store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, "wamid.ABC", got.WAMessageID)

	pending, err = store.ListPendingOutgoing(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err = store.GetMessageByWAID(ctx, "wamid.ABC")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
}

func TestMarkMessageSentOnlyFromPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	m := testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusPending)
	require.NoError(t, store.MarkMessageFailed(ctx, m.ID, "131026", "undeliverable"))

	// a late success from a racing worker must not resurrect a failed message
	require.NoError(t, store.MarkMessageSent(ctx, m.ID, "wamid.LATE"))

	got, err := store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "131026", got.ErrorCode)
	assert.Empty(t, got.WAMessageID)
}

func TestResetMessageForRetry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	m := testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusPending)
	require.NoError(t, store.MarkMessageFailed(ctx, m.ID, "500", "boom"))

	require.NoError(t, store.ResetMessageForRetry(ctx, m.ID))

	got, err := store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, got.ErrorCode)
	assert.Empty(t, got.ErrorMessage)

	// only failed outgoing messages can be retried
	assert.Error(t, store.ResetMessageForRetry(ctx, m.ID))

	in := testMessage(t, store, n.ID, models.DirectionIncoming, models.StatusReceived)
	assert.Error(t, store.ResetMessageForRetry(ctx, in.ID))
}

func TestApplyStatusReceiptMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	m := testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusPending)
	require.NoError(t, store.MarkMessageSent(ctx, m.ID, "wamid.XYZ"))

	deliveredAt := time.Now().UTC().Truncate(time.Second)
	got, err := store.ApplyStatusReceipt(ctx, "wamid.XYZ", &models.StatusReceipt{
		Status:         models.StatusDelivered,
		Timestamp:      deliveredAt,
		ConversationID: "conv-1",
		Pricing:        map[string]any{"billable": true},
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, "conv-1", got.ConversationID)

	// a redelivered "sent" receipt never regresses the status
	got, err = store.ApplyStatusReceipt(ctx, "wamid.XYZ", &models.StatusReceipt{
		Status:    models.StatusSent,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, got.Status)

	got, err = store.ApplyStatusReceipt(ctx, "wamid.XYZ", &models.StatusReceipt{
		Status:    models.StatusRead,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.NotNil(t, got.ReadAt)

	// a late failure receipt still records the error without clobbering read
	got, err = store.ApplyStatusReceipt(ctx, "wamid.XYZ", &models.StatusReceipt{
		Status:       models.StatusFailed,
		Timestamp:    time.Now().UTC(),
		ErrorCode:    "131047",
		ErrorMessage: "re-engagement required",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	assert.Equal(t, "131047", got.ErrorCode)
}

func TestApplyStatusReceiptUnknownMessage(t *testing.T) {
	store := newTestStore(t)

	got, err := store.ApplyStatusReceipt(context.Background(), "wamid.MISSING", &models.StatusReceipt{
		Status:    models.StatusDelivered,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAttachMedia(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	m := testMessage(t, store, n.ID, models.DirectionIncoming, models.StatusReceived)
	require.NoError(t, store.AttachMedia(ctx, m.ID, "media-1", "image/jpeg", "image/msg_abc.jpg", "photo.jpg"))

	got, err := store.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "media-1", got.MediaID)
	assert.Equal(t, "image/jpeg", got.MediaMimeType)
	assert.Equal(t, "image/msg_abc.jpg", got.MediaPath)
	assert.Equal(t, "photo.jpg", got.MediaFilename)
}

func TestListMessagesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusSent)
	testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusFailed)
	testMessage(t, store, n.ID, models.DirectionIncoming, models.StatusReceived)

	msgs, err := store.ListMessages(ctx, MessageFilter{Direction: models.DirectionOutgoing})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = store.ListMessages(ctx, MessageFilter{Status: models.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = store.ListMessages(ctx, MessageFilter{PhoneNumberID: "pn_other"})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = store.ListMessages(ctx, MessageFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestUpsertTemplate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	tpl := &models.Template{
		PhoneNumberID: n.ID,
		TemplateID:    "graph-1",
		Name:          "order_update",
		Language:      "en",
		Status:        models.TemplatePending,
		Category:      models.CategoryUtility,
		BodyText:      "Your order {{order_id}} shipped.",
	}
	require.NoError(t, store.UpsertTemplate(ctx, tpl))
	require.NotEmpty(t, tpl.ID)
	firstID := tpl.ID

	// re-sync with new status keeps identity
	updated := &models.Template{
		PhoneNumberID: n.ID,
		TemplateID:    "graph-1",
		Name:          "order_update",
		Language:      "en",
		Status:        models.TemplateApproved,
		Category:      models.CategoryUtility,
		BodyText:      "Your order {{order_id}} shipped!",
	}
	require.NoError(t, store.UpsertTemplate(ctx, updated))
	assert.Equal(t, firstID, updated.ID)

	got, err := store.GetTemplateByName(ctx, n.ID, "order_update", "en")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.TemplateApproved, got.Status)
	assert.Equal(t, "Your order {{order_id}} shipped!", got.BodyText)

	// same name, different language is a separate template
	es := &models.Template{
		PhoneNumberID: n.ID,
		Name:          "order_update",
		Language:      "es",
		Status:        models.TemplateApproved,
		BodyText:      "Su pedido {{order_id}}.",
	}
	require.NoError(t, store.UpsertTemplate(ctx, es))
	assert.NotEqual(t, firstID, es.ID)

	all, err := store.ListTemplates(ctx, n.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	approved, err := store.ListTemplates(ctx, n.ID, models.TemplateApproved)
	require.NoError(t, err)
	assert.Len(t, approved, 2)

	require.NoError(t, store.DeleteTemplate(ctx, es.ID))
	all, err = store.ListTemplates(ctx, n.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	n := testNumber(t, store)

	testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusSent)
	testMessage(t, store, n.ID, models.DirectionOutgoing, models.StatusFailed)
	testMessage(t, store, n.ID, models.DirectionIncoming, models.StatusReceived)
	// an inbound message marked read must not count as a delivered send
	testMessage(t, store, n.ID, models.DirectionIncoming, models.StatusRead)
	store.GetOrCreateContactByPhone(ctx, "15550001111", "")

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalMessages)
	assert.Equal(t, int64(2), stats.OutgoingMessages)
	assert.Equal(t, int64(2), stats.IncomingMessages)
	assert.Equal(t, int64(1), stats.SentMessages)
	assert.Equal(t, int64(1), stats.FailedMessages)
	assert.Equal(t, int64(0), stats.ReadMessages)
	assert.Equal(t, int64(1), stats.TotalContacts)
	assert.Equal(t, int64(1), stats.ActiveNumbers)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.01)
}

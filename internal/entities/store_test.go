package entities

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/store"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(store.NewFromDB(db)), mock
}

func TestWriteMirrorRejectsUnknownColumn(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.WriteMirror(context.Background(), notification.MirrorRef{
		Model:    "signups",
		EntityID: uuid.New(),
		Field:    "welcome_email; DROP TABLE signups",
	}, notification.MirrorSummary{Status: "pending"})
	assert.Error(t, err)

	err = s.WriteMirror(context.Background(), notification.MirrorRef{
		Model:    "users",
		EntityID: uuid.New(),
		Field:    "welcome_email",
	}, notification.MirrorSummary{Status: "pending"})
	assert.Error(t, err)
}

func TestWriteMirrorUpdatesEntity(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE logins SET login_alert_email`).
		WithArgs(sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.WriteMirror(context.Background(), notification.MirrorRef{
		Model:    "logins",
		EntityID: id,
		Field:    "login_alert_email",
	}, notification.MirrorSummary{Status: "delivered", Attempts: 1})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteMirrorMissingEntity(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE purchases SET purchase_push_notification`).
		WithArgs(sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.WriteMirror(context.Background(), notification.MirrorRef{
		Model:    "purchases",
		EntityID: id,
		Field:    "purchase_push_notification",
	}, notification.MirrorSummary{Status: "pending"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePurchaseDuplicateOrder(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`INSERT INTO purchases`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	err := s.CreatePurchase(context.Background(), &Purchase{
		UserID:      7,
		OrderID:     "ord-1",
		TotalAmount: 19.99,
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateFriendRequestDuplicatePair(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`INSERT INTO friend_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	err := s.CreateFriendRequest(context.Background(), &FriendRequest{FromUserID: 1, ToUserID: 2})
	assert.ErrorIs(t, err, ErrDuplicate)
}

package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/store"
)

// ErrNotFound is returned when the addressed entity does not exist.
var ErrNotFound = fmt.Errorf("entity not found")

// ErrDuplicate is returned on unique-constraint violations (order IDs,
// repeated friend requests).
var ErrDuplicate = fmt.Errorf("entity already exists")

// Store is the Postgres store for business entities. It also implements
// the notification engine's mirror writer.
type Store struct {
	db *store.DB
}

// NewStore creates the entity store.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// CreateSignup inserts a signup row.
func (s *Store) CreateSignup(ctx context.Context, sig *Signup) error {
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO signups (id, user_id, username, email)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		sig.ID, sig.UserID, sig.Username, sig.Email,
	).Scan(&sig.CreatedAt)
}

// GetSignup fetches a signup with its mirror.
func (s *Store) GetSignup(ctx context.Context, id uuid.UUID) (*Signup, error) {
	var sig Signup
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, username, email, welcome_email, created_at
		FROM signups WHERE id = $1`, id,
	).Scan(&sig.ID, &sig.UserID, &sig.Username, &sig.Email, &sig.WelcomeEmail, &sig.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// CreateLogin inserts a login row.
func (s *Store) CreateLogin(ctx context.Context, l *Login) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO logins (id, user_id, email, username, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		l.ID, l.UserID, l.Email, l.Username, l.IP, l.UserAgent,
	).Scan(&l.CreatedAt)
}

// GetLogin fetches a login with both mirrors.
func (s *Store) GetLogin(ctx context.Context, id uuid.UUID) (*Login, error) {
	var l Login
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, username, ip, user_agent,
			login_alert_email, login_in_app_notification, created_at
		FROM logins WHERE id = $1`, id,
	).Scan(&l.ID, &l.UserID, &l.Email, &l.Username, &l.IP, &l.UserAgent,
		&l.LoginAlertEmail, &l.LoginInAppNotification, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateResetPassword inserts a reset request row.
func (s *Store) CreateResetPassword(ctx context.Context, r *ResetPassword) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO reset_passwords (id, user_id, email, username)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		r.ID, r.UserID, r.Email, r.Username,
	).Scan(&r.CreatedAt)
}

// GetResetPassword fetches a reset request with its mirror.
func (s *Store) GetResetPassword(ctx context.Context, id uuid.UUID) (*ResetPassword, error) {
	var r ResetPassword
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, username, reset_email, created_at
		FROM reset_passwords WHERE id = $1`, id,
	).Scan(&r.ID, &r.UserID, &r.Email, &r.Username, &r.ResetEmail, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreatePurchase inserts a purchase row. A repeated order ID returns
// ErrDuplicate.
func (s *Store) CreatePurchase(ctx context.Context, p *Purchase) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	items, err := json.Marshal(p.Items)
	if err != nil {
		return err
	}
	if p.Items == nil {
		items = []byte("[]")
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO purchases (id, user_id, order_id, total_amount, currency, items)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING created_at`,
		p.ID, p.UserID, p.OrderID, p.TotalAmount, p.Currency, items,
	).Scan(&p.CreatedAt)
	if err == sql.ErrNoRows {
		return ErrDuplicate
	}
	return err
}

// GetPurchase fetches a purchase with its mirror.
func (s *Store) GetPurchase(ctx context.Context, id uuid.UUID) (*Purchase, error) {
	var p Purchase
	var items []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, order_id, total_amount, currency, items,
			purchase_push_notification, created_at
		FROM purchases WHERE id = $1`, id,
	).Scan(&p.ID, &p.UserID, &p.OrderID, &p.TotalAmount, &p.Currency, &items,
		&p.PurchasePushNotification, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateFriendRequest inserts a friend request. A repeated (from, to)
// pair returns ErrDuplicate.
func (s *Store) CreateFriendRequest(ctx context.Context, fr *FriendRequest) error {
	if fr.ID == uuid.Nil {
		fr.ID = uuid.New()
	}
	if fr.Status == "" {
		fr.Status = "pending"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO friend_requests (id, from_user_id, to_user_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (from_user_id, to_user_id) DO NOTHING
		RETURNING created_at`,
		fr.ID, fr.FromUserID, fr.ToUserID, fr.Status,
	).Scan(&fr.CreatedAt)
	if err == sql.ErrNoRows {
		return ErrDuplicate
	}
	return err
}

// GetFriendRequest fetches a friend request with its mirror.
func (s *Store) GetFriendRequest(ctx context.Context, id uuid.UUID) (*FriendRequest, error) {
	var fr FriendRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_user_id, to_user_id, status,
			friend_request_in_app_notification, created_at
		FROM friend_requests WHERE id = $1`, id,
	).Scan(&fr.ID, &fr.FromUserID, &fr.ToUserID, &fr.Status,
		&fr.FriendRequestInAppNotification, &fr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fr, nil
}

// Mirror reads one mirror column for the status endpoints.
func (s *Store) Mirror(ctx context.Context, model, field string, id uuid.UUID) (json.RawMessage, error) {
	if !mirrorColumns[model][field] {
		return nil, fmt.Errorf("unknown mirror %s.%s", model, field)
	}
	var raw json.RawMessage
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, field, model), id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// mirrorColumns is the closed set of (table, column) pairs mirrors may
// address. Identifiers are interpolated into SQL, so nothing outside
// this set is ever accepted.
var mirrorColumns = map[string]map[string]bool{
	"signups":         {"welcome_email": true},
	"logins":          {"login_alert_email": true, "login_in_app_notification": true},
	"reset_passwords": {"reset_email": true},
	"purchases":       {"purchase_push_notification": true},
	"friend_requests": {"friend_request_in_app_notification": true},
}

// WriteMirror persists a delivery summary onto the owning entity.
// Implements the notification engine's mirror writer.
func (s *Store) WriteMirror(ctx context.Context, ref notification.MirrorRef, summary notification.MirrorSummary) error {
	if !mirrorColumns[ref.Model][ref.Field] {
		return fmt.Errorf("unknown mirror %s.%s", ref.Model, ref.Field)
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = $1, updated_at = now() WHERE id = $2`, ref.Model, ref.Field),
		data, ref.EntityID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Package postgres implements the repository interfaces on PostgreSQL via
// pgx/v5, mapping driver errors onto the apierr package's sentinels.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/pkg/crypto"
)

// Repository implements the repository interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	aead *crypto.AEAD
}

// New constructs a Repository. aead is used to encrypt Deployment.Secrets on
// write and decrypt on read; every secret field at rest is either absent or
// in the hex triple wire form.
func New(pool *pgxpool.Pool, aead *crypto.AEAD) *Repository {
	return &Repository{pool: pool, aead: aead}
}

var (
	_ repository.DeploymentRepository  = (*Repository)(nil)
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.AuditRepository       = (*Repository)(nil)
	_ repository.DeviceCodeRepository  = (*Repository)(nil)
)

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return apierr.ErrNotFound
		case "23505":
			return apierr.ErrConflict
		case "23514", "22P02":
			return apierr.ErrInvalidArgument
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apierr.ErrNotFound
	}
	return err
}

func (r *Repository) encryptSecret(s string) (*string, error) {
	if s == "" {
		return nil, nil
	}
	enc, err := r.aead.EncryptString(s)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func (r *Repository) decryptSecret(s *string) (string, error) {
	if s == nil || *s == "" {
		return "", nil
	}
	return r.aead.DecryptToString(*s)
}

// CreateDeployment inserts a Deployment row in its initial idle state.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	openai, err := r.encryptSecret(d.Secrets.OpenAIAPIKey)
	if err != nil {
		return err
	}
	anthropic, err := r.encryptSecret(d.Secrets.AnthropicAPIKey)
	if err != nil {
		return err
	}
	google, err := r.encryptSecret(d.Secrets.GoogleAPIKey)
	if err != nil {
		return err
	}
	telegram, err := r.encryptSecret(d.Secrets.TelegramBotToken)
	if err != nil {
		return err
	}
	webui, err := r.encryptSecret(d.Secrets.WebUIToken)
	if err != nil {
		return err
	}

	const query = `INSERT INTO deployments
		(id, user_id, subdomain, status, model, system_prompt,
		 openai_api_key, anthropic_api_key, google_api_key, telegram_bot_token, webui_token,
		 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())
		RETURNING created_at, updated_at`
	row := r.pool.QueryRow(ctx, query,
		d.ID, d.UserID, d.Subdomain, d.Status, d.Config.Model, d.Config.SystemPrompt,
		openai, anthropic, google, telegram, webui,
	)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var openai, anthropic, google, telegram, webui *string
	if err := row.Scan(
		&d.ID, &d.UserID, &d.Subdomain, &d.Status, &d.ContainerID, &d.InternalPort,
		&d.Config.Model, &d.Config.SystemPrompt,
		&openai, &anthropic, &google, &telegram, &webui,
		&d.LastHeartbeat, &d.LastRequestAt, &d.ErrorMessage, &d.ProvisioningStep,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, mapPgError(err)
	}
	var err error
	if d.Secrets.OpenAIAPIKey, err = r.decryptSecret(openai); err != nil {
		return nil, err
	}
	if d.Secrets.AnthropicAPIKey, err = r.decryptSecret(anthropic); err != nil {
		return nil, err
	}
	if d.Secrets.GoogleAPIKey, err = r.decryptSecret(google); err != nil {
		return nil, err
	}
	if d.Secrets.TelegramBotToken, err = r.decryptSecret(telegram); err != nil {
		return nil, err
	}
	if d.Secrets.WebUIToken, err = r.decryptSecret(webui); err != nil {
		return nil, err
	}
	return &d, nil
}

const deploymentColumns = `id, user_id, subdomain, status, container_id, internal_port,
	model, system_prompt,
	openai_api_key, anthropic_api_key, google_api_key, telegram_bot_token, webui_token,
	last_heartbeat, last_request_at, error_message, provisioning_step,
	created_at, updated_at`

// GetDeployment fetches a deployment by id.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE id = $1`, deploymentColumns)
	return r.scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// GetDeploymentBySubdomain fetches a deployment by its unique subdomain.
func (r *Repository) GetDeploymentBySubdomain(ctx context.Context, subdomain string) (*domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE subdomain = $1`, deploymentColumns)
	return r.scanDeployment(r.pool.QueryRow(ctx, query, subdomain))
}

// ListDeployments returns deployments matching filter.
func (r *Repository) ListDeployments(ctx context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, error) {
	query := fmt.Sprintf(`SELECT %s FROM deployments WHERE ($1 = '' OR user_id = $1) AND ($2::text[] IS NULL OR status = ANY($2)) ORDER BY created_at ASC`, deploymentColumns)
	rows, err := r.pool.Query(ctx, query, filter.UserID, statusSliceOrNil(filter.Statuses))
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		d, err := r.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CountDeployments counts deployments matching filter.
func (r *Repository) CountDeployments(ctx context.Context, filter repository.DeploymentFilter) (int, error) {
	const query = `SELECT COUNT(1) FROM deployments WHERE ($1 = '' OR user_id = $1) AND ($2::text[] IS NULL OR status = ANY($2))`
	var count int
	err := r.pool.QueryRow(ctx, query, filter.UserID, statusSliceOrNil(filter.Statuses)).Scan(&count)
	if err != nil {
		return 0, mapPgError(err)
	}
	return count, nil
}

// UpdateDeployment applies a partial, optionally compare-and-swapped update.
// When upd.ExpectedStatus is set the WHERE clause guards on the current
// status so the caller can detect a lost race (the CAS at the heart of
// atomicReservePort and the proxy's throttled touch).
func (r *Repository) UpdateDeployment(ctx context.Context, id string, upd repository.DeploymentUpdate) (bool, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		set = append(set, "status = "+arg(*upd.Status))
	}
	switch {
	case upd.UnsetContainerID:
		set = append(set, "container_id = NULL")
	case upd.ContainerID != nil:
		set = append(set, "container_id = "+arg(*upd.ContainerID))
	}
	switch {
	case upd.UnsetInternalPort:
		set = append(set, "internal_port = NULL")
	case upd.InternalPort != nil:
		set = append(set, "internal_port = "+arg(*upd.InternalPort))
	}
	switch {
	case upd.UnsetErrorMessage:
		set = append(set, "error_message = NULL")
	case upd.ErrorMessage != nil:
		set = append(set, "error_message = "+arg(*upd.ErrorMessage))
	}
	if upd.ProvisioningStep != nil {
		set = append(set, "provisioning_step = "+arg(*upd.ProvisioningStep))
	}
	if upd.LastHeartbeat != nil {
		set = append(set, "last_heartbeat = "+arg(*upd.LastHeartbeat))
	}
	if upd.LastRequestAt != nil {
		set = append(set, "last_request_at = "+arg(*upd.LastRequestAt))
	}
	if upd.Config != nil {
		set = append(set, "model = "+arg(upd.Config.Model))
		set = append(set, "system_prompt = "+arg(upd.Config.SystemPrompt))
	}
	if upd.Secrets != nil {
		for col, val := range map[string]string{
			"openai_api_key":     upd.Secrets.OpenAIAPIKey,
			"anthropic_api_key":  upd.Secrets.AnthropicAPIKey,
			"google_api_key":     upd.Secrets.GoogleAPIKey,
			"telegram_bot_token": upd.Secrets.TelegramBotToken,
			"webui_token":        upd.Secrets.WebUIToken,
		} {
			enc, err := r.encryptSecret(val)
			if err != nil {
				return false, err
			}
			set = append(set, col+" = "+arg(enc))
		}
	}

	query := "UPDATE deployments SET " + joinComma(set) + " WHERE id = $1"
	if upd.ExpectedStatus != nil {
		query += " AND status = " + arg(*upd.ExpectedStatus)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		if upd.ExpectedStatus != nil {
			return false, nil
		}
		return false, apierr.ErrNotFound
	}
	return true, nil
}

// DeleteDeployment removes a deployment row.
func (r *Repository) DeleteDeployment(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, u *domain.User) error {
	const query = `INSERT INTO users
		(id, email, password_hash, google_id, auth_provider, subscription_status, tier,
		 subscription_expires_at, expiry_reminder_sent, max_agents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
		RETURNING created_at, updated_at`
	row := r.pool.QueryRow(ctx, query,
		u.ID, u.Email, u.PasswordHash, u.GoogleID, u.AuthProvider, u.SubscriptionStatus, u.Tier,
		u.SubscriptionExpiresAt, u.ExpiryReminderSent, u.MaxAgents,
	)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

const userColumns = `id, email, password_hash, google_id, auth_provider, subscription_status, tier,
	subscription_expires_at, expiry_reminder_sent, max_agents, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.GoogleID, &u.AuthProvider, &u.SubscriptionStatus, &u.Tier,
		&u.SubscriptionExpiresAt, &u.ExpiryReminderSent, &u.MaxAgents, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, mapPgError(err)
	}
	return &u, nil
}

// GetUser fetches a user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetUserByEmail fetches a user by lowercase email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userColumns)
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByGoogleID fetches a user by Google subject id.
func (r *Repository) GetUserByGoogleID(ctx context.Context, googleID string) (*domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE google_id = $1`, userColumns)
	return scanUser(r.pool.QueryRow(ctx, query, googleID))
}

// ListUsers returns users matching filter, used by the Reaper's expiry and
// reminder passes.
func (r *Repository) ListUsers(ctx context.Context, filter repository.UserFilter) ([]domain.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE
		($1::text IS NULL OR subscription_status = $1) AND
		($2::timestamptz IS NULL OR subscription_expires_at <= $2) AND
		($3::timestamptz IS NULL OR subscription_expires_at > $3) AND
		($4::bool IS NULL OR expiry_reminder_sent = $4)
		ORDER BY created_at ASC`, userColumns)
	rows, err := r.pool.Query(ctx, query, filter.SubscriptionStatus, filter.ExpiringBefore, filter.ExpiringAfter, filter.ReminderSent)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UpdateUser applies a partial update to a User row.
func (r *Repository) UpdateUser(ctx context.Context, id string, upd repository.UserUpdate) error {
	set := []string{"updated_at = NOW()"}
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if upd.SubscriptionStatus != nil {
		set = append(set, "subscription_status = "+arg(*upd.SubscriptionStatus))
	}
	if upd.Tier != nil {
		set = append(set, "tier = "+arg(*upd.Tier))
	}
	if upd.SubscriptionExpiresAt != nil {
		set = append(set, "subscription_expires_at = "+arg(*upd.SubscriptionExpiresAt))
	}
	if upd.ExpiryReminderSent != nil {
		set = append(set, "expiry_reminder_sent = "+arg(*upd.ExpiryReminderSent))
	}
	if upd.MaxAgents != nil {
		set = append(set, "max_agents = "+arg(*upd.MaxAgents))
	}
	if upd.PasswordHash != nil {
		set = append(set, "password_hash = "+arg(*upd.PasswordHash))
	}
	query := "UPDATE users SET " + joinComma(set) + " WHERE id = $1"
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// InsertAudit persists an audit row. Callers treat failure as non-fatal.
func (r *Repository) InsertAudit(ctx context.Context, entry *domain.AuditLog) error {
	const query = `INSERT INTO audit_logs (user_id, deployment_id, action, metadata, created_at)
		VALUES ($1,$2,$3,$4,NOW()) RETURNING id, created_at`
	row := r.pool.QueryRow(ctx, query, entry.UserID, entry.DeploymentID, entry.Action, entry.Metadata)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return mapPgError(err)
	}
	return nil
}

const deviceCodeColumns = `device_code, user_code, verification_url, status, user_id,
	expires_at, interval_seconds, created_at, last_polled_at`

func scanDeviceCode(row pgx.Row) (*domain.DeviceCode, error) {
	var d domain.DeviceCode
	if err := row.Scan(
		&d.DeviceCode, &d.UserCode, &d.VerificationURL, &d.Status, &d.UserID,
		&d.ExpiresAt, &d.IntervalSeconds, &d.CreatedAt, &d.LastPolledAt,
	); err != nil {
		return nil, mapPgError(err)
	}
	return &d, nil
}

// CreateDeviceCode inserts a pending device-authorization challenge.
func (r *Repository) CreateDeviceCode(ctx context.Context, d *domain.DeviceCode) error {
	const query = `INSERT INTO device_codes
		(device_code, user_code, verification_url, status, expires_at, interval_seconds, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.pool.Exec(ctx, query,
		d.DeviceCode, d.UserCode, d.VerificationURL, d.Status, d.ExpiresAt, d.IntervalSeconds, d.CreatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

// GetDeviceCode fetches a challenge by its opaque device code.
func (r *Repository) GetDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error) {
	query := fmt.Sprintf(`SELECT %s FROM device_codes WHERE device_code = $1`, deviceCodeColumns)
	return scanDeviceCode(r.pool.QueryRow(ctx, query, deviceCode))
}

// GetDeviceCodeByUserCode fetches a challenge by the short code shown to the
// user, used by the browser-side verification page.
func (r *Repository) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error) {
	query := fmt.Sprintf(`SELECT %s FROM device_codes WHERE user_code = $1`, deviceCodeColumns)
	return scanDeviceCode(r.pool.QueryRow(ctx, query, userCode))
}

// MarkDeviceCodeApproved attaches userID to a still-pending challenge.
func (r *Repository) MarkDeviceCodeApproved(ctx context.Context, deviceCode, userID string) (*domain.DeviceCode, error) {
	query := fmt.Sprintf(`UPDATE device_codes SET status = $1, user_id = $2
		WHERE device_code = $3 AND status = $4
		RETURNING %s`, deviceCodeColumns)
	d, err := scanDeviceCode(r.pool.QueryRow(ctx, query,
		domain.DeviceCodeStatusApproved, userID, deviceCode, domain.DeviceCodeStatusPending))
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return nil, apierr.ErrInvalidArgument
		}
		return nil, err
	}
	return d, nil
}

// MarkDeviceCodeExpired flags a challenge as expired so it stops matching
// future polls.
func (r *Repository) MarkDeviceCodeExpired(ctx context.Context, deviceCode string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE device_codes SET status = $1 WHERE device_code = $2 AND status != $3`,
		domain.DeviceCodeStatusExpired, deviceCode, domain.DeviceCodeStatusExpired)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return nil
}

// ConsumeDeviceCode atomically transitions an approved challenge to consumed
// and returns the user id it was approved for, so a poll can only ever issue
// tokens once per challenge.
func (r *Repository) ConsumeDeviceCode(ctx context.Context, deviceCode string) (string, error) {
	const query = `UPDATE device_codes SET status = $1
		WHERE device_code = $2 AND status = $3
		RETURNING user_id`
	var userID *string
	err := r.pool.QueryRow(ctx, query, domain.DeviceCodeStatusConsumed, deviceCode, domain.DeviceCodeStatusApproved).Scan(&userID)
	if err != nil {
		if errors.Is(mapPgError(err), apierr.ErrNotFound) {
			return "", apierr.ErrInvalidArgument
		}
		return "", mapPgError(err)
	}
	if userID == nil {
		return "", apierr.ErrInvalidArgument
	}
	return *userID, nil
}

// TouchDeviceCode records the most recent poll time for observability.
func (r *Repository) TouchDeviceCode(ctx context.Context, deviceCode string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE device_codes SET last_polled_at = $1 WHERE device_code = $2`, at, deviceCode)
	return mapPgError(err)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func statusSliceOrNil(statuses []domain.DeploymentStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

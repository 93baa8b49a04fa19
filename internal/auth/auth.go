// Package auth handles account registration, email verification,
// login and the invitation completion path. Passwords are bcrypt
// hashed; sessions are stateless HS256 JWTs.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/skybuild/backend/internal/apperr"
	"github.com/skybuild/backend/internal/clock"
	"github.com/skybuild/backend/internal/config"
	"github.com/skybuild/backend/internal/mail"
	"github.com/skybuild/backend/internal/store"
)

const (
	minPasswordLen = 8
	resendCooldown = 60 * time.Second
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Claims is the verified content of an access token.
type Claims struct {
	UserID string
	Role   string
}

// Service implements the account lifecycle.
type Service struct {
	store  store.Store
	mailer mail.Mailer
	secret []byte
	ttl    time.Duration
	clk    clock.Clock
	log    *slog.Logger
}

func NewService(s store.Store, mailer mail.Mailer, cfg *config.Config, clk clock.Clock) *Service {
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:  s,
		mailer: mailer,
		secret: []byte(cfg.SecretKey),
		ttl:    ttl,
		clk:    clk,
		log:    slog.With("component", "auth"),
	}
}

// HashToken is the storage form of verification and invitation
// tokens. Only this digest ever reaches the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// verifyCode returns a random 6-digit code, zero-padded.
func verifyCode() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	n := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return fmt.Sprintf("%06d", n%1000000), nil
}

func validateCredentials(email, password string) error {
	if !emailRe.MatchString(email) {
		return apperr.Validationf("invalid_email", "invalid email address")
	}
	if len(password) < minPasswordLen {
		return apperr.Validationf("weak_password", "password must be at least %d characters", minPasswordLen)
	}
	return nil
}

// Register creates an unverified account and mails the first
// verification code.
func (s *Service) Register(ctx context.Context, email, password, fullName string) (*store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}
	existing, err := s.store.UserByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Internalf("store_error", "lookup user").Wrap(err)
	}
	if existing != nil {
		return nil, apperr.Conflictf("email_taken", "an account with this email already exists")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internalf("hash_error", "hash password").Wrap(err)
	}
	u := &store.User{
		Email:        email,
		PasswordHash: string(hash),
		Role:         "user",
		FullName:     fullName,
	}
	if err := s.store.UserInsert(ctx, u); err != nil {
		return nil, apperr.Internalf("store_error", "create user").Wrap(err)
	}
	if err := s.sendVerification(ctx, u); err != nil {
		// The account exists; the user can request a resend.
		s.log.Error("verification mail failed", "user", u.ID, "err", err)
	}
	return u, nil
}

func (s *Service) sendVerification(ctx context.Context, u *store.User) error {
	code, err := verifyCode()
	if err != nil {
		return err
	}
	if err := s.store.UserSetVerifyCode(ctx, u.ID, HashToken(code), s.clk.Now()); err != nil {
		return err
	}
	return s.mailer.Send(u.Email, "Verify your email",
		fmt.Sprintf("Your verification code is %s. It is valid for one hour.", code))
}

// VerifyEmail checks the 6-digit code and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) error {
	u, err := s.store.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return apperr.Internalf("store_error", "lookup user").Wrap(err)
	}
	if u == nil || u.VerifyCodeHash == "" {
		return apperr.Validationf("invalid_code", "invalid verification code")
	}
	if u.EmailVerified {
		return nil
	}
	if HashToken(code) != u.VerifyCodeHash {
		return apperr.Validationf("invalid_code", "invalid verification code")
	}
	if u.LastVerifySent != nil && s.clk.Now().After(u.LastVerifySent.Add(time.Hour)) {
		return apperr.Validationf("code_expired", "verification code expired, request a new one")
	}
	if err := s.store.UserSetVerified(ctx, u.ID); err != nil {
		return apperr.Internalf("store_error", "mark verified").Wrap(err)
	}
	return nil
}

// ResendVerification mails a fresh code. The 60-second cooldown is
// measured from the last attempt, throttled or not, so hammering the
// endpoint keeps extending the window.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	u, err := s.store.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return apperr.Internalf("store_error", "lookup user").Wrap(err)
	}
	if u == nil {
		// Do not reveal whether the account exists.
		return nil
	}
	if u.EmailVerified {
		return apperr.Conflictf("already_verified", "email is already verified")
	}
	now := s.clk.Now()
	if u.LastVerifySent != nil && now.Sub(*u.LastVerifySent) < resendCooldown {
		if err := s.store.UserSetVerifyCode(ctx, u.ID, u.VerifyCodeHash, now); err != nil {
			s.log.Error("throttle stamp failed", "user", u.ID, "err", err)
		}
		return apperr.RateLimitedf("resend_throttled", "wait before requesting another code")
	}
	if err := s.sendVerification(ctx, u); err != nil {
		return apperr.Internalf("mail_error", "send verification").Wrap(err)
	}
	return nil
}

// Login checks credentials and returns the user with a signed access
// token.
func (s *Service) Login(ctx context.Context, email, password string) (*store.User, string, error) {
	u, err := s.store.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, "", apperr.Internalf("store_error", "lookup user").Wrap(err)
	}
	if u == nil {
		return nil, "", apperr.Unauthenticatedf("invalid_credentials", "invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, "", apperr.Unauthenticatedf("invalid_credentials", "invalid email or password")
	}
	if !u.EmailVerified {
		return nil, "", apperr.Forbiddenf("email_not_verified", "verify your email before logging in")
	}
	token, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

// IssueToken signs an HS256 access token for the user.
func (s *Service) IssueToken(u *store.User) (string, error) {
	now := s.clk.Now()
	claims := jwt.MapClaims{
		"sub":  u.ID,
		"role": u.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", apperr.Internalf("token_error", "sign token").Wrap(err)
	}
	return token, nil
}

// ParseToken verifies the signature and expiry and returns the claims.
func (s *Service) ParseToken(raw string) (*Claims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clk.Now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, apperr.Unauthenticatedf("invalid_token", "invalid or expired token").Wrap(err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperr.Unauthenticatedf("invalid_token", "invalid or expired token")
	}
	sub, _ := mc["sub"].(string)
	role, _ := mc["role"].(string)
	if sub == "" {
		return nil, apperr.Unauthenticatedf("invalid_token", "invalid or expired token")
	}
	return &Claims{UserID: sub, Role: role}, nil
}

// CompleteInvite creates a verified account from a pending invitation
// token and accepts the invitation in the same step.
func (s *Service) CompleteInvite(ctx context.Context, token, password, fullName string) (*store.User, string, error) {
	inv, err := s.store.InvitationByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, "", apperr.Internalf("store_error", "lookup invitation").Wrap(err)
	}
	if inv == nil || inv.Status != "pending" {
		return nil, "", apperr.NotFoundf("invitation_not_found", "invitation not found or no longer valid")
	}
	if s.clk.Now().After(inv.ExpiresAt) {
		return nil, "", apperr.Conflictf("invitation_expired", "invitation has expired")
	}
	if err := validateCredentials(inv.Email, password); err != nil {
		return nil, "", err
	}
	existing, err := s.store.UserByEmail(ctx, inv.Email)
	if err != nil {
		return nil, "", apperr.Internalf("store_error", "lookup user").Wrap(err)
	}
	if existing != nil {
		return nil, "", apperr.Conflictf("account_exists", "an account with this email already exists; log in to accept the invitation")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", apperr.Internalf("hash_error", "hash password").Wrap(err)
	}
	u := &store.User{
		Email:         inv.Email,
		PasswordHash:  string(hash),
		Role:          "user",
		FullName:      fullName,
		EmailVerified: true, // reached through the invitation mail
	}
	if err := s.store.UserInsert(ctx, u); err != nil {
		return nil, "", apperr.Internalf("store_error", "create user").Wrap(err)
	}
	if _, err := s.store.InvitationAccept(ctx, inv.TokenHash, u.ID, s.clk.Now()); err != nil {
		return nil, "", apperr.Internalf("store_error", "accept invitation").Wrap(err)
	}
	tok, err := s.IssueToken(u)
	if err != nil {
		return nil, "", err
	}
	return u, tok, nil
}

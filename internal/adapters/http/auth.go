package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Debate/internal/adapters/signal"
	"github.com/dkeye/Debate/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/rs/zerolog/log"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type Claims struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name,omitempty"`
	jwt.StandardClaims
}

// TokenIssuer signs and verifies HS256 participant tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) Issue(u *domain.User) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		ParticipantID: string(u.ID),
		DisplayName:   u.DisplayName,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: exp.Unix(),
			IssuedAt:  now.Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	return signed, exp, err
}

func (t *TokenIssuer) Parse(token string) (*domain.User, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	})
	if err != nil || parsed == nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return domain.NewUser(domain.ParticipantID(claims.ParticipantID), claims.DisplayName)
}

func bearer(c *gin.Context) string {
	if tok := c.Query("token"); tok != "" {
		return tok
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// ParticipantMiddleware resolves an optional participant token. Requests
// without one fall back to the client token cookie; a bad token is rejected.
func ParticipantMiddleware(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearer(c)
		if tok == "" || issuer == nil {
			c.Next()
			return
		}
		u, err := issuer.Parse(tok)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("rejected participant token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		}
		c.Set(signal.ParticipantKey, u)
		c.Next()
	}
}

type tokenRequest struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func issueTokenHandler(issuer *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
		if req.ParticipantID == "" {
			req.ParticipantID = c.GetString("client_token")
		}
		u, err := domain.NewUser(domain.ParticipantID(req.ParticipantID), req.DisplayName)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tok, exp, err := issuer.Issue(u)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("sign token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		c.JSON(http.StatusOK, tokenResponse{Token: tok, ExpiresAt: exp})
	}
}

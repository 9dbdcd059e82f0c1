package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/pkg/models"
)

// EmergencyRequest asks for break-glass access. Reason is mandatory.
type EmergencyRequest struct {
	Subject   string   `json:"subject"`
	PatientID string   `json:"patientId"`
	Reason    string   `json:"reason"`
	Scope     []string `json:"scope"`
	IssuedBy  string   `json:"issuedBy"`
}

// EmergencyClaims are the signed claims inside an emergency token
type EmergencyClaims struct {
	PatientID string   `json:"patientId"`
	Reason    string   `json:"reason"`
	Scope     []string `json:"scope"`
	jwt.RegisteredClaims
}

// EmergencyIssuer issues and verifies break-glass tokens. Every issuance
// and every use lands in the audit trail; neither can be suppressed.
type EmergencyIssuer struct {
	secret []byte
	ttl    time.Duration
	audit  *AuditLogger
	bus    *events.Bus

	mu     sync.Mutex
	issued map[string]*models.EmergencyToken // by token id
}

// NewEmergencyIssuer creates an issuer.
func NewEmergencyIssuer(secret string, ttl time.Duration, audit *AuditLogger, bus *events.Bus) (*EmergencyIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("security: emergency signing secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &EmergencyIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		audit:  audit,
		bus:    bus,
		issued: make(map[string]*models.EmergencyToken),
	}, nil
}

// Issue creates a signed, time-boxed emergency token.
func (e *EmergencyIssuer) Issue(req *EmergencyRequest) (*models.EmergencyToken, error) {
	if req.Reason == "" {
		return nil, fmt.Errorf("security: emergency access requires a reason code")
	}
	if req.Subject == "" {
		return nil, fmt.Errorf("security: emergency access requires a subject")
	}
	if len(req.Scope) == 0 {
		return nil, fmt.Errorf("security: emergency access requires an explicit scope")
	}

	now := time.Now()
	id := uuid.New().String()

	claims := &EmergencyClaims{
		PatientID: req.PatientID,
		Reason:    req.Reason,
		Scope:     req.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   req.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.ttl)),
			Issuer:    "chartsync",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
	if err != nil {
		return nil, err
	}

	token := &models.EmergencyToken{
		ID:        id,
		Token:     signed,
		Subject:   req.Subject,
		PatientID: req.PatientID,
		Reason:    req.Reason,
		Scope:     req.Scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.ttl),
		IssuedBy:  req.IssuedBy,
	}

	e.mu.Lock()
	e.issued[id] = token
	e.mu.Unlock()

	e.audit.Log(&models.AccessLogEntry{
		Actor:     req.IssuedBy,
		Action:    "emergency-issue",
		Emergency: true,
		Detail:    fmt.Sprintf("token %s for %s, reason: %s", id, req.Subject, req.Reason),
	})
	e.bus.Publish(events.EmergencyAccess, map[string]string{
		"event":   "issued",
		"tokenId": id,
		"subject": req.Subject,
		"reason":  req.Reason,
	})

	return token, nil
}

// Verify validates an emergency token string and records the use.
func (e *EmergencyIssuer) Verify(tokenString string) (*EmergencyClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &EmergencyClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return e.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrAuthorization, err)
	}
	claims, ok := parsed.Claims.(*EmergencyClaims)
	if !ok || !parsed.Valid {
		return nil, models.ErrAuthorization
	}

	e.mu.Lock()
	if token, found := e.issued[claims.ID]; found {
		token.UsageCount++
	}
	e.mu.Unlock()

	e.audit.Log(&models.AccessLogEntry{
		Actor:     claims.Subject,
		Action:    "emergency-use",
		Emergency: true,
		Detail:    fmt.Sprintf("token %s, reason: %s", claims.ID, claims.Reason),
	})
	e.bus.Publish(events.EmergencyAccess, map[string]string{
		"event":   "used",
		"tokenId": claims.ID,
		"subject": claims.Subject,
	})

	return claims, nil
}

// Issued returns the tokens issued in this session.
func (e *EmergencyIssuer) Issued() []*models.EmergencyToken {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.EmergencyToken, 0, len(e.issued))
	for _, t := range e.issued {
		out = append(out, t)
	}
	return out
}

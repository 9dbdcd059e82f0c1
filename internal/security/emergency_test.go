package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/savegress/chartsync/internal/events"
	"github.com/savegress/chartsync/pkg/models"
)

func testIssuer(t *testing.T, ttl time.Duration) *EmergencyIssuer {
	t.Helper()
	issuer, err := NewEmergencyIssuer("test-secret", ttl, NewAuditLogger(true, 16, nil), events.NewBus())
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	return issuer
}

func validRequest() *EmergencyRequest {
	return &EmergencyRequest{
		Subject:   "dr-kim",
		PatientID: "pat-1",
		Reason:    "cardiac-arrest",
		Scope:     []string{"Observation", "MedicationRequest"},
		IssuedBy:  "charge-nurse",
	}
}

func TestEmergencyIssuer_IssueVerify(t *testing.T) {
	issuer := testIssuer(t, time.Hour)

	token, err := issuer.Issue(validRequest())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if token.Token == "" || token.ID == "" {
		t.Fatal("token missing signed payload or id")
	}
	if !token.ExpiresAt.After(token.IssuedAt) {
		t.Error("token must be time-boxed")
	}

	claims, err := issuer.Verify(token.Token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "dr-kim" || claims.Reason != "cardiac-arrest" {
		t.Errorf("claims not round-tripped: %+v", claims)
	}
	if len(claims.Scope) != 2 {
		t.Errorf("scope not round-tripped: %v", claims.Scope)
	}

	issued := issuer.Issued()
	if len(issued) != 1 || issued[0].UsageCount != 1 {
		t.Errorf("usage tracking wrong: %+v", issued)
	}
}

func TestEmergencyIssuer_RequiredFields(t *testing.T) {
	issuer := testIssuer(t, time.Hour)

	req := validRequest()
	req.Reason = ""
	if _, err := issuer.Issue(req); err == nil {
		t.Error("issuance without a reason must fail")
	}

	req = validRequest()
	req.Subject = ""
	if _, err := issuer.Issue(req); err == nil {
		t.Error("issuance without a subject must fail")
	}

	req = validRequest()
	req.Scope = nil
	if _, err := issuer.Issue(req); err == nil {
		t.Error("issuance without a scope must fail")
	}
}

func TestEmergencyIssuer_VerifyRejectsTampering(t *testing.T) {
	issuer := testIssuer(t, time.Hour)
	token, err := issuer.Issue(validRequest())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	tampered := token.Token[:len(token.Token)-4] + "AAAA"
	if _, err := issuer.Verify(tampered); !errors.Is(err, models.ErrAuthorization) {
		t.Errorf("expected ErrAuthorization for tampered token, got %v", err)
	}

	other := testIssuer(t, time.Hour)
	other.secret = []byte("different-secret")
	if _, err := other.Verify(token.Token); !errors.Is(err, models.ErrAuthorization) {
		t.Errorf("expected ErrAuthorization for wrong secret, got %v", err)
	}
}

func TestEmergencyIssuer_VerifyRejectsExpired(t *testing.T) {
	issuer := testIssuer(t, time.Hour)
	issuer.ttl = -time.Minute

	token, err := issuer.Issue(validRequest())
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := issuer.Verify(token.Token); !errors.Is(err, models.ErrAuthorization) {
		t.Errorf("expected ErrAuthorization for expired token, got %v", err)
	}
}

func TestEmergencyIssuer_AuditsIssuance(t *testing.T) {
	audit := NewAuditLogger(true, 16, nil)
	issuer, err := NewEmergencyIssuer("test-secret", time.Hour, audit, events.NewBus())
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	if _, err := issuer.Issue(validRequest()); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// The logger is not started; the full channel fallback is not in play,
	// so drain the event directly.
	entry := <-audit.eventCh
	if entry.Action != "emergency-issue" || !entry.Emergency {
		t.Errorf("unexpected audit entry %+v", entry)
	}
	if !strings.Contains(entry.Detail, "cardiac-arrest") {
		t.Errorf("reason missing from audit detail: %s", entry.Detail)
	}
}

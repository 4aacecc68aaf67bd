package storage

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/adverant/nexus/forensics-worker/internal/entities"
)

func TestSanitizeScore(t *testing.T) {
	tests := map[float64]float64{
		-0.2:               0,
		1.7:                1,
		0.9632000000000001: 0.9632,
		0.12345:            0.1235,
		math.NaN():         0,
	}
	for in, want := range tests {
		if got := sanitizeScore(in); got != want {
			t.Errorf("sanitizeScore(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"person_name":"Jo\u0000hn","address":"a\u0007b"}`)
	got := string(sanitizeJSONForPostgres(in))
	want := `{"person_name":"John","address":"a b"}`
	if got != want {
		t.Errorf("sanitizeJSONForPostgres() = %s, want %s", got, want)
	}
}

func TestPayloadConversion(t *testing.T) {
	in := map[string]interface{}{
		"job_id":      "abc",
		"final_score": 42.5,
		"is_fraud":    true,
		"created_at":  int64(1700000000),
		"pages":       3,
	}
	out := fromPayload(toPayload(in))

	if out["job_id"] != "abc" || out["final_score"] != 42.5 || out["is_fraud"] != true {
		t.Errorf("round trip lost values: %v", out)
	}
	if out["created_at"] != int64(1700000000) || out["pages"] != int64(3) {
		t.Errorf("integers not preserved: %v", out)
	}
}

// Integration test: requires a reachable PostgreSQL.
func TestStorageManagerRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skipf("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	sm, err := NewStorageManager(ctx, dsn, "", "", 64)
	if err != nil {
		t.Fatalf("NewStorageManager() error = %v", err)
	}
	defer sm.Close()

	if err := sm.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	jobID := uuid.New().String()
	rec := &AnalysisRecord{
		JobID:          jobID,
		Filename:       "passport.jpg",
		FinalScore:     57,
		Classification: "Suspicious",
		ELAScore:       0.2,
		LayoutScore:    0.3,
		DLScore:        0.9,
		IsFraud:        true,
		Entities:       entities.Record{PersonName: "John Smith", Address: "Springfield", Date: "2021-01-01"},
	}
	if err := sm.StoreAnalysis(ctx, rec); err != nil {
		t.Fatalf("StoreAnalysis() error = %v", err)
	}

	got, err := sm.GetAnalysis(ctx, jobID)
	if err != nil {
		t.Fatalf("GetAnalysis() error = %v", err)
	}
	if got.Classification != "Suspicious" || got.FinalScore != 57 || !got.IsFraud {
		t.Errorf("GetAnalysis() = %+v", got)
	}
}

package conformance

import (
	"testing"
)

func TestConformance(t *testing.T) {
	harness, err := NewHarness(Config{
		JWTIssuer:   "test-issuer",
		JWTAudience: "test-audience",
	})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	harness.RunConformanceTests(t)
}

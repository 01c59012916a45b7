package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ProofMesh-Network/proof_layer/internal/app/domain/pricing"
	"github.com/ProofMesh-Network/proof_layer/internal/app/storage/memory"
	"github.com/ProofMesh-Network/proof_layer/pkg/cache"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculate_Breakdown(t *testing.T) {
	tier := domain.Tier{
		BasePrice:          dec("0.002"),
		SizeMultiplier:     dec("0.0002"),
		DurationMultiplier: dec("0.00002"),
		EndpointPricing: map[string]decimal.Decimal{
			"/api/v1/proofs": dec("0.02"),
		},
	}

	cost := Calculate(tier, "/api/v1/proofs", 2048, 2048, 2000)

	if !cost.SizePrice.Equal(dec("0.0008")) {
		t.Fatalf("SizePrice = %s, want 0.0008", cost.SizePrice)
	}
	if !cost.DurationPrice.Equal(dec("0.00004")) {
		t.Fatalf("DurationPrice = %s, want 0.00004", cost.DurationPrice)
	}
	if !cost.EndpointPrice.Equal(dec("0.02")) {
		t.Fatalf("EndpointPrice = %s, want 0.02", cost.EndpointPrice)
	}
	if !cost.TotalPrice.Equal(dec("0.02284")) {
		t.Fatalf("TotalPrice = %s, want 0.02284", cost.TotalPrice)
	}
}

func TestCalculate_NoEndpointOverride(t *testing.T) {
	tier := domain.Tier{
		BasePrice:          dec("0.001"),
		SizeMultiplier:     dec("0"),
		DurationMultiplier: dec("0"),
	}
	cost := Calculate(tier, "/api/v1/other", 0, 0, 0)
	if !cost.TotalPrice.Equal(dec("0.001")) {
		t.Fatalf("TotalPrice = %s, want 0.001", cost.TotalPrice)
	}
}

func TestEstimate_FloorsResponseSize(t *testing.T) {
	tier := domain.Tier{
		BasePrice:          dec("0"),
		SizeMultiplier:     dec("0.001"),
		DurationMultiplier: dec("0"),
	}

	// 100-byte request assumes a 1KB response: (100+1024)/1024 KB.
	cost := Estimate(tier, "/api/v1/proofs", 100)
	want := decimal.NewFromInt(100 + 1024).Div(decimal.NewFromInt(1024)).Mul(dec("0.001"))
	if !cost.SizePrice.Equal(want) {
		t.Fatalf("SizePrice = %s, want %s", cost.SizePrice, want)
	}

	// Larger requests assume a response of equal size.
	cost = Estimate(tier, "/api/v1/proofs", 4096)
	want = decimal.NewFromInt(8192).Div(decimal.NewFromInt(1024)).Mul(dec("0.001"))
	if !cost.SizePrice.Equal(want) {
		t.Fatalf("SizePrice = %s, want %s", cost.SizePrice, want)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/api/v1/proofs", "/api/v1/proofs"},
		{"/api/v1/proofs/12345", "/api/v1/proofs/:id"},
		{"/api/v1/proofs/0b9f5a66-6a86-41a0-9c4e-27a0f0e2f938", "/api/v1/proofs/:id"},
		{"/api/v1/anchors/0x9c22ff5f21f0b81b113e63f7db6da94fedef11b2119b4088b89664fb9a3cb658", "/api/v1/anchors/:hash"},
		{"/api/v1/anchors/9c22ff5f21f0b81b113e63f7db6da94f", "/api/v1/anchors/:hash"},
		{"/api/v1/usage?since=2024-01-01", "/api/v1/usage"},
		{"", "/"},
		{"/", "/"},
	}
	for _, tc := range cases {
		if got := NormalizeEndpoint(tc.in); got != tc.want {
			t.Fatalf("NormalizeEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestService_GetTierCachesAndInvalidates(t *testing.T) {
	store := memory.New()
	c := cache.NewMemory()
	svc := New(store, c, nil)
	ctx := context.Background()

	if _, err := svc.GetTier(ctx, "standard"); !errors.Is(err, domain.ErrTierNotFound) {
		t.Fatalf("err = %v, want ErrTierNotFound", err)
	}

	tier := domain.Tier{
		Name:           "standard",
		BasePrice:      dec("0.002"),
		SizeMultiplier: dec("0.0002"),
		IsActive:       true,
		MaxRequestSize: 10 << 20,
		MaxDuration:    30 * time.Second,
	}
	if _, err := svc.SaveTier(ctx, tier); err != nil {
		t.Fatalf("save tier: %v", err)
	}

	got, err := svc.GetTier(ctx, "Standard")
	if err != nil {
		t.Fatalf("get tier: %v", err)
	}
	if !got.BasePrice.Equal(dec("0.002")) {
		t.Fatalf("BasePrice = %s", got.BasePrice)
	}
	if len(c.Keys()) == 0 {
		t.Fatal("tier should be cached after a store load")
	}

	// Saving a new version must drop the cached copy.
	tier.BasePrice = dec("0.005")
	if _, err := svc.SaveTier(ctx, tier); err != nil {
		t.Fatalf("save tier v2: %v", err)
	}
	got, err = svc.GetTier(ctx, "standard")
	if err != nil {
		t.Fatalf("get tier v2: %v", err)
	}
	if !got.BasePrice.Equal(dec("0.005")) {
		t.Fatalf("BasePrice after update = %s, want 0.005", got.BasePrice)
	}
}

func TestService_InactiveTierIsNotFound(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, nil)
	ctx := context.Background()

	if _, err := svc.SaveTier(ctx, domain.Tier{Name: "legacy", IsActive: false}); err != nil {
		t.Fatalf("save tier: %v", err)
	}
	if _, err := svc.GetTier(ctx, "legacy"); !errors.Is(err, domain.ErrTierNotFound) {
		t.Fatalf("err = %v, want ErrTierNotFound", err)
	}
}

func TestCheckLimits(t *testing.T) {
	tier := domain.Tier{MaxRequestSize: 1024}
	if err := CheckLimits(tier, 1024); err != nil {
		t.Fatalf("at-limit request rejected: %v", err)
	}
	if err := CheckLimits(tier, 1025); err == nil {
		t.Fatal("oversize request accepted")
	}
	if err := CheckLimits(domain.Tier{}, 1<<40); err != nil {
		t.Fatalf("unlimited tier rejected: %v", err)
	}
}

package booking

import "testing"

func TestConvenienceFeeCents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		priceCents int64
		want       int64
	}{
		{"low bracket pays 10 percent", 4_000, 400},
		{"low bracket boundary", 5_000, 500},
		{"mid bracket pays 7 percent", 10_000, 700},
		{"mid bracket boundary", 25_000, 1_750},
		{"high bracket pays 5 percent", 40_000, 2_000},
		{"rounds half up", 1_115, 112}, // 10% = 111.5
		{"rounds down below half", 1_114, 111},
		{"free unit carries no fee", 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := convenienceFeeCents(tc.priceCents); got != tc.want {
				t.Fatalf("convenienceFeeCents(%d) = %d, want %d", tc.priceCents, got, tc.want)
			}
		})
	}
}

func TestSummaryAddLine(t *testing.T) {
	t.Parallel()

	var sum Summary
	sum.addLine("VIP", 10_000, 2)
	sum.addLine("GA", 3_000, 3)

	if len(sum.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(sum.Lines))
	}

	// VIP: 2 x 10000 + 2 x 700; GA: 3 x 3000 + 3 x 300
	if sum.Lines[0].TotalCents != 21_400 {
		t.Fatalf("VIP line total = %d, want 21400", sum.Lines[0].TotalCents)
	}
	if sum.Lines[1].TotalCents != 9_900 {
		t.Fatalf("GA line total = %d, want 9900", sum.Lines[1].TotalCents)
	}
	if sum.BaseCents != 29_000 || sum.FeeCents != 2_300 || sum.TotalCents != 31_300 {
		t.Fatalf("unexpected summary totals %d/%d/%d", sum.BaseCents, sum.FeeCents, sum.TotalCents)
	}
}

package scoring

import "testing"

func TestFuse(t *testing.T) {
	tests := []struct {
		name      string
		ela       float64
		layout    float64
		dl        float64
		wantScore float64
		wantClass Classification
	}{
		{"all zero", 0, 0, 0, 0, Authentic},
		{"all one", 1, 1, 1, 100, HighlyForged},
		{"ela only lands exactly on 30", 1, 0, 0, 30, Authentic},
		{"dl and layout land exactly on 70", 0, 1, 1, 70, Suspicious},
		{"mid signal", 0.5, 0.5, 0.5, 50, Suspicious},
		{"strong dl", 0.2, 0.3, 0.9, 57, Suspicious},
		{"just over 70", 0.9, 0.6, 0.8, 79, HighlyForged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, class := Fuse(tt.ela, tt.layout, tt.dl)
			if score != tt.wantScore {
				t.Errorf("score = %v, want %v", score, tt.wantScore)
			}
			if class != tt.wantClass {
				t.Errorf("class = %q, want %q", class, tt.wantClass)
			}
		})
	}
}

func TestFuseIsPure(t *testing.T) {
	a, ca := Fuse(0.31, 0.47, 0.66)
	b, cb := Fuse(0.31, 0.47, 0.66)
	if a != b || ca != cb {
		t.Errorf("Fuse not deterministic: %v/%q vs %v/%q", a, ca, b, cb)
	}
}

func TestClassifyBoundaries(t *testing.T) {
	cases := map[float64]Classification{
		30:    Authentic,
		30.01: Suspicious,
		70:    Suspicious,
		70.01: HighlyForged,
	}
	for score, want := range cases {
		if got := Classify(score); got != want {
			t.Errorf("Classify(%v) = %q, want %q", score, got, want)
		}
	}
}

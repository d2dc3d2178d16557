package domain

import "testing"

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10", "10", false},
		{"10.5", "10.5", false},
		{"19.99", "19.99", false},
		{"0", "0", false},
		{"1.999", "", true},
		{"-1", "", true},
		{"abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePrice(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePrice(%q) expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePrice(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParsePrice(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestPriceFromCents(t *testing.T) {
	if got := PriceFromCents(1999).String(); got != "19.99" {
		t.Errorf("PriceFromCents(1999) = %s, want 19.99", got)
	}
}

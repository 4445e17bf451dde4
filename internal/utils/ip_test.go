package utils

import "testing"

func TestIsAllowedIP(t *testing.T) {
	allowed := []string{"185.71.76.0/27", "2a02:5180::/32"}

	tests := []struct {
		ip   string
		want bool
	}{
		{"185.71.76.5", true},
		{"185.71.76.31", true},
		{"185.71.76.32", false},
		{"203.0.113.7", false},
		{"2a02:5180::1", true},
		{"2a03::1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsAllowedIP(tt.ip, allowed); got != tt.want {
			t.Errorf("IsAllowedIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestIsAllowedIPSkipsInvalidCIDR(t *testing.T) {
	if IsAllowedIP("185.71.76.5", []string{"garbage", "185.71.76.0/27"}) != true {
		t.Fatal("valid CIDR after an invalid one was not consulted")
	}
}

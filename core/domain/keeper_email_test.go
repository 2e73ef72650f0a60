package domain

import "testing"

func TestAddressDomain(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"boss@company.com", "company.com"},
		{"Boss <boss@Company.COM>", "company.com"},
		{"noreply@suspicious.com", "suspicious.com"},
		{"no-at-sign", ""},
		{"trailing@", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := AddressDomain(tt.addr); got != tt.want {
			t.Errorf("AddressDomain(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestAddressLocalPart(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"No-Reply@example.com", "no-reply"},
		{"Support <donotreply@example.com>", "donotreply"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		if got := AddressLocalPart(tt.addr); got != tt.want {
			t.Errorf("AddressLocalPart(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

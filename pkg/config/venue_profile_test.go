package config

import "testing"

func TestLoadVenueProfile_Binance(t *testing.T) {
	p, err := LoadVenueProfile("testdata/venues", "binance")
	if err != nil {
		t.Fatalf("LoadVenueProfile(binance): %v", err)
	}
	if p.Name != "Binance" {
		t.Errorf("expected name 'Binance', got %q", p.Name)
	}
	if p.IsIslandMode() {
		t.Error("binance should not be island mode")
	}
	if !p.IsAllowed("api.binance.com") {
		t.Error("api.binance.com should be allowed")
	}
	if p.IsAllowed("evil.example") {
		t.Error("evil.example should not be allowed")
	}
}

func TestLoadVenueProfile_DarkPoolIslandMode(t *testing.T) {
	p, err := LoadVenueProfile("testdata/venues", "dark_pool")
	if err != nil {
		t.Fatalf("LoadVenueProfile(dark_pool): %v", err)
	}
	if !p.IsIslandMode() {
		t.Error("dark_pool should default to island mode")
	}
	if !p.Ceremony.RequireChallenge {
		t.Error("dark_pool should require a ceremony challenge")
	}
	if !p.CryptoPolicy.RequireHSM {
		t.Error("dark_pool should require HSM-backed keys")
	}
	if p.IsAllowed("anything.example") {
		t.Error("island mode should deny all outbound")
	}
}

func TestLoadAllVenueProfiles(t *testing.T) {
	profiles, err := LoadAllVenueProfiles("testdata/venues")
	if err != nil {
		t.Fatalf("LoadAllVenueProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	for venue, p := range profiles {
		if p.Name == "" {
			t.Errorf("profile %s has empty name", venue)
		}
	}
}

func TestIsAllowed_Denylist(t *testing.T) {
	p := &VenueProfile{
		Networking: NetworkingConfig{
			OutboundMode: "denylist",
			Denylist:     []string{"blocked.example"},
		},
	}
	if !p.IsAllowed("api.binance.com") {
		t.Error("should allow hosts not on the denylist")
	}
	if p.IsAllowed("blocked.example") {
		t.Error("should deny blocked.example")
	}
}

// Copyright (C) 2025 AgentSignal (dev@agentsignal.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import "testing"

func TestValidateTokenID(t *testing.T) {
	valid := []string{"1", "42", "999999999999999999999999"}
	for _, id := range valid {
		if err := ValidateTokenID(id); err != nil {
			t.Errorf("ValidateTokenID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{"", "-1", "0x2a", "12 ", "abc", "1.5"}
	for _, id := range invalid {
		if err := ValidateTokenID(id); err == nil {
			t.Errorf("ValidateTokenID(%q) = nil, want error", id)
		}
	}
}

func TestValidateChainID(t *testing.T) {
	if err := ValidateChainID(8453); err != nil {
		t.Errorf("expected 8453 to be accepted, got %v", err)
	}
	if err := ValidateChainID(0); err == nil {
		t.Error("expected zero chain id to be rejected")
	}
}

func TestValidateTag(t *testing.T) {
	valid := []string{"defi", "code-review", "market_data", "a2a"}
	for _, tag := range valid {
		if err := ValidateTag(tag); err != nil {
			t.Errorf("ValidateTag(%q) = %v, want nil", tag, err)
		}
	}

	invalid := []string{"", "Defi", "two words", "trailing-", "-leading", "double--dash"}
	for _, tag := range invalid {
		if err := ValidateTag(tag); err == nil {
			t.Errorf("ValidateTag(%q) = nil, want error", tag)
		}
	}
}

func TestValidateEndpointURL(t *testing.T) {
	t.Run("accepts http and https", func(t *testing.T) {
		for _, u := range []string{"http://agent.example:8080/mcp", "https://agent.example/caps"} {
			if err := ValidateEndpointURL(u); err != nil {
				t.Errorf("ValidateEndpointURL(%q) = %v, want nil", u, err)
			}
		}
	})

	t.Run("rejects other schemes and malformed urls", func(t *testing.T) {
		for _, u := range []string{"", "ftp://agent.example", "file:///etc/passwd", "https://"} {
			if err := ValidateEndpointURL(u); err == nil {
				t.Errorf("ValidateEndpointURL(%q) = nil, want error", u)
			}
		}
	})
}

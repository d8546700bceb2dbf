package gates

import "testing"

func TestAllRequiredGatesPassed(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		gateMap  map[string]Status
		want     bool
	}{
		{"empty required always passes", nil, map[string]Status{}, true},
		{"all passed", []string{"lint", "tests"}, map[string]Status{"lint": StatusPassed, "tests": StatusPassed}, true},
		{"one pending blocks", []string{"lint", "tests"}, map[string]Status{"lint": StatusPassed, "tests": StatusPending}, false},
		{"missing gate blocks", []string{"lint", "tests"}, map[string]Status{"lint": StatusPassed}, false},
		{"one failed blocks", []string{"lint"}, map[string]Status{"lint": StatusFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllRequiredGatesPassed(tt.required, tt.gateMap); got != tt.want {
				t.Fatalf("AllRequiredGatesPassed() = %v, want %v", got, tt.want)
			}
		})
	}
}

package services

import "testing"

func TestValidateCronExpression(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"specific time daily", "30 4 * * *", false},
		{"weekdays at nine", "0 9 * * 1-5", false},
		{"step values", "*/15 * * * *", false},
		{"empty string", "", true},
		{"too few fields", "* * *", true},
		{"seconds field not supported", "* * * * * *", true},
		{"out of range minute", "61 * * * *", true},
		{"garbage", "not a cron expr", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCronExpression(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateCronExpression(%q) error = %v, wantErr = %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

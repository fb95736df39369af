package resources

import "testing"

func TestParseDeviceCount(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    int
		wantErr bool
	}{
		{"no devices", "", 0, false},
		{"one device", "0\n", 1, false},
		{"two devices", "0\n1\n", 2, false},
		{"blank lines", "0\n\n1\n", 2, false},
		{"garbage", "No devices were found\n", 0, true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, err := parseDeviceCount(tt.output)
				if (err != nil) != tt.wantErr {
					t.Errorf("parseDeviceCount() error = %v, wantErr %v", err, tt.wantErr)
					return
				}
				if got != tt.want {
					t.Errorf("parseDeviceCount() = %d, want %d", got, tt.want)
				}
			},
		)
	}
}

func TestParseFreeMemory(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    int64
		wantErr bool
	}{
		{"reading", "24115\n", 24115 * 1024 * 1024, false},
		{"zero", "0", 0, false},
		{"not available", "[N/A]", 0, true},
		{"empty", "", 0, true},
		{"garbage", "lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got, err := parseFreeMemory(tt.output)
				if (err != nil) != tt.wantErr {
					t.Errorf("parseFreeMemory() error = %v, wantErr %v", err, tt.wantErr)
					return
				}
				if got != tt.want {
					t.Errorf("parseFreeMemory() = %d, want %d", got, tt.want)
				}
			},
		)
	}
}

func TestNewNvidiaSMI_Missing(t *testing.T) {
	if _, err := NewNvidiaSMI("/nonexistent/nvidia-smi"); err == nil {
		t.Error("expected error for missing binary")
	}
}

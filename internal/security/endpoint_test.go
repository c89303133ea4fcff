package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	// IP literals keep the test independent of DNS.
	valid := []string{
		"https://93.184.216.34/riskgate",
		"http://203.0.113.10:8443/incoming",
	}
	for _, u := range valid {
		if err := ValidateEndpointURL(u); err != nil {
			t.Errorf("ValidateEndpointURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"",
		"ftp://example.com/hook",
		"https://",
		"http://localhost/hook",
		"http://127.0.0.1:9000/hook",
		"http://10.1.2.3/hook",
		"http://192.168.1.10/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/hook",
		"http://metadata.google.internal/computeMetadata",
	}
	for _, u := range invalid {
		if err := ValidateEndpointURL(u); err == nil {
			t.Errorf("ValidateEndpointURL(%q) = nil, want error", u)
		}
	}
}

package artifacts

import "testing"

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		endpoint   string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{"minio.lab:9000", false, "minio.lab:9000", false},
		{"minio.lab:9000", true, "minio.lab:9000", true},
		{"http://minio.lab:9000", true, "minio.lab:9000", false},
		{"https://s3.amazonaws.com", false, "s3.amazonaws.com", true},
		{"", true, "", true},
	}
	for _, c := range cases {
		host, secure := normalizeEndpoint(c.endpoint, c.useSSL)
		if host != c.wantHost || secure != c.wantSecure {
			t.Errorf("normalizeEndpoint(%q, %v) = (%q, %v), want (%q, %v)",
				c.endpoint, c.useSSL, host, secure, c.wantHost, c.wantSecure)
		}
	}
}

func TestImageKey(t *testing.T) {
	if got := ImageKey("labgrid-client", "23.0.1"); got != "23.0.1/labgrid-client.tar" {
		t.Fatalf("got %q", got)
	}
}

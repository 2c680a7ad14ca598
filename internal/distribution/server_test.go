package distribution

import (
	"testing"
	"time"

	"github.com/zsiec/aperture/internal/certs"
)

func TestNewServerValidation(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	relay := NewRelay()

	cases := []struct {
		name   string
		config ServerConfig
	}{
		{"missing cert", ServerConfig{Addr: ":0", Relay: relay}},
		{"missing addr", ServerConfig{Cert: cert, Relay: relay}},
		{"missing relay", ServerConfig{Addr: ":0", Cert: cert}},
	}
	for _, c := range cases {
		if _, err := NewServer(c.config); err == nil {
			t.Errorf("%s: config accepted", c.name)
		}
	}

	s, err := NewServer(ServerConfig{Addr: ":0", Cert: cert, Relay: relay})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.Accepted() != 0 {
		t.Errorf("accepted before start: %d", s.Accepted())
	}
}

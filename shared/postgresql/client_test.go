package postgresql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name:   "defaults ssl mode",
			config: Config{Host: "localhost", Port: 5432, User: "postgres", Password: "pw", Database: "transcriber"},
			want:   "postgres://postgres:pw@localhost:5432/transcriber?sslmode=disable",
		},
		{
			name:   "escapes password",
			config: Config{Host: "db", Port: 5433, User: "app", Password: "p@ss word", Database: "t", SSLMode: "require"},
			want:   "postgres://app:p%40ss%20word@db:5433/t?sslmode=require",
		},
		{
			name:   "connect timeout",
			config: Config{Host: "db", Port: 5432, User: "u", Password: "p", Database: "t", ConnectTimeout: 7 * time.Second},
			want:   "postgres://u:p@db:5432/t?connect_timeout=7&sslmode=disable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.DSN())
		})
	}
}

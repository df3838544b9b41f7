package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xelth-com/eckaddr/internal/config"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		opts Options
		want string
	}{
		{
			name: "facility scoped",
			cfg:  config.DatabaseConfig{Host: "db", Port: "5432", Username: "wms", Password: "s3cret", Database: "eckaddr"},
			opts: Options{Facility: "CD01", TimeZone: "America/Sao_Paulo"},
			want: "host=db port=5432 user=wms password=s3cret dbname=eckaddr sslmode=disable application_name=eckaddr-cd01 TimeZone=America/Sao_Paulo",
		},
		{
			name: "no password and no facility",
			cfg:  config.DatabaseConfig{Host: "localhost", Port: "5433", Username: "postgres", Database: "eckaddr", SSLMode: "require"},
			want: "host=localhost port=5433 user=postgres dbname=eckaddr sslmode=require application_name=eckaddr",
		},
		{
			name: "quoted values",
			cfg:  config.DatabaseConfig{Host: "db", Port: "5432", Username: "wms", Password: `it's a \ pass`, Database: "eckaddr"},
			want: `host=db port=5432 user=wms password='it\'s a \\ pass' dbname=eckaddr sslmode=disable application_name=eckaddr`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg, tt.opts))
		})
	}
}

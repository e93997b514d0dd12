package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadinessCheck(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]Pinger
		ready  bool
	}{
		{"no dependencies", nil, true},
		{"all reachable", map[string]Pinger{"store": ok, "cache": ok}, true},
		{"cache down", map[string]Pinger{"store": ok, "cache": down}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthService("test", tt.checks, nil)
			st := hs.ReadinessCheck(context.Background())
			assert.Equal(t, tt.ready, st.Ready())
			assert.Len(t, st.Services, len(tt.checks))
			if !tt.ready {
				assert.Equal(t, "connection refused", st.Services["cache"].Message)
			}
		})
	}
}

func TestLivenessCheck(t *testing.T) {
	st := NewHealthService("1.2.3", nil, nil).LivenessCheck(context.Background())
	assert.Equal(t, "alive", st.Status)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Contains(t, st.Runtime, "goroutines")
}

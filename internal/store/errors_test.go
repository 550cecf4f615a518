package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, want: true},
		{name: "deadlock", err: &pq.Error{Code: "40P01"}, want: true},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, want: true},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, want: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, want: true},
		{name: "wrapped pq error", err: fmt.Errorf("flush: %w", &pq.Error{Code: "40001"}), want: true},
		{name: "bad conn", err: driver.ErrBadConn, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "net error", err: &net.OpError{Op: "write", Err: errors.New("broken pipe")}, want: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "syntax error", err: &pq.Error{Code: "42601"}, want: false},
		{name: "numeric overflow", err: &pq.Error{Code: "22003"}, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

package warehouse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPingRetries(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name       string
		maxRetries int
		failures   []error
		wantErr    bool
	}{
		{name: "first attempt", maxRetries: 2},
		{name: "recovers after connection error", maxRetries: 2, failures: []error{errors.New("dial tcp: connection refused")}},
		{
			name:       "gives up after retries",
			maxRetries: 1,
			failures:   []error{errors.New("connection reset by peer"), errors.New("connection reset by peer")},
			wantErr:    true,
		},
		{name: "auth errors are not retried", maxRetries: 3, failures: []error{errors.New("password authentication failed")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			if err != nil {
				t.Fatalf("failed to create sqlmock: %v", err)
			}
			defer db.Close()

			for _, failure := range tt.failures {
				mock.ExpectPing().WillReturnError(failure)
			}
			if !tt.wantErr {
				mock.ExpectPing()
			}

			err = ping(context.Background(), db, DatabaseConfig{MaxRetries: tt.maxRetries}, logger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ping() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	if !isConnectionError(errors.New("write: broken pipe")) {
		t.Error("broken pipe should be a connection error")
	}
	if isConnectionError(errors.New(`relation "orders" does not exist`)) {
		t.Error("missing relation is not a connection error")
	}
}

// cmd/gatorctl/commands_test.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/storage"
)

func startServer(t *testing.T) string {
	t.Helper()
	svc, err := catalog.NewService(storage.NewMemory())
	require.NoError(t, err)
	srv := httptest.NewServer(catalog.NewHandler(svc, rate.NewLimiter(rate.Inf, 1)).Routes())
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGatorctlCirculation(t *testing.T) {
	server := startServer(t)

	out, err := run(t, server, "add", "--id", "101", "Dune", "Frank Herbert")
	require.NoError(t, err)
	assert.Contains(t, out, "Dune")
	_, err = run(t, server, "add", "--id", "48", "Emma", "Jane Austen")
	require.NoError(t, err)

	out, err = run(t, server, "borrow", "1", "101")
	require.NoError(t, err)
	assert.Contains(t, out, "borrowed: patron 1, book 101")

	out, err = run(t, server, "borrow", "-p", "3", "2", "101")
	require.NoError(t, err)
	assert.Contains(t, out, "queued_for_reservation")

	out, err = run(t, server, "reservations", "101")
	require.NoError(t, err)
	assert.Contains(t, out, "PATRON")
	assert.Contains(t, out, "2 ")

	out, err = run(t, server, "return", "1", "101")
	require.NoError(t, err)
	assert.Contains(t, out, "returned_and_reallocated")
	assert.Contains(t, out, "now borrowed by patron 2")

	out, err = run(t, server, "nearest", "60")
	require.NoError(t, err)
	assert.Contains(t, out, "Emma")

	out, err = run(t, server, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Dune")
	assert.Contains(t, out, "Emma")

	out, err = run(t, server, "delete", "48")
	require.NoError(t, err)
	assert.Contains(t, out, "book 48 deleted")

	out, err = run(t, server, "flips")
	require.NoError(t, err)
	assert.Contains(t, out, "Colour Flip Count:")
}

func TestGatorctlJSONOutput(t *testing.T) {
	server := startServer(t)
	_, err := run(t, server, "add", "--id", "7", "Ulysses", "James Joyce")
	require.NoError(t, err)

	out, err := run(t, server, "-o", "json", "get", "7")
	require.NoError(t, err)
	var book catalog.Book
	require.NoError(t, json.Unmarshal([]byte(out), &book))
	assert.Equal(t, "Ulysses", book.Title)
	assert.Equal(t, "available", book.Status)
}

func TestGatorctlRejectsBadInput(t *testing.T) {
	server := startServer(t)

	_, err := run(t, server, "get", "abc")
	assert.ErrorIs(t, err, catalog.ErrInvalidID)

	_, err = run(t, server, "borrow", "0", "1")
	assert.ErrorIs(t, err, catalog.ErrInvalidPatron)

	_, err = run(t, server, "borrow", "-p", "4", "1", "1")
	assert.ErrorIs(t, err, catalog.ErrInvalidPriority)

	_, err = run(t, server, "get", "5")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = run(t, server, "list", "extra")
	assert.Error(t, err)
}

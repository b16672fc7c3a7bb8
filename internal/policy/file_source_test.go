package policy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acmeYAML = `
tenant_id: acme
default_mode: hard
modes:
  terraform: soft
require_approval_for_prod: true
auto_approve_below_monthly_usd: 50
hard_deny_above_monthly_usd: 5000
reservation_ttl_seconds: 600
custom_rules:
  - name: no_prod_deletes
    expression: action == "delete" && production
    outcome: block
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestFileSource_Sync(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acme.yaml", acmeYAML)
	writeFile(t, dir, "README.md", "ignored")

	store := NewMemoryStore()
	src := NewFileSource(dir, NewCache(store), testLogger())

	n, err := src.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := store.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, ModeSoft, p.ModeFor("terraform"))
	assert.Equal(t, 10*time.Minute, p.ReservationTTL())
	assert.Equal(t, "file:acme.yaml", p.UpdatedBy)
	require.Len(t, p.CustomRules, 1)
}

func TestFileSource_InvalidFileAbortsSync(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", acmeYAML)
	writeFile(t, dir, "b.yaml", "tenant_id: beta\nhard_deny_above_monthly_usd: -1\n")

	store := NewMemoryStore()
	_, err := NewFileSource(dir, NewCache(store), testLogger()).Sync(context.Background())
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = store.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrPolicyNotFound, "nothing is written when any file is invalid")
}

func TestFileSource_UnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yml", "tenant_id: acme\nhard_deny: 5\n")

	_, err := NewFileSource(dir, NewCache(NewMemoryStore()), testLogger()).Load()
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	store := NewMemoryStore()
	src := NewFileSource(dir, NewCache(store), testLogger())
	w := NewWatcher(src, testLogger()).WithDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "acme.yaml", acmeYAML)

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "acme")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, w.Reloads(), 1)
}

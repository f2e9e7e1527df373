package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wadjakorntonsri/linkshort/pkg/adapters/repository/sqlite"
	"github.com/wadjakorntonsri/linkshort/pkg/config"
	"github.com/wadjakorntonsri/linkshort/pkg/core/domain"
)

func TestExportImportRoundTrip(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	src, err := sqlite.NewSQLiteRepository("file:cli_src?mode=memory&cache=shared", logger)
	require.NoError(t, err)
	defer src.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	alias := "custom"
	for _, l := range []*domain.Link{
		{OriginalURL: "https://a.example", ShortCode: "aaaaaa", CreatedAt: now, IsActive: true, Clicks: 7},
		{OriginalURL: "https://b.example", ShortCode: alias, CustomAlias: &alias, CreatedAt: now, IsActive: true},
	} {
		require.NoError(t, src.Create(ctx, l))
	}

	var dump bytes.Buffer
	require.NoError(t, doExport(ctx, src, &dump))

	dst, err := sqlite.NewSQLiteRepository("file:cli_dst?mode=memory&cache=shared", logger)
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Create(ctx, &domain.Link{OriginalURL: "https://taken.example", ShortCode: "aaaaaa", CreatedAt: now, IsActive: true}))

	imported, skipped, err := doImport(ctx, dst, bytes.NewReader(dump.Bytes()), logger)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, skipped)

	got, err := dst.GetByShortCode(ctx, alias)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://b.example", got.OriginalURL)
	require.NotNil(t, got.CustomAlias)

	kept, err := dst.GetByShortCode(ctx, "aaaaaa")
	require.NoError(t, err)
	assert.Equal(t, "https://taken.example", kept.OriginalURL, "existing codes are not overwritten")
}

func TestImportRejectsGarbage(t *testing.T) {
	logger, _ := test.NewNullLogger()
	repo, err := sqlite.NewSQLiteRepository("file:cli_garbage?mode=memory&cache=shared", logger)
	require.NoError(t, err)
	defer repo.Close()

	_, _, err = doImport(context.Background(), repo, strings.NewReader("{not json"), logger)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()
	cfg := &config.Config{
		DatabaseURL:      "file:" + filepath.Join(dir, "links.sqlite"),
		CacheURL:         "memory",
		PopularTopN:      10,
		PopularTTL:       time.Hour,
		StatsTTL:         time.Minute,
		ReconcileAt:      "03:00",
		ReconcileTimeout: time.Minute,
	}
	ctx := context.Background()

	dumpFile := filepath.Join(dir, "links.json")
	payload, err := json.Marshal([]domain.Link{
		{OriginalURL: "https://a.example", ShortCode: "abc123", CreatedAt: time.Now().UTC(), IsActive: true},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dumpFile, payload, 0o600))

	require.NoError(t, run(ctx, cfg, logger, []string{"import", "-file", dumpFile}, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfg, logger, []string{"export"}, &out))
	var links []domain.Link
	require.NoError(t, json.Unmarshal(out.Bytes(), &links))
	require.Len(t, links, 1)
	assert.Equal(t, "abc123", links[0].ShortCode)

	out.Reset()
	require.NoError(t, run(ctx, cfg, logger, []string{"reconcile"}, &out))
	assert.Contains(t, out.String(), "purged 0, cached 1")

	assert.Error(t, run(ctx, cfg, logger, []string{"import"}, &bytes.Buffer{}))
	assert.Error(t, run(ctx, cfg, logger, []string{"frobnicate"}, &bytes.Buffer{}))
}

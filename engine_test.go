package mailvault

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chartly-labs/mailvault/internal/archive"
	"github.com/chartly-labs/mailvault/internal/email"
	"github.com/chartly-labs/mailvault/pkg/config"
)

func testOptions() config.EngineOptions {
	opts := config.DefaultEngineOptions()
	opts.EnableBackgroundMaintenance = false
	opts.BlockSizeThreshold = 1 // flush every email immediately
	return opts
}

func testMasterKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func emailFixture(subject, from, to string) email.Envelope {
	return email.Envelope{
		Subject: subject,
		From:    from,
		To:      to,
		Date:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestOpenCreatesFreshArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbx")
	e, err := Open(context.Background(), path, testMasterKey(), testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, ok := e.folders.FolderIDForPath("")
	require.True(t, ok, "expected root folder to exist on a fresh archive")
}

func TestCreateFolderAndAppendEmail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbx")
	e, err := Open(ctx, path, testMasterKey(), testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateFolder(ctx, "Inbox")
	require.NoError(t, err)

	env := emailFixture("Hello", "alice@example.com", "bob@example.com")
	ref, err := e.AppendEmail(ctx, "Inbox", env, []byte("Subject: Hello\r\n\r\nbody text"))
	require.NoError(t, err)
	require.NotEmpty(t, ref.CompoundKey)
}

func TestSearchAfterAppend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbx")
	e, err := Open(ctx, path, testMasterKey(), testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateFolder(ctx, "Inbox")
	require.NoError(t, err)
	env := emailFixture("Quarterly Revenue Report", "alice@example.com", "bob@example.com")
	_, err = e.AppendEmail(ctx, "Inbox", env, []byte("Subject: Quarterly Revenue Report\r\n\r\nnumbers inside"))
	require.NoError(t, err)

	hits, err := e.Search(ctx, archive.Criteria{Query: "revenue"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

// TestReopenSurvivesRestart is the regression test for the key-manager
// durability gap: without persisting keys after mutation, a reopened
// archive cannot decrypt any block written by the previous process.
func TestReopenSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbx")
	masterKey := testMasterKey()

	e1, err := Open(ctx, path, masterKey, testOptions(), nil)
	require.NoError(t, err)
	_, err = e1.CreateFolder(ctx, "Inbox")
	require.NoError(t, err)
	env := emailFixture("Reopen Test", "alice@example.com", "bob@example.com")
	ref, err := e1.AppendEmail(ctx, "Inbox", env, []byte("Subject: Reopen Test\r\n\r\nsurvive a restart"))
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2, err := Open(ctx, path, masterKey, testOptions(), nil)
	require.NoError(t, err)
	defer e2.Close()

	_, ok := e2.folders.FolderIDForPath("Inbox")
	require.True(t, ok, "expected the Inbox folder to survive reopen")

	hits, err := e2.Search(ctx, archive.Criteria{Query: "reopen"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, ref.CompoundKey, hits[0].CompoundKey)

	report, err := e2.Verify(ctx)
	require.NoError(t, err)
	require.True(t, report.HeaderOK)
	require.Zero(t, report.ChecksumFailCount)
}

func TestCompactRebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.mbx")
	e, err := Open(ctx, path, testMasterKey(), testOptions(), nil)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.CreateFolder(ctx, "Inbox")
	require.NoError(t, err)
	env := emailFixture("Compact Me", "alice@example.com", "bob@example.com")
	_, err = e.AppendEmail(ctx, "Inbox", env, []byte("Subject: Compact Me\r\n\r\nbody"))
	require.NoError(t, err)

	_, err = e.Compact(ctx)
	require.NoError(t, err)

	hits, err := e.Search(ctx, archive.Criteria{Query: "compact"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

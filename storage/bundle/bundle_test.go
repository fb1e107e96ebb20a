package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bverify.dev/custody/cidutil"
	"bverify.dev/custody/feed/memfeed"
	"bverify.dev/custody/ledger"
	"bverify.dev/custody/receipt"
	"bverify.dev/custody/statement"
	"bverify.dev/custody/storage"
	"bverify.dev/custody/storage/bundle"
	"bverify.dev/custody/storage/localfs"
)

func seededLog(t *testing.T) *memfeed.Log {
	t.Helper()
	log := memfeed.New()
	issue, err := statement.Encode(statement.NewIssue("p1", "wh", "dep", []byte(`{"category":"corn"}`)))
	require.NoError(t, err)
	_, err = log.Append(issue)
	require.NoError(t, err)
	_, err = log.Append([]byte("not a statement"))
	require.NoError(t, err)

	id := receipt.DeriveID("wh", "dep", cidutil.CIDv1RawSHA256([]byte(`{"category":"corn"}`)), 0)
	redeem, err := statement.Encode(statement.NewRedeem("p2", id, "dep"))
	require.NoError(t, err)
	_, err = log.Append(redeem)
	require.NoError(t, err)
	return log
}

func TestExportLog_IsDeterministic(t *testing.T) {
	ctx := context.Background()
	log := seededLog(t)

	var a, b bytes.Buffer
	_, err := bundle.ExportLog(ctx, &a, log, bundle.ExportOptions{})
	require.NoError(t, err)
	_, err = bundle.ExportLog(ctx, &b, log, bundle.ExportOptions{})
	require.NoError(t, err)
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestReplayBundle_ReproducesLedger(t *testing.T) {
	ctx := context.Background()
	log := seededLog(t)

	live := ledger.New()
	require.NoError(t, ledger.NewFollower(live, log).Rebuild(ctx))
	digest, err := live.Digest()
	require.NoError(t, err)

	var buf bytes.Buffer
	m, err := bundle.ExportLog(ctx, &buf, log, bundle.ExportOptions{Digest: digest})
	require.NoError(t, err)
	require.Len(t, m.Entries, 3)

	b, err := bundle.ReplayBundle(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, digest, b.Manifest.Digest)

	offline := ledger.New()
	require.NoError(t, ledger.NewFollower(offline, b.Reader()).Rebuild(ctx))
	got, err := offline.Digest()
	require.NoError(t, err)
	require.Equal(t, digest, got)
}

func TestExportLog_StopsAtFoldedPosition(t *testing.T) {
	ctx := context.Background()
	log := seededLog(t)

	live := ledger.New()
	require.NoError(t, ledger.NewFollower(live, log).Rebuild(ctx))
	digest, err := live.Digest()
	require.NoError(t, err)
	end := live.Applied()

	// A statement lands between the fold and the export.
	late, err := statement.Encode(statement.NewIssue("p3", "wh", "dep", []byte(`{"category":"rye"}`)))
	require.NoError(t, err)
	_, err = log.Append(late)
	require.NoError(t, err)

	var buf bytes.Buffer
	m, err := bundle.ExportLog(ctx, &buf, log, bundle.ExportOptions{Digest: digest, To: &end})
	require.NoError(t, err)
	require.Len(t, m.Entries, 3)

	b, err := bundle.ReplayBundle(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	offline := ledger.New()
	require.NoError(t, ledger.NewFollower(offline, b.Reader()).Rebuild(ctx))
	got, err := offline.Digest()
	require.NoError(t, err)
	require.Equal(t, digest, got)

	beyond := end + 5
	_, err = bundle.ExportLog(ctx, &bytes.Buffer{}, log, bundle.ExportOptions{To: &beyond})
	require.Error(t, err)
}

func TestExportLog_CarriesCheckpoint(t *testing.T) {
	ctx := context.Background()
	src, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	ckpt, err := src.Put([]byte("checkpoint block"))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = bundle.ExportLog(ctx, &buf, memfeed.New(), bundle.ExportOptions{CAS: src, Checkpoint: ckpt})
	require.NoError(t, err)

	b, err := bundle.ReplayBundle(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "checkpoint block", string(b.Checkpoint))

	dst, err := localfs.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.Import(dst))
	require.True(t, dst.Has(ckpt))
}

func TestReplayBundle_RejectsCIDMismatch(t *testing.T) {
	other := cidutil.CIDv1RawSHA256([]byte("other"))
	raw := makeDeterministicTar(t, "blocks/"+other, []byte("good"))
	_, err := bundle.ReplayBundle(bytes.NewReader(raw))
	require.ErrorIs(t, err, storage.ErrCIDMismatch)
}

func TestReplayBundle_RejectsUnknownEntryAndMissingManifest(t *testing.T) {
	_, err := bundle.ReplayBundle(bytes.NewReader(makeDeterministicTar(t, "notes.txt", []byte("hi"))))
	require.True(t, errors.Is(err, bundle.ErrInvalidBundle))

	_, err = bundle.ReplayBundle(bytes.NewReader(makeDeterministicTar(t, "blocks/"+cidutil.CIDv1RawSHA256([]byte("x")), []byte("x"))))
	require.True(t, errors.Is(err, bundle.ErrInvalidBundle))
}

func makeDeterministicTar(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	h := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  time.Unix(0, 0).UTC(),
		Typeflag: tar.TypeReg,
	}
	require.NoError(t, tw.WriteHeader(h))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

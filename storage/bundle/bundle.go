// Package bundle exports a run of the commitment feed as a deterministic TAR
// archive that an auditor can replay offline.
//
// Layout:
//
//	blocks/<cid>     one entry per distinct statement payload (and checkpoint)
//	manifest.json    positions in feed order, mapped to block CIDs
//
// Entry order is lexicographic with manifest.json last, and TAR headers are
// normalized, so the same feed run always yields the same bytes.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"bverify.dev/custody/cidutil"
	"bverify.dev/custody/feed"
	"bverify.dev/custody/model"
	"bverify.dev/custody/storage"
)

// FormatVersion is the current manifest schema version.
const FormatVersion = 1

const manifestName = "manifest.json"

var epoch0 = time.Unix(0, 0).UTC()

var ErrInvalidBundle = errors.New("bundle: invalid bundle")

// Manifest is the bundle index.
type Manifest struct {
	Version int     `json:"version"`
	From    uint64  `json:"from"`
	Entries []Entry `json:"entries"`
	// Checkpoint is the CID of a ledger checkpoint block taken at From, if any.
	Checkpoint string `json:"checkpoint,omitempty"`
	// Digest is the ledger digest the exporter observed after the last entry.
	Digest string `json:"digest,omitempty"`
}

type Entry struct {
	Position uint64 `json:"position"`
	CID      string `json:"cid"`
}

type ExportOptions struct {
	// From is the first position to export.
	From uint64
	// To, when set, is the exclusive end position. Statements the feed gained
	// after the caller computed Digest stay out of the bundle.
	To *uint64
	// Digest is recorded verbatim in the manifest.
	Digest string
	// CAS and Checkpoint include a checkpoint block in the bundle.
	CAS        storage.CAS
	Checkpoint cid.Cid
}

// ExportLog writes every statement currently in r from opts.From onward.
func ExportLog(ctx context.Context, w io.Writer, r feed.Reader, opts ExportOptions) (Manifest, error) {
	m := Manifest{Version: FormatVersion, From: opts.From, Entries: []Entry{}, Digest: opts.Digest}
	blocks := map[string][]byte{}

	cur, err := r.ReplayFrom(ctx, opts.From)
	if err != nil {
		return Manifest{}, err
	}
	defer cur.Close()
	next := opts.From
	for cur.Next() {
		st := cur.Statement()
		if opts.To != nil && st.Position >= *opts.To {
			break
		}
		if st.Position != next {
			return Manifest{}, fmt.Errorf("bundle: feed gap: got position %d want %d", st.Position, next)
		}
		next++
		id := cidutil.CIDv1RawSHA256(st.Payload)
		blocks[id] = st.Payload
		m.Entries = append(m.Entries, Entry{Position: st.Position, CID: id})
	}
	if err := cur.Err(); err != nil {
		return Manifest{}, err
	}
	if opts.To != nil && next < *opts.To {
		return Manifest{}, fmt.Errorf("bundle: feed ends at position %d before %d", next, *opts.To)
	}

	if opts.Checkpoint.Defined() {
		if opts.CAS == nil {
			return Manifest{}, errors.New("bundle: checkpoint requires a CAS")
		}
		b, err := opts.CAS.Get(opts.Checkpoint)
		if err != nil {
			return Manifest{}, err
		}
		blocks[opts.Checkpoint.String()] = b
		m.Checkpoint = opts.Checkpoint.String()
	}

	if err := writeBundle(w, blocks, m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func writeBundle(w io.Writer, blocks map[string][]byte, m Manifest) error {
	names := make([]string, 0, len(blocks))
	for id := range blocks {
		names = append(names, id)
	}
	sort.Strings(names)

	tw := tar.NewWriter(w)
	for _, id := range names {
		if err := writeFile(tw, "blocks/"+id, blocks[id]); err != nil {
			_ = tw.Close()
			return err
		}
	}
	mb, err := json.Marshal(m)
	if err != nil {
		_ = tw.Close()
		return err
	}
	if err := writeFile(tw, manifestName, append(mb, '\n')); err != nil {
		_ = tw.Close()
		return err
	}
	return tw.Close()
}

// Bundle is a parsed, verified bundle.
type Bundle struct {
	Manifest   Manifest
	Statements []model.Statement
	// Checkpoint holds the checkpoint block bytes, if the bundle carries one.
	Checkpoint []byte
	blocks     map[string][]byte
}

// ReplayBundle reads and verifies a bundle. Every block must hash to its
// name, every manifest entry must resolve, and positions must be contiguous.
// Unknown entries are rejected.
func ReplayBundle(r io.Reader) (*Bundle, error) {
	tr := tar.NewReader(r)
	blocks := map[string][]byte{}
	var manifest []byte

	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: invalid entry path %q", ErrInvalidBundle, h.Name)
		}
		if h.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("%w: unexpected entry type %v (%s)", ErrInvalidBundle, h.Typeflag, name)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}

		switch {
		case name == manifestName:
			if manifest != nil {
				return nil, fmt.Errorf("%w: duplicate manifest", ErrInvalidBundle)
			}
			manifest = body
		case strings.HasPrefix(name, "blocks/"):
			idStr := strings.TrimPrefix(name, "blocks/")
			id, err := cidutil.Parse(idStr)
			if err != nil {
				return nil, storage.ErrInvalidCID
			}
			if !cidutil.Matches(body, id.String()) {
				return nil, storage.ErrCIDMismatch
			}
			if _, dup := blocks[id.String()]; dup {
				return nil, fmt.Errorf("%w: duplicate block %s", ErrInvalidBundle, id)
			}
			blocks[id.String()] = body
		default:
			return nil, fmt.Errorf("%w: unknown entry %s", ErrInvalidBundle, name)
		}
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidBundle, manifestName)
	}

	out := &Bundle{blocks: blocks}
	dec := json.NewDecoder(bytes.NewReader(manifest))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out.Manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidBundle, err)
	}
	m := out.Manifest
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidBundle, m.Version)
	}
	for i, e := range m.Entries {
		if e.Position != m.From+uint64(i) {
			return nil, fmt.Errorf("%w: entry %d has position %d", ErrInvalidBundle, i, e.Position)
		}
		b, ok := blocks[e.CID]
		if !ok {
			return nil, fmt.Errorf("%w: missing block %s", ErrInvalidBundle, e.CID)
		}
		out.Statements = append(out.Statements, model.Statement{Position: e.Position, Payload: b})
	}
	if m.Checkpoint != "" {
		b, ok := blocks[m.Checkpoint]
		if !ok {
			return nil, fmt.Errorf("%w: missing checkpoint block %s", ErrInvalidBundle, m.Checkpoint)
		}
		out.Checkpoint = b
	}
	return out, nil
}

// Reader exposes the bundled statements as a finite feed.
func (b *Bundle) Reader() feed.Reader { return bundleReader{b} }

// Import copies every block into cas.
func (b *Bundle) Import(cas storage.CAS) error {
	ids := make([]string, 0, len(b.blocks))
	for id := range b.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		got, err := cas.Put(b.blocks[id])
		if err != nil {
			return err
		}
		if got.String() != id {
			return storage.ErrCIDMismatch
		}
	}
	return nil
}

type bundleReader struct{ b *Bundle }

func (r bundleReader) ReplayFrom(ctx context.Context, position uint64) (feed.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.Statement
	for _, st := range r.b.Statements {
		if st.Position >= position {
			out = append(out, st)
		}
	}
	return feed.SliceCursor(out), nil
}

// Subscribe ends immediately after the bundled statements: a bundle never grows.
func (r bundleReader) Subscribe(ctx context.Context, from uint64) (*feed.Subscription, error) {
	cur, err := r.ReplayFrom(ctx, from)
	if err != nil {
		return nil, err
	}
	sub := feed.NewSubscription(len(r.b.Statements))
	for cur.Next() {
		sub.Deliver(ctx, cur.Statement())
	}
	sub.Finish(io.EOF)
	return sub, nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return strings.Join(parts, "/")
}

package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"

	"bverify.dev/custody/cidutil"
	"bverify.dev/custody/model"
	"bverify.dev/custody/storage"
)

const snapshotVersion = 1

type snapshotBlock struct {
	Version int `json:"v"`
	Snapshot
}

// encodeSnapshot returns the canonical bytes of snap and their CID.
func encodeSnapshot(snap Snapshot) ([]byte, cid.Cid, error) {
	if snap.Receipts == nil {
		snap.Receipts = []model.Receipt{}
	}
	b, err := json.Marshal(snapshotBlock{Version: snapshotVersion, Snapshot: snap})
	if err != nil {
		return nil, cid.Undef, err
	}
	id, err := cidutil.CIDv1RawSHA256CID(b)
	if err != nil {
		return nil, cid.Undef, err
	}
	return b, id, nil
}

// decodeSnapshot is strict: the bytes must re-encode to themselves.
func decodeSnapshot(b []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var blk snapshotBlock
	if err := dec.Decode(&blk); err != nil {
		return Snapshot{}, wrapError(KindCaller, "LEDGER-CKPT-001", ErrCheckpoint, 0, "checkpoint decode failed", err)
	}
	if blk.Version != snapshotVersion {
		return Snapshot{}, newError(KindCaller, "LEDGER-CKPT-002", ErrCheckpoint, 0,
			fmt.Sprintf("unsupported checkpoint version %d", blk.Version))
	}
	canon, _, err := encodeSnapshot(blk.Snapshot)
	if err != nil {
		return Snapshot{}, err
	}
	if !bytes.Equal(canon, b) {
		return Snapshot{}, newError(KindCaller, "LEDGER-CKPT-003", ErrCheckpoint, 0, "checkpoint is not canonical")
	}
	return blk.Snapshot, nil
}

// Restore replaces the ledger state with snap. It is only valid on a ledger
// that has not folded anything yet.
func (l *Ledger) Restore(snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.applied != 0 || len(l.receipts) != 0 {
		return newError(KindCaller, "LEDGER-CKPT-004", ErrCheckpoint, 0, "restore into a non-empty ledger")
	}
	receipts := make(map[string]model.Receipt, len(snap.Receipts))
	issued := make(map[string]string, len(snap.Receipts))
	redeemed := make(map[string]string)
	for _, r := range snap.Receipts {
		if r.ID == "" || r.IssuedAt >= snap.Applied {
			return newError(KindCaller, "LEDGER-CKPT-005", ErrCheckpoint, r.IssuedAt,
				fmt.Sprintf("checkpoint receipt %q inconsistent with position %d", r.ID, snap.Applied))
		}
		if _, dup := receipts[r.ID]; dup {
			return newError(KindCaller, "LEDGER-CKPT-006", ErrCheckpoint, 0,
				fmt.Sprintf("checkpoint receipt %s repeated", r.ID))
		}
		receipts[r.ID] = cloneReceipt(r)
		issued[r.IssueProposal] = r.ID
		if r.State == model.StateRedeemed {
			redeemed[r.RedeemProposal] = r.ID
		}
	}
	l.applied = snap.Applied
	l.receipts = receipts
	l.issued = issued
	l.redeemed = redeemed
	return nil
}

// CheckpointStore keeps ledger snapshots in a CAS and remembers the latest one
// in a small head file.
type CheckpointStore struct {
	cas  storage.CAS
	head string
}

// NewCheckpointStore stores blocks in cas and the head CID at headPath.
func NewCheckpointStore(cas storage.CAS, headPath string) (*CheckpointStore, error) {
	if cas == nil {
		return nil, errors.New("ledger: checkpoint CAS is required")
	}
	if headPath == "" {
		return nil, errors.New("ledger: checkpoint head path is required")
	}
	return &CheckpointStore{cas: cas, head: headPath}, nil
}

// CAS returns the block store behind s.
func (s *CheckpointStore) CAS() storage.CAS { return s.cas }

// SaveCheckpoint stores the canonical snapshot of l in cas.
func SaveCheckpoint(cas storage.CAS, l *Ledger) (cid.Cid, error) {
	b, id, err := encodeSnapshot(l.Snapshot())
	if err != nil {
		return cid.Undef, err
	}
	got, err := cas.Put(b)
	if err != nil {
		return cid.Undef, err
	}
	if !got.Equals(id) {
		return cid.Undef, storage.ErrCIDMismatch
	}
	return id, nil
}

// LoadCheckpoint fetches and verifies the snapshot block id.
func LoadCheckpoint(cas storage.CAS, id cid.Cid) (Snapshot, error) {
	b, err := cas.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	if !cidutil.Matches(b, id.String()) {
		return Snapshot{}, storage.ErrCIDMismatch
	}
	return decodeSnapshot(b)
}

// Save writes the current state of l and moves the head to it.
func (s *CheckpointStore) Save(l *Ledger) (cid.Cid, error) {
	id, err := SaveCheckpoint(s.cas, l)
	if err != nil {
		return cid.Undef, err
	}
	if err := writeHead(s.head, id.String()); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

// Head returns the CID of the latest checkpoint, if any.
func (s *CheckpointStore) Head() (cid.Cid, bool, error) {
	raw, err := os.ReadFile(s.head)
	if os.IsNotExist(err) {
		return cid.Undef, false, nil
	}
	if err != nil {
		return cid.Undef, false, err
	}
	id, err := cidutil.Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		return cid.Undef, false, wrapError(KindCaller, "LEDGER-CKPT-007", ErrCheckpoint, 0, "checkpoint head is not a CID", err)
	}
	return id, true, nil
}

// Load returns the latest checkpoint. ok is false when none has been saved.
func (s *CheckpointStore) Load() (snap Snapshot, ok bool, err error) {
	id, ok, err := s.Head()
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	snap, err = LoadCheckpoint(s.cas, id)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func writeHead(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".head-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(id + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

package journal

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/InsulaLabs/vessel/models"
)

func journals(t *testing.T) map[string]Journal {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	onDisk, err := NewBadger(BadgerConfig{Logger: logger, BadgerLogLevel: slog.LevelError, Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to open badger journal: %v", err)
	}
	inMem, err := NewBadger(BadgerConfig{Logger: logger, BadgerLogLevel: slog.LevelError})
	if err != nil {
		t.Fatalf("Failed to open in-memory badger journal: %v", err)
	}
	all := map[string]Journal{
		"memory":        NewMemory(),
		"badger":        onDisk,
		"badger-memory": inMem,
	}
	t.Cleanup(func() {
		for _, j := range all {
			j.Close()
		}
	})
	return all
}

func TestJournal_SaveLoadDelete(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			blob := models.BlobID{1, 2, 3}

			_, err := j.Load(blob)
			var nf *ErrRecordNotFound
			if !errors.As(err, &nf) {
				t.Fatalf("Load() on empty journal error = %v, want ErrRecordNotFound", err)
			}

			rec := &Record{
				BlobID: blob,
				Phase:  models.PhaseRegistering,
				Size:   512,
				Epochs: 3,
				Owner:  models.Address{9},
				Reservation: &models.StorageReservation{
					ObjectID: models.MustParseID("0x77"),
					Epochs:   3,
					Size:     512,
				},
				Certificate: &models.AvailabilityCertificate{
					BlobID:     blob,
					Epoch:      1,
					Nodes:      []models.Address{{1}},
					Signatures: [][]byte{{0xaa}},
				},
			}
			if err := j.Save(rec); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if rec.UpdatedAt.IsZero() {
				t.Errorf("Save() did not stamp UpdatedAt")
			}

			got, err := j.Load(blob)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got.Phase != models.PhaseRegistering || got.Size != 512 || got.Owner != rec.Owner {
				t.Errorf("Load() got = %+v, want %+v", got, rec)
			}
			if got.Reservation == nil || got.Reservation.ObjectID != rec.Reservation.ObjectID {
				t.Errorf("Load() lost the reservation: %+v", got.Reservation)
			}
			if got.Certificate == nil || len(got.Certificate.Nodes) != 1 {
				t.Errorf("Load() lost the certificate: %+v", got.Certificate)
			}

			// Loaded records are copies.
			got.Phase = models.PhaseCommitted
			again, _ := j.Load(blob)
			if again.Phase != models.PhaseRegistering {
				t.Errorf("mutating a loaded record changed the journal")
			}

			if err := j.Delete(blob); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := j.Load(blob); !errors.As(err, &nf) {
				t.Errorf("Load() after Delete() error = %v, want ErrRecordNotFound", err)
			}
			if err := j.Delete(blob); err != nil {
				t.Errorf("Delete() of missing record error = %v, want nil", err)
			}
		})
	}
}

func TestJournal_List(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			want := map[models.BlobID]models.CommitPhase{
				{1}: models.PhaseReserving,
				{2}: models.PhaseUploading,
				{3}: models.PhaseCertifying,
			}
			for blob, phase := range want {
				if err := j.Save(&Record{BlobID: blob, Phase: phase}); err != nil {
					t.Fatalf("Save() error = %v", err)
				}
			}
			// Overwrites do not add records.
			if err := j.Save(&Record{BlobID: models.BlobID{3}, Phase: models.PhaseCertifying}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			recs, err := j.List()
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(recs) != len(want) {
				t.Fatalf("List() returned %d records, want %d", len(recs), len(want))
			}
			for _, r := range recs {
				if want[r.BlobID] != r.Phase {
					t.Errorf("List() record %s phase = %v, want %v", r.BlobID, r.Phase, want[r.BlobID])
				}
			}
		})
	}
}

func TestBadger_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	blob := models.BlobID{42}

	j, err := NewBadger(BadgerConfig{Directory: dir, BadgerLogLevel: slog.LevelError})
	if err != nil {
		t.Fatalf("NewBadger() error = %v", err)
	}
	if err := j.Save(&Record{BlobID: blob, Phase: models.PhaseCertifying, FailedAt: models.PhaseCertifying, LastError: "quorum"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j, err = NewBadger(BadgerConfig{Directory: dir, BadgerLogLevel: slog.LevelError})
	if err != nil {
		t.Fatalf("NewBadger() reopen error = %v", err)
	}
	defer j.Close()

	got, err := j.Load(blob)
	if err != nil {
		t.Fatalf("Load() after reopen error = %v", err)
	}
	if got.FailedAt != models.PhaseCertifying || got.LastError != "quorum" {
		t.Errorf("Load() after reopen got = %+v", got)
	}
}

func TestStoreLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := newStoreLog(logger, "")

	l.Infof("Replaying file id: %d\n", 7)
	l.Debugf("dropped below level\n")
	l.Errorf("compaction failed: %s", "disk full")

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], `msg="Replaying file id: 7"`) {
		t.Errorf("Trailing newline not trimmed: %q", lines[0])
	}
	if !strings.Contains(lines[0], "dir=memory") {
		t.Errorf("Missing store directory: %q", lines[0])
	}
	if !strings.Contains(lines[1], "level=ERROR") {
		t.Errorf("Expected error level, got %q", lines[1])
	}
	if strings.Contains(out, "dropped below level") {
		t.Errorf("Debug output leaked past an info handler: %q", out)
	}
}

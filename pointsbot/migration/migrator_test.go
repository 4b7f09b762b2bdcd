package migration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func writeBSONDump(t *testing.T, docs []any) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "dump.bson")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create dump file: %v", err)
	}
	defer file.Close()

	for _, doc := range docs {
		raw, err := bson.Marshal(doc)
		if err != nil {
			t.Fatalf("failed to marshal doc: %v", err)
		}
		if _, err := file.Write(raw); err != nil {
			t.Fatalf("failed to write doc: %v", err)
		}
	}
	return path
}

func Test_readBSONFile(t *testing.T) {
	members := []any{
		MongoMember{ID: primitive.NewObjectID(), DiscordID: "100", Username: "alice", Points: 50},
		MongoMember{ID: primitive.NewObjectID(), DiscordID: "200", Username: "bob", Points: -3},
		MongoMember{ID: primitive.NewObjectID(), DiscordID: "300", Username: "carol", Points: 0, Joined: time.Now().UTC().Truncate(time.Millisecond)},
	}
	path := writeBSONDump(t, members)

	var decoded []MongoMember
	err := readBSONFile(path, func(doc []byte) error {
		var mm MongoMember
		if err := bson.Unmarshal(doc, &mm); err != nil {
			return err
		}
		decoded = append(decoded, mm)
		return nil
	})
	if err != nil {
		t.Fatalf("readBSONFile() error = %v", err)
	}

	if len(decoded) != 3 {
		t.Fatalf("readBSONFile() decoded %d docs, want 3", len(decoded))
	}
	if decoded[0].DiscordID != "100" || decoded[0].Username != "alice" || decoded[0].Points != 50 {
		t.Errorf("readBSONFile() first doc = %+v", decoded[0])
	}
	if decoded[1].Points != -3 {
		t.Errorf("readBSONFile() second doc points = %v, want -3", decoded[1].Points)
	}
}

func Test_readBSONFile_MissingFile(t *testing.T) {
	err := readBSONFile(filepath.Join(t.TempDir(), "nope.bson"), func([]byte) error { return nil })
	if !os.IsNotExist(err) {
		t.Errorf("readBSONFile() error = %v, want os.IsNotExist", err)
	}
}

func Test_readBSONFile_Truncated(t *testing.T) {
	raw, err := bson.Marshal(MongoMember{ID: primitive.NewObjectID(), DiscordID: "100"})
	if err != nil {
		t.Fatalf("failed to marshal doc: %v", err)
	}

	path := filepath.Join(t.TempDir(), "truncated.bson")
	if err := os.WriteFile(path, raw[:len(raw)-3], 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if err := readBSONFile(path, func([]byte) error { return nil }); err == nil {
		t.Error("readBSONFile() error = nil, want failure on truncated document")
	}
}

func Test_legacyEventID_Stable(t *testing.T) {
	id := primitive.NewObjectID()
	pl := MongoPointLog{ID: id, DiscordID: "100", Amount: 5}

	first := legacyEventID(pl)
	second := legacyEventID(pl)
	if first != second {
		t.Errorf("legacyEventID() not stable: %q vs %q", first, second)
	}
	if first != "legacy:"+id.Hex() {
		t.Errorf("legacyEventID() = %q, want legacy:%s", first, id.Hex())
	}

	other := legacyEventID(MongoPointLog{ID: primitive.NewObjectID()})
	if first == other {
		t.Error("legacyEventID() collided across distinct documents")
	}
}

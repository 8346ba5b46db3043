package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/sbcache/internal/bus"
	"github.com/matheus3301/sbcache/internal/channel"
	"github.com/matheus3301/sbcache/internal/kv"
	"github.com/matheus3301/sbcache/internal/kv/memkv"
	"github.com/matheus3301/sbcache/internal/registry"
	"github.com/matheus3301/sbcache/internal/sbcrypto"
)

const legacyBlob = `{"rooms":{
	"alpha":{"id":"alpha","name":"Alpha","key":{"kty":"EC","d":"a"},"userName":"Ann",
		"lastSeenMessageId":"0002","lastMessageTime":"0101",
		"contacts":{"bx by":"Bob"},
		"messages":[{"_id":"0002","text":"two"},{"_id":"0001","text":"one"}]},
	"beta":{"id":"beta","key":{"kty":"EC","d":"b"},"contacts":{"bx by":"Robert","cx cy":"Cat"}}
}}`

func TestFirstRunWritesMarker(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	r := openRegistry(t, db, newFakeService())

	m, err := r.Marker(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.Version != registry.CurrentVersion || m.Timestamp == 0 {
		t.Errorf("marker = %+v, want version %d with timestamp", m, registry.CurrentVersion)
	}
	stored, err := kv.Get[registry.Marker](ctx, db, registry.MarkerKey)
	if err != nil || stored == nil {
		t.Fatalf("stored marker = %v, %v", stored, err)
	}
	if *stored != m {
		t.Errorf("stored marker = %+v, want %+v", *stored, m)
	}
	chans, _ := r.Channels(ctx)
	if len(chans) != 0 {
		t.Errorf("got %d channels, want 0", len(chans))
	}
}

func TestMigrateBlob(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	quoted, _ := json.Marshal(legacyBlob)
	seed(t, db, "sb_data", string(quoted))

	r := openRegistry(t, db, newFakeService())

	chans, err := r.Channels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(chans) != 2 {
		t.Fatalf("got %d channels, want 2", len(chans))
	}
	if chans[0].ID != "alpha" || chans[0].Name != "Alpha" || chans[0].Order != 0 {
		t.Errorf("chans[0] = %+v, want alpha/Alpha/0", chans[0])
	}
	if chans[1].ID != "beta" || chans[1].Name != "Room 2" {
		t.Errorf("chans[1] = %+v, want beta named Room 2", chans[1])
	}

	rec, err := channel.LoadRecord(ctx, db, "alpha")
	if err != nil || rec == nil {
		t.Fatalf("LoadRecord(alpha) = %v, %v", rec, err)
	}
	if rec.LastSeenMessage != "0002" || rec.LastMessageTime != "0101" || rec.UserName != "Ann" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Messages) != 2 || rec.Messages[0].ID != "0001" {
		t.Errorf("messages = %+v, want sorted by id", rec.Messages)
	}
	if string(rec.Key) != `{"kty":"EC","d":"a"}` {
		t.Errorf("key = %s", rec.Key)
	}

	contacts, _ := r.Contacts(ctx)
	want := channel.Contacts{"bx by": "Bob", "cx cy": "Cat"}
	if !reflect.DeepEqual(contacts, want) {
		t.Errorf("contacts = %v, want %v", contacts, want)
	}

	if raw, _ := db.GetItem(ctx, "sb_data"); raw == nil {
		t.Error("legacy blob should be left in place")
	}
}

func TestMigrateChannelList(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	seed(t, db, "sb_data_channels", `[
		{"_id":"b","order":1,"metadata":{"options":{"name":"Beta","userName":"Zed"}},"contacts":{"k1":"Ann"}},
		{"_id":"a","order":0,"name":"Alpha"}
	]`)
	seed(t, db, "sb_data_b", `{"id":"b","key":{"d":"b"},"contacts":{"k1":"Annie","k2":"Carl"},"lastMessageTime":1700}`)
	seed(t, db, "sb_data_contacts", `{"k0":"Zero"}`)

	r := openRegistry(t, db, newFakeService())

	chans, _ := r.Channels(ctx)
	if len(chans) != 2 || chans[0].ID != "a" || chans[1].ID != "b" {
		t.Fatalf("channels = %+v, want a then b", chans)
	}
	if chans[1].Name != "Beta" || chans[1].UserName != "Zed" {
		t.Errorf("b summary = %+v", chans[1])
	}

	rec, _ := channel.LoadRecord(ctx, db, "b")
	if rec == nil || rec.LastMessageTime != "1700" || rec.Contacts["k1"] != "Annie" {
		t.Errorf("record b = %+v", rec)
	}

	contacts, _ := r.Contacts(ctx)
	want := channel.Contacts{"k0": "Zero", "k1": "Ann", "k2": "Carl"}
	if !reflect.DeepEqual(contacts, want) {
		t.Errorf("contacts = %v, want %v", contacts, want)
	}
}

func TestMigrateStringifiedAuthorsAndRepeats(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	seed(t, db, "sb_data_channels", `[{"_id":"a","name":"Alpha"}]`)
	seed(t, db, "sb_data_a", `{"messages":[
		{"_id":"0002","text":"later","user":{"_id":"{\"kty\":\"EC\",\"x\":\"bx\",\"y\":\"by\"}","name":"Bob"}},
		{"_id":"0001","text":"hi","user":{"_id":"{\"kty\":\"EC\",\"x\":\"bx\",\"y\":\"by\"}","name":"Bob"}},
		{"_id":"0001","text":"hi again","user":{"_id":"{\"kty\":\"EC\",\"x\":\"bx\",\"y\":\"by\"}","name":"Bob"}}
	]}`)

	r := openRegistry(t, db, newFakeService())
	if m, _ := r.Marker(ctx); m.Version != registry.CurrentVersion {
		t.Fatalf("marker = %+v", m)
	}

	rec, err := channel.LoadRecord(ctx, db, "a")
	if err != nil || rec == nil {
		t.Fatalf("LoadRecord() = %+v, %v", rec, err)
	}
	if len(rec.Messages) != 2 || rec.Messages[0].ID != "0001" || rec.Messages[1].ID != "0002" {
		t.Fatalf("messages = %+v, want 0001 then 0002 once each", rec.Messages)
	}
	if rec.Messages[0].Text != "hi again" {
		t.Errorf("repeated message text = %q, want the later copy", rec.Messages[0].Text)
	}
	if author := rec.Messages[0].Author(); author == nil || author.ContactID() != "bx by" {
		t.Errorf("author = %+v, want bx by", author)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	seed(t, db, "sb_data", legacyBlob)

	state := func() ([]string, channel.Contacts, *channel.Record) {
		r := registry.New(db, newFakeService(), sbcrypto.New(), nil, nil)
		defer r.Close()
		if err := r.Ready(ctx); err != nil {
			t.Fatal(err)
		}
		chans, _ := r.Channels(ctx)
		var ids []string
		for _, s := range chans {
			ids = append(ids, s.ID+"/"+s.Name)
		}
		contacts, _ := r.Contacts(ctx)
		rec, _ := channel.LoadRecord(ctx, db, "beta")
		return ids, contacts, rec
	}

	ids1, contacts1, rec1 := state()
	if _, err := db.RemoveItem(ctx, registry.MarkerKey); err != nil {
		t.Fatal(err)
	}
	ids2, contacts2, rec2 := state()

	if !reflect.DeepEqual(ids1, ids2) {
		t.Errorf("channels after rerun = %v, want %v", ids2, ids1)
	}
	if !reflect.DeepEqual(contacts1, contacts2) {
		t.Errorf("contacts after rerun = %v, want %v", contacts2, contacts1)
	}
	if !reflect.DeepEqual(rec1, rec2) {
		t.Errorf("record after rerun = %+v, want %+v", rec2, rec1)
	}
}

func TestMarkerShortCircuits(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	seed(t, db, registry.MarkerKey, `{"version":3,"timestamp":42}`)
	seed(t, db, "sb_data", legacyBlob)

	r := openRegistry(t, db, newFakeService())
	m, _ := r.Marker(ctx)
	if m.Timestamp != 42 {
		t.Errorf("marker timestamp = %d, want 42 (untouched)", m.Timestamp)
	}
	chans, _ := r.Channels(ctx)
	if len(chans) != 0 {
		t.Errorf("got %d channels, want legacy data ignored", len(chans))
	}
}

func TestNewerLayoutFails(t *testing.T) {
	db := testDB(t)
	seed(t, db, registry.MarkerKey, `{"version":9,"timestamp":1}`)

	r := registry.New(db, newFakeService(), sbcrypto.New(), nil, nil)
	defer r.Close()
	err := r.Ready(context.Background())
	if !errors.Is(err, registry.ErrMigration) {
		t.Fatalf("Ready() error = %v, want ErrMigration", err)
	}
	if _, err := r.Channels(context.Background()); !errors.Is(err, registry.ErrMigration) {
		t.Errorf("Channels() error = %v, want ErrMigration", err)
	}
}

func TestCreateRegistersChannel(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	b := bus.New()
	events, unsub := b.Subscribe("registry.", 10)
	defer unsub()
	r := registry.New(db, newFakeService(), sbcrypto.New(), b, nil)
	defer r.Close()

	first, err := r.Create(ctx, channel.Options{}, "secret")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := r.Create(ctx, channel.Options{Name: "Named"}, "secret")
	if err != nil {
		t.Fatal(err)
	}

	chans, _ := r.Channels(ctx)
	if len(chans) != 2 {
		t.Fatalf("got %d channels, want 2", len(chans))
	}
	if chans[0].ID != first.ID() || chans[0].Name != "Room 1" {
		t.Errorf("chans[0] = %+v, want %s named Room 1", chans[0], first.ID())
	}
	if chans[1].ID != second.ID() || chans[1].Name != "Named" || chans[1].Order != 1 {
		t.Errorf("chans[1] = %+v", chans[1])
	}

	index, err := kv.Get[[]registry.ChannelSummary](ctx, db, registry.IndexKey)
	if err != nil || index == nil || len(*index) != 2 {
		t.Fatalf("persisted index = %v, %v", index, err)
	}

	kinds := map[string]int{}
	for len(events) > 0 {
		kinds[(<-events).Kind]++
	}
	if kinds[bus.KindRegistryLoaded] != 1 || kinds[bus.KindRegistryChanged] != 2 {
		t.Errorf("events = %v", kinds)
	}
}

func TestFailedRegistrationClosesChannel(t *testing.T) {
	ctx := context.Background()
	engine := &failingEngine{Engine: memkv.New(), key: registry.IndexKey}
	db, err := kv.New(engine, kv.Options{Database: "sb_data", Table: "cache"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	svc := newFakeService()
	r := openRegistry(t, db, svc)

	engine.armed.Store(true)
	if _, err := r.Create(ctx, channel.Options{}, "secret"); !errors.Is(err, errWriteFailed) {
		t.Fatalf("Create() error = %v, want write failure", err)
	}
	if _, err := r.Connect(ctx, channel.Options{ID: "joined"}); !errors.Is(err, errWriteFailed) {
		t.Fatalf("Connect() error = %v, want write failure", err)
	}
	if n := svc.openSockets(); n != 0 {
		t.Errorf("open sockets = %d, want 0", n)
	}
	if chans, _ := r.Channels(ctx); len(chans) != 0 {
		t.Errorf("channels = %+v, want none registered", chans)
	}

	engine.armed.Store(false)
	if _, err := r.Connect(ctx, channel.Options{ID: "joined"}); err != nil {
		t.Fatalf("Connect() after recovery error = %v", err)
	}
	if chans, _ := r.Channels(ctx); len(chans) != 1 || chans[0].ID != "joined" {
		t.Errorf("channels = %+v, want joined", chans)
	}
}

func TestConnectReturnsConnectedChannel(t *testing.T) {
	ctx := context.Background()
	svc := newFakeService()
	r := openRegistry(t, testDB(t), svc)

	a, err := r.Connect(ctx, channel.Options{ID: "c1"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	b, err := r.Connect(ctx, channel.Options{ID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second Connect should return the registered channel")
	}
	if n := svc.connectCount(); n != 1 {
		t.Errorf("service connects = %d, want 1", n)
	}
	got, err := r.Channel(ctx, "c1")
	if err != nil || got != a {
		t.Errorf("Channel(c1) = %p, %v, want %p", got, err, a)
	}
	if _, err := r.Channel(ctx, "nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Channel(nope) error = %v, want ErrNotFound", err)
	}
}

func TestRehydratedChannelConnectsWithCachedKey(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	r1 := registry.New(db, newFakeService(), sbcrypto.New(), nil, nil)
	ch, err := r1.Create(ctx, channel.Options{UserName: "Ann"}, "secret")
	if err != nil {
		t.Fatal(err)
	}
	id := ch.ID()
	rec, _ := ch.Record(ctx)
	_ = r1.Close()

	svc := newFakeService()
	r2 := openRegistry(t, db, svc)
	idle, err := r2.Channel(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if idle.State() != channel.Uninitialized {
		t.Errorf("rehydrated state = %s, want UNINITIALIZED", idle.State())
	}

	live, err := r2.Connect(ctx, channel.Options{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if string(svc.keyFor(id)) != string(rec.Key) {
		t.Errorf("connect key = %s, want cached %s", svc.keyFor(id), rec.Key)
	}
	opts := live.Options()
	if opts.Name != "Room 1" || opts.UserName != "Ann" {
		t.Errorf("options = %+v, want names from index", opts)
	}
	if idle.State() != channel.Closed {
		t.Errorf("replaced channel state = %s, want CLOSED", idle.State())
	}
}

func TestContactsObservedThroughChannels(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	r := openRegistry(t, db, newFakeService())

	a, _ := r.Connect(ctx, channel.Options{ID: "a"})
	b, _ := r.Connect(ctx, channel.Options{ID: "b"})
	sender := &channel.PublicKey{X: "sx", Y: "sy"}

	if _, err := a.ReceiveMessage(ctx, channel.Message{ID: "1", SenderKey: sender, SenderName: "Sam"}, nil); err != nil {
		t.Fatal(err)
	}
	got, err := b.ReceiveMessage(ctx, channel.Message{ID: "1", SenderKey: sender, SenderName: "Samuel"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.SenderName != "Sam" {
		t.Errorf("name in second channel = %q, want global Sam", got.SenderName)
	}

	stored, _ := kv.Get[channel.Contacts](ctx, db, registry.ContactsKey)
	if stored == nil || (*stored)["sx sy"] != "Sam" {
		t.Errorf("persisted contacts = %v", stored)
	}
}

func TestRenameContact(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	r := openRegistry(t, db, newFakeService())

	live, _ := r.Connect(ctx, channel.Options{ID: "live"})
	other, _ := r.Connect(ctx, channel.Options{ID: "other"})
	sender := &channel.PublicKey{X: "sx", Y: "sy"}
	if _, err := live.ReceiveMessage(ctx, channel.Message{ID: "1", SenderKey: sender, SenderName: "Sam"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ImportKeys(ctx, registry.KeyExport{
		RoomData: map[string]registry.RoomKey{"idle": {Key: json.RawMessage(`{"d":"i"}`)}},
		Contacts: channel.Contacts{"sx sy": "Sammy"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.RenameContact(ctx, "sx sy", "Samantha"); err != nil {
		t.Fatalf("RenameContact() error = %v", err)
	}

	contacts, _ := r.Contacts(ctx)
	if contacts["sx sy"] != "Samantha" {
		t.Errorf("global name = %q, want Samantha", contacts["sx sy"])
	}
	liveContacts, _ := live.Contacts(ctx)
	if liveContacts["sx sy"] != "Samantha" {
		t.Errorf("live channel name = %q, want Samantha", liveContacts["sx sy"])
	}
	otherContacts, _ := other.Contacts(ctx)
	if _, ok := otherContacts["sx sy"]; ok {
		t.Error("channel that never saw the contact should not gain it")
	}
	idle, _ := channel.LoadRecord(ctx, db, "idle")
	if idle == nil || idle.Contacts["sx sy"] != "Samantha" {
		t.Errorf("stored record = %+v, want renamed contact", idle)
	}
}

func TestRenameChannel(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	r := openRegistry(t, db, newFakeService())

	live, _ := r.Connect(ctx, channel.Options{ID: "live"})
	if _, err := r.ImportKeys(ctx, registry.KeyExport{
		RoomData: map[string]registry.RoomKey{"idle": {Key: json.RawMessage(`{"d":"i"}`)}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.RenameChannel(ctx, "live", "Lounge"); err != nil {
		t.Fatal(err)
	}
	if err := r.RenameChannel(ctx, "idle", "Attic"); err != nil {
		t.Fatal(err)
	}
	if err := r.RenameChannel(ctx, "missing", "x"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("RenameChannel(missing) error = %v, want ErrNotFound", err)
	}

	rec, _ := live.Record(ctx)
	if rec.Name != "Lounge" {
		t.Errorf("live record name = %q, want Lounge", rec.Name)
	}
	stored, _ := channel.LoadRecord(ctx, db, "idle")
	if stored == nil || stored.Name != "Attic" {
		t.Errorf("idle record = %+v, want Attic", stored)
	}
	chans, _ := r.Channels(ctx)
	if chans[0].Name != "Lounge" || chans[1].Name != "Attic" {
		t.Errorf("index = %+v", chans)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	r := openRegistry(t, db, newFakeService())

	first, _ := r.Connect(ctx, channel.Options{ID: "one"})
	if _, err := r.Connect(ctx, channel.Options{ID: "two"}); err != nil {
		t.Fatal(err)
	}

	if err := r.Remove(ctx, "one"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if first.State() != channel.Closed {
		t.Errorf("removed channel state = %s, want CLOSED", first.State())
	}
	if raw, _ := db.GetItem(ctx, channel.RecordKey("one")); raw != nil {
		t.Errorf("record still stored: %s", raw)
	}
	chans, _ := r.Channels(ctx)
	if len(chans) != 1 || chans[0].ID != "two" || chans[0].Order != 0 {
		t.Errorf("index = %+v, want only two at order 0", chans)
	}
	if err := r.Remove(ctx, "one"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestExportImportKeys(t *testing.T) {
	ctx := context.Background()
	src := openRegistry(t, testDB(t), newFakeService())
	created, err := src.Create(ctx, channel.Options{Name: "Mine"}, "secret")
	if err != nil {
		t.Fatal(err)
	}
	joined, err := src.Connect(ctx, channel.Options{ID: "joined", Name: "Theirs"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := joined.ReceiveMessage(ctx, channel.Message{ID: "0009", TimestampPrefix: "0110",
		SenderKey: &channel.PublicKey{X: "px", Y: "py"}, SenderName: "Pat"}, nil); err != nil {
		t.Fatal(err)
	}

	exp, err := src.ExportKeys(ctx)
	if err != nil {
		t.Fatalf("ExportKeys() error = %v", err)
	}
	if len(exp.RoomData) != 2 {
		t.Fatalf("exported %d rooms, want 2", len(exp.RoomData))
	}
	if exp.RoomData["joined"].LastSeenMessage != "0009" || exp.RoomMetadata["joined"].LastMessageTime != "0110" {
		t.Errorf("joined export = %+v / %+v", exp.RoomData["joined"], exp.RoomMetadata["joined"])
	}
	if exp.Contacts["px py"] != "Pat" {
		t.Errorf("exported contacts = %v", exp.Contacts)
	}

	raw, err := json.Marshal(exp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded registry.KeyExport
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	db := testDB(t)
	dst := openRegistry(t, db, newFakeService())
	n, err := dst.ImportKeys(ctx, decoded)
	if err != nil {
		t.Fatalf("ImportKeys() error = %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d, want 2", n)
	}

	names := map[string]string{}
	chans, _ := dst.Channels(ctx)
	for _, s := range chans {
		names[s.ID] = s.Name
	}
	want := map[string]string{created.ID(): "Mine", "joined": "Theirs"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("imported channels = %v, want %v", names, want)
	}
	rec, _ := channel.LoadRecord(ctx, db, "joined")
	if rec == nil || string(rec.Key) != string(exp.RoomData["joined"].Key) {
		t.Errorf("imported record = %+v", rec)
	}
	contacts, _ := dst.Contacts(ctx)
	if contacts["px py"] != "Pat" {
		t.Errorf("imported contacts = %v", contacts)
	}
}

func TestIndexTracksActivity(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	r := registry.New(db, newFakeService(), sbcrypto.New(), bus.New(), nil)
	defer r.Close()

	ch, err := r.Connect(ctx, channel.Options{ID: "busy"})
	if err != nil {
		t.Fatal(err)
	}
	chans, _ := r.Channels(ctx)
	before := chans[0].UpdatedAt

	time.Sleep(5 * time.Millisecond)
	if _, err := ch.ReceiveMessage(ctx, channel.Message{ID: "1", Text: "hi"}, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		chans, _ = r.Channels(ctx)
		if chans[0].UpdatedAt.After(before) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("UpdatedAt = %v, want after %v", chans[0].UpdatedAt, before)
		}
		time.Sleep(5 * time.Millisecond)
	}

	index, err := kv.Get[[]registry.ChannelSummary](ctx, db, registry.IndexKey)
	if err != nil || index == nil {
		t.Fatalf("persisted index = %v, %v", index, err)
	}
	if !(*index)[0].UpdatedAt.After(before) {
		t.Errorf("persisted UpdatedAt = %v, want after %v", (*index)[0].UpdatedAt, before)
	}
}

// Package stoat provides an event-sourcing engine for Go applications.
//
// Events are persisted in append-only streams guarded by optimistic
// concurrency. Projections fold those events into materialized state, either
// inline in the commit that appended them or on demand.
//
// # Quick Start
//
// Create an event store with the in-memory adapter for development:
//
//	store := stoat.New(memory.NewAdapter())
//
// For production, use the PostgreSQL, SQLite or Badger adapters:
//
//	adapter, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := stoat.New(adapter, stoat.WithLogger(slog.Default()))
//
// # Registering Events
//
// Every event payload is registered under a kind. RegisterEvents uses the Go
// type name as the kind and JSON as the codec:
//
//	store.RegisterEvents(QuestStarted{}, MembersJoined{})
//
// Use the registry directly for other codecs or to declare which projections
// must fold a kind:
//
//	store.Registry().Register("QuestEnded", stoat.NewJSONCodec(QuestEnded{}), "quest")
//
// # Projections
//
// A projection is a fold table of create and apply functions for one stream type:
//
//	quests := stoat.NewProjection[Quest]("quest", "Quest")
//	stoat.OnCreate(quests, func(e QuestStarted) Quest {
//	    return Quest{Name: e.Name}
//	})
//	stoat.OnApply(quests, func(e MembersJoined, q Quest) Quest {
//	    q.Members = append(q.Members, e.Members...)
//	    return q
//	})
//	store.RegisterProjection(quests)
//
// Validate the fold tables and create the schema at startup:
//
//	if err := store.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Writing Events
//
// Streams are started once and appended to afterwards. Appending to a stream
// that was never started fails with a StreamNotFoundError:
//
//	_, err := store.StartStream(ctx, questID, "Quest", []any{QuestStarted{Name: "Destroy the One Ring"}})
//	_, err = store.Append(ctx, questID, []any{MembersJoined{Day: 3}}, stoat.ExpectVersion(1))
//
// Sessions stage several writes and commit them atomically together with
// every inline projection they touch:
//
//	session := store.OpenSession()
//	_ = session.StartStream(questID, "Quest", events)
//	result, err := session.Commit(ctx)
//
// # Reading State
//
//	quest, version, err := stoat.LoadProjection(ctx, store, quests, questID)
//	state, err := store.Projections().ProjectAt(ctx, questID, 2)
package stoat

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}

// Package handlers defines the generation stages behind an avatar session and
// their built-in backends.
//
// Every role (detector, transcriber, reply, synthesizer, renderer, search) is an
// interface embedding Handler. A Factory resolves the configured kind of each role
// once at startup; each session then receives its own Set, which constructs and
// initialises a handler the first time the session needs it.
//
// Invariants:
// - Init runs at most once per handler per session, and a failed Init is not retried.
// - Kinds are fixed for the life of a session; configuration updates cannot swap them.
// - Set.Close releases every initialised handler exactly once.
//
// Usage:
//
//	factory, err := handlers.NewFactory(handlers.NewRegistry(), cfg.Handlers)
//	set := factory.NewSet()
//	defer set.Close()
//	reply, err := set.Reply(ctx)
//	stream, err := reply.Generate(ctx, handlers.ReplyRequest{History: history})
package handlers

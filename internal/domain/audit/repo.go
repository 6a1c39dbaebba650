package audit

import "context"

// Sink is the append-only audit store. There is deliberately no update or
// delete.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
}

// Store is a Sink that can also be queried by operators.
type Store interface {
	Sink
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
}

package models

// All lists the models managed by the schema, in dependency order.
func All() []any {
	return []any{&Event{}, &AggregateSnapshot{}, &ComputeRun{}}
}

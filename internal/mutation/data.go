package mutation

import (
	"relengine/internal/planner"
)

// Data is the payload of a create or an update. Scalar values are field
// values; in an update a value may also be a FieldOp. Relations holds the
// nested writes keyed by relation name.
type Data struct {
	Scalars   map[string]any
	Relations map[string]Nested
}

// FieldOp applies an arithmetic operator to a numeric field in an update.
type FieldOp struct {
	Op    planner.UpdateOp
	Value any
}

func Increment(v any) FieldOp { return FieldOp{Op: planner.OpIncrement, Value: v} }
func Decrement(v any) FieldOp { return FieldOp{Op: planner.OpDecrement, Value: v} }
func Multiply(v any) FieldOp  { return FieldOp{Op: planner.OpMultiply, Value: v} }
func Divide(v any) FieldOp    { return FieldOp{Op: planner.OpDivide, Value: v} }

// Unique selects one row by a primary key or unique constraint.
type Unique map[string]any

// Nested is the set of writes on one relation inside a parent payload.
//
// For to-one relations Disconnect and Delete take a single entry; an empty
// Unique means the currently related row.
type Nested struct {
	Create          []Data
	CreateMany      []map[string]any
	SkipDuplicates  bool
	Connect         []Unique
	ConnectOrCreate []ConnectOrCreate
	Disconnect      []Unique
	Delete          []Unique
	// Set replaces every related row of a to-many relation with the listed
	// rows. A non-nil empty Set disconnects them all.
	Set    []Unique
	Update []NestedUpdate
	Upsert *NestedUpsert
}

// ConnectOrCreate connects the row matching Where, or creates Create when
// there is none.
type ConnectOrCreate struct {
	Where  Unique
	Create map[string]any
}

// NestedUpdate updates related rows. Where picks a row of a to-many
// relation and is empty for a to-one relation.
type NestedUpdate struct {
	Where   Unique
	Scalars map[string]any
}

// NestedUpsert updates the related row of a to-one relation, or creates it
// when there is none.
type NestedUpsert struct {
	Create map[string]any
	Update map[string]any
}

func (n Nested) empty() bool {
	return len(n.Create) == 0 && len(n.CreateMany) == 0 && len(n.Connect) == 0 &&
		len(n.ConnectOrCreate) == 0 && len(n.Disconnect) == 0 && len(n.Delete) == 0 &&
		n.Set == nil && len(n.Update) == 0 && n.Upsert == nil
}

// kinds lists the populated write kinds of n in a fixed order.
func (n Nested) kinds() []string {
	var out []string
	if len(n.Create) > 0 {
		out = append(out, "create")
	}
	if len(n.CreateMany) > 0 {
		out = append(out, "createMany")
	}
	if len(n.Connect) > 0 {
		out = append(out, "connect")
	}
	if len(n.ConnectOrCreate) > 0 {
		out = append(out, "connectOrCreate")
	}
	if len(n.Disconnect) > 0 {
		out = append(out, "disconnect")
	}
	if len(n.Delete) > 0 {
		out = append(out, "delete")
	}
	if n.Set != nil {
		out = append(out, "set")
	}
	if len(n.Update) > 0 {
		out = append(out, "update")
	}
	if n.Upsert != nil {
		out = append(out, "upsert")
	}
	return out
}
